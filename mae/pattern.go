package mae

import (
	"encoding/binary"
	"fmt"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

// fieldDeferred in a field locator means the locator only contributes
// to the supported mask; the field value is stashed in the parse
// context and resolved by processPatternData once the surrounding
// items are known.
const fieldDeferred = efx.NFields

type fieldLocator struct {
	field efx.Field
	size  int
	ofst  int
}

func buildSuppMask(flocs []fieldLocator, size int) []byte {
	m := make([]byte, size)
	for _, fl := range flocs {
		for i := 0; i < fl.size; i++ {
			m[fl.ofst+i] = 0xff
		}
	}
	return m
}

var flocsEth = []fieldLocator{
	{fieldDeferred, 2, 12}, // EtherType, resolved with the TPID chain
	{efx.FieldEthDaddr, 6, 0},
	{efx.FieldEthSaddr, 6, 6},
}

// Per-tag VLAN locators, outermost tag first.
var flocsVLAN = [efx.VLANTagsMax][]fieldLocator{
	{
		{efx.FieldVLAN0TCI, 2, 0},
		{fieldDeferred, 2, 2}, // inner EtherType
	},
	{
		{efx.FieldVLAN1TCI, 2, 0},
		{fieldDeferred, 2, 2},
	},
}

var flocsIPv4 = []fieldLocator{
	{efx.FieldSrcIP4, 4, 12},
	{efx.FieldDstIP4, 4, 16},
	{fieldDeferred, 1, 9}, // next protocol
	{efx.FieldIPTOS, 1, 1},
	{efx.FieldIPTTL, 1, 8},
}

var flocsIPv6 = []fieldLocator{
	{efx.FieldSrcIP6, 16, 8},
	{efx.FieldDstIP6, 16, 24},
	{fieldDeferred, 1, 6}, // next header
	{efx.FieldIPTTL, 1, 7},
}

var flocsTCP = []fieldLocator{
	{efx.FieldL4Sport, 2, 0},
	{efx.FieldL4Dport, 2, 2},
	// Combined data offset + flags. The target match field is
	// oversize (16 bit) and big-endian, so the two adjacent header
	// bytes map onto it directly.
	{efx.FieldTCPFlags, 2, 12},
}

var flocsUDP = []fieldLocator{
	{efx.FieldL4Sport, 2, 0},
	{efx.FieldL4Dport, 2, 2},
}

// VNI/VSID bytes; valid for all three tunnel protocols.
var flocsTunnel = []fieldLocator{
	{fieldDeferred, 3, 4},
}

var (
	ethSuppMask    = buildSuppMask(flocsEth, itemEthLen)
	vlanSuppMask   = buildSuppMask(flocsVLAN[0], itemVLANLen)
	ipv4SuppMask   = buildSuppMask(flocsIPv4, itemIPv4Len)
	ipv6SuppMask   = buildIPv6SuppMask()
	tcpSuppMask    = buildSuppMask(flocsTCP, itemTCPLen)
	udpSuppMask    = buildSuppMask(flocsUDP, itemUDPLen)
	tunnelSuppMask = buildSuppMask(flocsTunnel, itemTunnelLen)
)

// ipv6TCMask covers the traffic class bits of the first 4-byte
// version/TC/flow label word.
const ipv6TCMask = 0x0ff00000

func buildIPv6SuppMask() []byte {
	m := buildSuppMask(flocsIPv6, itemIPv6Len)
	m[0] |= 0x0f
	m[1] |= 0xf0
	return m
}

type fieldRemap [efx.NFields]efx.Field

// Identity registry: non-encap. field IDs are used directly when
// building a match specification of type ACTION.
var fieldIDsNoRemap = fieldRemap{
	efx.FieldEtherType:  efx.FieldEtherType,
	efx.FieldEthSaddr:   efx.FieldEthSaddr,
	efx.FieldEthDaddr:   efx.FieldEthDaddr,
	efx.FieldVLAN0TCI:   efx.FieldVLAN0TCI,
	efx.FieldVLAN0Proto: efx.FieldVLAN0Proto,
	efx.FieldVLAN1TCI:   efx.FieldVLAN1TCI,
	efx.FieldVLAN1Proto: efx.FieldVLAN1Proto,
	efx.FieldSrcIP4:     efx.FieldSrcIP4,
	efx.FieldDstIP4:     efx.FieldDstIP4,
	efx.FieldIPProto:    efx.FieldIPProto,
	efx.FieldIPTOS:      efx.FieldIPTOS,
	efx.FieldIPTTL:      efx.FieldIPTTL,
	efx.FieldSrcIP6:     efx.FieldSrcIP6,
	efx.FieldDstIP6:     efx.FieldDstIP6,
	efx.FieldL4Sport:    efx.FieldL4Sport,
	efx.FieldL4Dport:    efx.FieldL4Dport,
	efx.FieldTCPFlags:   efx.FieldTCPFlags,
}

// Registry which redirects the pre-tunnel items to "ENC" fields when
// building a match specification of type OUTER.
var fieldIDsRemapToEncap = fieldRemap{
	efx.FieldEtherType:  efx.FieldEncEtherType,
	efx.FieldEthSaddr:   efx.FieldEncEthSaddr,
	efx.FieldEthDaddr:   efx.FieldEncEthDaddr,
	efx.FieldVLAN0TCI:   efx.FieldEncVLAN0TCI,
	efx.FieldVLAN0Proto: efx.FieldEncVLAN0Proto,
	efx.FieldVLAN1TCI:   efx.FieldEncVLAN1TCI,
	efx.FieldVLAN1Proto: efx.FieldEncVLAN1Proto,
	efx.FieldSrcIP4:     efx.FieldEncSrcIP4,
	efx.FieldDstIP4:     efx.FieldEncDstIP4,
	efx.FieldIPProto:    efx.FieldEncIPProto,
	efx.FieldIPTOS:      efx.FieldEncIPTOS,
	efx.FieldIPTTL:      efx.FieldEncIPTTL,
	efx.FieldSrcIP6:     efx.FieldEncSrcIP6,
	efx.FieldDstIP6:     efx.FieldEncDstIP6,
	efx.FieldL4Sport:    efx.FieldEncL4Sport,
	efx.FieldL4Dport:    efx.FieldEncL4Dport,
}

type etherTypePair struct {
	value uint16
	mask  uint16
}

// patternData is the scratch state for deferred field resolution. It
// accumulates cross-item constraints while items are walked and is
// consumed by processPatternData. A tunnel item resets it for the
// inner frame.
type patternData struct {
	nbVlanTags int

	// ethertypes[0] is the "type" of item ETH; the next entries
	// are "inner type" values of the VLAN items in pattern order.
	// The entry at index nbVlanTags is the innermost non-VLAN
	// EtherType; the ones before it must resolve to valid TPIDs.
	ethertypes [efx.VLANTagsMax + 1]etherTypePair

	// EtherType implied by the L3 item which follows, if any.
	innermostEtherType etherTypePair

	// Next protocol declared by the L3 item and the value implied
	// by the L4 item which follows, if any.
	l3NextProtoValue       uint8
	l3NextProtoMask        uint8
	l3NextProtoRestriction uint8
	l3NextProtoRestricted  bool
}

type parseContext struct {
	ad       *Adapter
	priority uint32

	matchSpecAction *efx.MatchSpec
	matchSpecOuter  *efx.MatchSpec

	// The specification items are currently routed into, and the
	// field registry in effect. Both switch from outer to action
	// at the tunnel boundary.
	matchSpec *efx.MatchSpec
	fremap    *fieldRemap

	encapType     efx.TunnelType
	matchMportSet bool

	pdata patternData
}

func (self *parseContext) fieldSet(f efx.Field, value, mask []byte) error {
	return self.matchSpec.FieldSet(self.fremap[f], value, mask)
}

func (self *parseContext) parseItemFlocs(flocs []fieldLocator, spec, mask []byte) error {
	for _, fl := range flocs {
		if fl.field == fieldDeferred {
			continue
		}
		err := self.fieldSet(fl.field, spec[fl.ofst:fl.ofst+fl.size], mask[fl.ofst:fl.ofst+fl.size])
		if err != nil {
			return err
		}
	}
	return nil
}

// Ordered candidate TPID list. The standard TPID is always the first
// element; the rest are the double-tagging TPIDs.
var supportedTPIDs = []uint16{0x8100, 0x88a8, 0x9100, 0x9200, 0x9300}

func (self *parseContext) setEthertypes() error {
	pdata := &self.pdata
	vlanProtoFields := [efx.VLANTagsMax]efx.Field{
		efx.FieldVLAN0Proto,
		efx.FieldVLAN1Proto,
	}
	var v, m [2]byte

	// The innermost L2 "type" is a L3 EtherType. If there is no L3
	// item, it stays 0x0000/0x0000.
	et := pdata.ethertypes[pdata.nbVlanTags]
	binary.BigEndian.PutUint16(v[:], et.value)
	binary.BigEndian.PutUint16(m[:], et.mask)
	if err := self.fieldSet(efx.FieldEtherType, v[:], m[:]); err != nil {
		return err
	}

	for i := 0; i < pdata.nbVlanTags; i++ {
		et = pdata.ethertypes[i]
		binary.BigEndian.PutUint16(v[:], et.value)
		binary.BigEndian.PutUint16(m[:], et.mask)
		if err := self.fieldSet(vlanProtoFields[i], v[:], m[:]); err != nil {
			return err
		}
	}

	return nil
}

// processPatternData resolves the deferred fields: the EtherType/TPID
// chain and the L3 next protocol. It runs once per frame section, at
// the tunnel boundary and at the end of the pattern.
func (self *parseContext) processPatternData() error {
	pdata := &self.pdata
	nbSupportedTPIDs := len(supportedTPIDs)

	if pdata.innermostEtherType.mask != 0 &&
		pdata.nbVlanTags < efx.VLANTagsMax {
		// A single VLAN tag followed by a L3 item: "type" in
		// item ETH can't be a double-tagging TPID.
		nbSupportedTPIDs = 1
	}

	ethertypeIdx := 0
	for ; ethertypeIdx < pdata.nbVlanTags; ethertypeIdx++ {
		et := pdata.ethertypes[ethertypeIdx]

		// Exact match is supported only.
		if et.mask != 0xffff {
			return fmt.Errorf("mae: the TPID of VLAN tag %d needs an exact match", ethertypeIdx)
		}

		tpidIdx := pdata.nbVlanTags - ethertypeIdx - 1
		for ; tpidIdx < nbSupportedTPIDs; tpidIdx++ {
			if et.value == supportedTPIDs[tpidIdx] {
				break
			}
		}
		if tpidIdx == nbSupportedTPIDs {
			return fmt.Errorf("mae: unsupported TPID 0x%04x for VLAN tag %d", et.value, ethertypeIdx)
		}

		nbSupportedTPIDs = 1
	}

	if pdata.innermostEtherType.mask == 0xffff {
		et := &pdata.ethertypes[ethertypeIdx]
		switch {
		case et.mask == 0:
			*et = pdata.innermostEtherType
		case et.mask != 0xffff || et.value != pdata.innermostEtherType.value:
			return fmt.Errorf("mae: EtherType 0x%04x contradicts the L3 item", et.value)
		}
	}

	if err := self.setEthertypes(); err != nil {
		return err
	}

	if pdata.l3NextProtoRestricted {
		switch {
		case pdata.l3NextProtoMask == 0:
			pdata.l3NextProtoMask = 0xff
			pdata.l3NextProtoValue = pdata.l3NextProtoRestriction
		case pdata.l3NextProtoMask != 0xff ||
			pdata.l3NextProtoValue != pdata.l3NextProtoRestriction:
			return fmt.Errorf("mae: IP protocol %d contradicts the L4 item", pdata.l3NextProtoValue)
		}
	}

	return self.fieldSet(efx.FieldIPProto,
		[]byte{pdata.l3NextProtoValue}, []byte{pdata.l3NextProtoMask})
}

func (self *parseContext) parseItemEth(idx int, item *Item) error {
	spec, mask, err := itemParseData(item, ethSuppMask)
	if err != nil {
		return err
	}
	if spec == nil {
		// Any Ethernet matches. When more network items are in
		// line, the final validation catches the inconsistency.
		return nil
	}

	self.pdata.ethertypes[0] = etherTypePair{
		value: binary.BigEndian.Uint16(spec[12:14]),
		mask:  binary.BigEndian.Uint16(mask[12:14]),
	}

	return self.parseItemFlocs(flocsEth, spec, mask)
}

func (self *parseContext) parseItemVLAN(idx int, item *Item) error {
	pdata := &self.pdata

	if pdata.nbVlanTags == efx.VLANTagsMax {
		return fmt.Errorf("mae: can't match that many VLAN tags")
	}

	flocs := flocsVLAN[pdata.nbVlanTags]

	// If parsing fails, this can remain incremented.
	pdata.nbVlanTags++

	spec, mask, err := itemParseData(item, vlanSuppMask)
	if err != nil {
		return err
	}
	if spec == nil {
		return nil
	}

	pdata.ethertypes[pdata.nbVlanTags] = etherTypePair{
		value: binary.BigEndian.Uint16(spec[2:4]),
		mask:  binary.BigEndian.Uint16(mask[2:4]),
	}

	return self.parseItemFlocs(flocs, spec, mask)
}

func (self *parseContext) parseItemIPv4(idx int, item *Item) error {
	spec, mask, err := itemParseData(item, ipv4SuppMask)
	if err != nil {
		return err
	}

	self.pdata.innermostEtherType = etherTypePair{value: 0x0800, mask: 0xffff}

	if spec == nil {
		return nil
	}

	self.pdata.l3NextProtoValue = spec[9]
	self.pdata.l3NextProtoMask = mask[9]

	return self.parseItemFlocs(flocsIPv4, spec, mask)
}

func (self *parseContext) parseItemIPv6(idx int, item *Item) error {
	spec, mask, err := itemParseData(item, ipv6SuppMask)
	if err != nil {
		return err
	}

	self.pdata.innermostEtherType = etherTypePair{value: 0x86dd, mask: 0xffff}

	if spec == nil {
		return nil
	}

	self.pdata.l3NextProtoValue = spec[6]
	self.pdata.l3NextProtoMask = mask[6]

	if err := self.parseItemFlocs(flocsIPv6, spec, mask); err != nil {
		return err
	}

	// The traffic class lives inside the version/TC/flow label
	// word and maps onto the same field as the IPv4 TOS.
	tcValue := uint8((binary.BigEndian.Uint32(spec[0:4]) & ipv6TCMask) >> 20)
	tcMask := uint8((binary.BigEndian.Uint32(mask[0:4]) & ipv6TCMask) >> 20)

	return self.fieldSet(efx.FieldIPTOS, []byte{tcValue}, []byte{tcMask})
}

func (self *parseContext) parseItemTCP(idx int, item *Item) error {
	// TCP can only describe the innermost frame.
	if self.matchSpec != self.matchSpecAction {
		return fmt.Errorf("mae: TCP in outer frame is invalid")
	}

	spec, mask, err := itemParseData(item, tcpSuppMask)
	if err != nil {
		return err
	}

	self.pdata.l3NextProtoRestriction = 6
	self.pdata.l3NextProtoRestricted = true

	if spec == nil {
		return nil
	}

	return self.parseItemFlocs(flocsTCP, spec, mask)
}

func (self *parseContext) parseItemUDP(idx int, item *Item) error {
	spec, mask, err := itemParseData(item, udpSuppMask)
	if err != nil {
		return err
	}

	self.pdata.l3NextProtoRestriction = 17
	self.pdata.l3NextProtoRestricted = true

	if spec == nil {
		return nil
	}

	return self.parseItemFlocs(flocsUDP, spec, mask)
}

func (self *parseContext) parseItemTunnel(idx int, item *Item) error {
	// The inner frame items start here. Resolve the pattern data
	// deferred so far, then reset the scratch state.
	if err := self.processPatternData(); err != nil {
		return err
	}
	self.pdata = patternData{}

	spec, mask, err := itemParseData(item, tunnelSuppMask)
	if err != nil {
		return err
	}

	// This item and later ones comprise the ACTION specification
	// and use the non-encap. field registry.
	self.matchSpec = self.matchSpecAction
	self.fremap = &fieldIDsNoRemap

	if spec == nil {
		return nil
	}

	// The virtual network ID field is a 32-bit one; the 24-bit
	// VNI/VSID goes at offset 1, the extra byte stays zero in
	// both the value and the mask.
	var vnetV, vnetM [4]byte
	copy(vnetV[1:], spec[4:7])
	copy(vnetM[1:], mask[4:7])

	return self.matchSpec.FieldSet(efx.FieldEncVNetID, vnetV[:], vnetM[:])
}

func (self *parseContext) setMport(mport efx.Mport) error {
	if err := self.matchSpec.MportSet(mport); err != nil {
		return err
	}
	self.matchMportSet = true
	return nil
}

func (self *parseContext) parseItemPortID(idx int, item *Item) error {
	if self.matchMportSet {
		return fmt.Errorf("mae: can't handle multiple traffic source items")
	}

	spec, mask, err := itemParseData(item, metaDefaultMask)
	if err != nil {
		return err
	}
	if spec == nil {
		// Any logical port matches.
		return nil
	}
	if binary.BigEndian.Uint32(mask) != 0xffffffff {
		return fmt.Errorf("mae: bad mask in the PORT_ID pattern item")
	}

	portID := binary.BigEndian.Uint32(spec)
	if portID > 0xffff {
		return fmt.Errorf("mae: the port ID %d is too large", portID)
	}

	mport, err := self.ad.dev.MportBySwitchPort(portID)
	if err != nil {
		return fmt.Errorf("mae: can't find a switch port by the port ID: %w", err)
	}

	return self.setMport(mport)
}

func (self *parseContext) parseItemPhyPort(idx int, item *Item) error {
	if self.matchMportSet {
		return fmt.Errorf("mae: can't handle multiple traffic source items")
	}

	spec, mask, err := itemParseData(item, metaDefaultMask)
	if err != nil {
		return err
	}
	if spec == nil {
		// Any physical port matches.
		return nil
	}
	if binary.BigEndian.Uint32(mask) != 0xffffffff {
		return fmt.Errorf("mae: bad mask in the PHY_PORT pattern item")
	}

	mport, err := self.ad.dev.MportByPhyPort(binary.BigEndian.Uint32(spec))
	if err != nil {
		return fmt.Errorf("mae: failed to convert the PHY_PORT index: %w", err)
	}

	return self.setMport(mport)
}

func (self *parseContext) parseItemPF(idx int, item *Item) error {
	if self.matchMportSet {
		return fmt.Errorf("mae: can't handle multiple traffic source items")
	}

	nic := self.ad.dev.NicConfig()
	mport, err := self.ad.dev.MportByPCIeFunction(nic.PF, efx.PCIVFInvalid)
	if err != nil {
		return fmt.Errorf("mae: failed to convert the PF ID: %w", err)
	}

	return self.setMport(mport)
}

func (self *parseContext) parseItemVF(idx int, item *Item) error {
	if self.matchMportSet {
		return fmt.Errorf("mae: can't handle multiple traffic source items")
	}

	spec, mask, err := itemParseData(item, metaDefaultMask)
	if err != nil {
		return err
	}
	if spec == nil {
		// "Any VF of this PF, but not the PF itself" cannot be
		// expressed as an mport match.
		return fmt.Errorf("mae: bad spec in the VF pattern item")
	}
	if binary.BigEndian.Uint32(mask) != 0xffffffff {
		return fmt.Errorf("mae: bad mask in the VF pattern item")
	}

	nic := self.ad.dev.NicConfig()
	mport, err := self.ad.dev.MportByPCIeFunction(nic.PF, binary.BigEndian.Uint32(spec))
	if err != nil {
		return fmt.Errorf("mae: failed to convert the PF + VF IDs: %w", err)
	}

	return self.setMport(mport)
}

// encapParseInit looks ahead for the first tunnel item. If one is
// found, the pattern is split: the items up to and including the
// tunnel item form an OUTER specification.
func (self *parseContext) encapParseInit(items []Item) error {
	found := -1
scan:
	for i := range items {
		switch items[i].Type {
		case ItemTypeVXLAN:
			self.encapType = efx.TunnelVXLAN
		case ItemTypeGeneve:
			self.encapType = efx.TunnelGeneve
		case ItemTypeNVGRE:
			self.encapType = efx.TunnelNVGRE
		default:
			continue
		}
		found = i
		break scan
	}

	if found < 0 {
		return nil
	}

	ad := self.ad
	if ad.encapTypesSupported&(1<<uint(self.encapType)) == 0 {
		return itemErr(found, items[found].Type, "unsupported tunnel item")
	}
	if self.priority >= ad.nbOuterRulePriosMax {
		return itemErr(found, items[found].Type,
			"unsupported outer rule priority level %d", self.priority)
	}

	self.matchSpecOuter = efx.NewMatchSpec(efx.RuleTypeOuter, self.priority)

	// Outermost items comprise a specification of type OUTER and
	// use the "ENC" field registry.
	self.matchSpec = self.matchSpecOuter
	self.fremap = &fieldIDsRemapToEncap

	return nil
}

// processOuter hands the compiled OUTER specification over to the
// outer rule registry and records the (possibly invalid) outer rule
// resource ID in the ACTION specification, so that class comparisons
// of the new rule against existing ones are correct.
func (self *parseContext) processOuter() (*outerRule, error) {
	if self.encapType == efx.TunnelNone {
		return nil, nil
	}

	if !self.ad.dev.MatchSpecIsValid(self.matchSpecOuter) {
		return nil, fmt.Errorf("mae: inconsistent pattern (outer)")
	}

	rule := self.ad.outerRuleAttach(self.matchSpecOuter, self.encapType)
	if rule == nil {
		rule = self.ad.outerRuleAdd(self.matchSpecOuter, self.encapType)
	}

	if err := self.matchSpecAction.OuterRuleIDSet(rule.fwRsrc.id); err != nil {
		self.ad.outerRuleDel(rule)
		return nil, err
	}

	return rule, nil
}

type itemLayer int

const (
	layerStart itemLayer = iota
	layerL2
	layerL3
	layerL4
	layerAny
)

var itemLayerDefs = map[ItemType]struct{ prev, layer itemLayer }{
	ItemTypePortID:  {layerAny, layerAny},
	ItemTypePhyPort: {layerAny, layerAny},
	ItemTypePF:      {layerAny, layerAny},
	ItemTypeVF:      {layerAny, layerAny},
	ItemTypeEth:     {layerStart, layerL2},
	ItemTypeVLAN:    {layerL2, layerL2},
	ItemTypeIPv4:    {layerL2, layerL3},
	ItemTypeIPv6:    {layerL2, layerL3},
	ItemTypeTCP:     {layerL3, layerL4},
	ItemTypeUDP:     {layerL3, layerL4},
	ItemTypeVXLAN:   {layerL4, layerStart},
	ItemTypeGeneve:  {layerL4, layerStart},
	ItemTypeNVGRE:   {layerL3, layerStart},
}

// ruleParsePattern compiles the ordered item list into an ACTION match
// specification and, when a tunnel item is present, an outer rule
// registry entry over the pre-tunnel items. Callers own the returned
// outer rule reference and release it with outerRuleDel.
func (self *Adapter) ruleParsePattern(items []Item, priority uint32) (*efx.MatchSpec, *outerRule, error) {
	if priority >= self.nbActionRulePriosMax {
		return nil, nil, fmt.Errorf("mae: unsupported priority level %d", priority)
	}

	ctx := &parseContext{
		ad:              self,
		priority:        priority,
		matchSpecAction: efx.NewMatchSpec(efx.RuleTypeAction, priority),
		encapType:       efx.TunnelNone,
	}
	ctx.matchSpec = ctx.matchSpecAction
	ctx.fremap = &fieldIDsNoRemap

	if err := ctx.encapParseInit(items); err != nil {
		return nil, nil, err
	}

	layer := layerStart
	for i := range items {
		item := &items[i]
		if item.Type == ItemTypeVoid {
			continue
		}

		def, ok := itemLayerDefs[item.Type]
		if !ok {
			return nil, nil, itemErr(i, item.Type, "unsupported item type")
		}
		if def.prev != layerAny && def.prev != layer {
			return nil, nil, itemErr(i, item.Type, "unexpected sequence of pattern items")
		}

		var err error
		switch item.Type {
		case ItemTypePortID:
			err = ctx.parseItemPortID(i, item)
		case ItemTypePhyPort:
			err = ctx.parseItemPhyPort(i, item)
		case ItemTypePF:
			err = ctx.parseItemPF(i, item)
		case ItemTypeVF:
			err = ctx.parseItemVF(i, item)
		case ItemTypeEth:
			err = ctx.parseItemEth(i, item)
		case ItemTypeVLAN:
			err = ctx.parseItemVLAN(i, item)
		case ItemTypeIPv4:
			err = ctx.parseItemIPv4(i, item)
		case ItemTypeIPv6:
			err = ctx.parseItemIPv6(i, item)
		case ItemTypeTCP:
			err = ctx.parseItemTCP(i, item)
		case ItemTypeUDP:
			err = ctx.parseItemUDP(i, item)
		case ItemTypeVXLAN, ItemTypeGeneve, ItemTypeNVGRE:
			err = ctx.parseItemTunnel(i, item)
		}
		if err != nil {
			if ie, ok := err.(*ItemError); ok {
				return nil, nil, ie
			}
			return nil, nil, &ItemError{Index: i, Type: item.Type, Err: err}
		}

		if def.layer != layerAny {
			layer = def.layer
		}
	}

	if err := ctx.processPatternData(); err != nil {
		return nil, nil, err
	}

	outer, err := ctx.processOuter()
	if err != nil {
		return nil, nil, err
	}

	if !self.dev.MatchSpecIsValid(ctx.matchSpecAction) {
		if outer != nil {
			self.outerRuleDel(outer)
		}
		return nil, nil, fmt.Errorf("mae: inconsistent pattern")
	}

	return ctx.matchSpecAction, outer, nil
}
