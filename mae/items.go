package mae

import "fmt"

// ItemType tags one pattern item. Network items carry on-wire protocol
// header bytes in Spec/Mask; meta items carry a 4-byte big-endian
// identifier (except PF, which carries nothing).
type ItemType int

const (
	ItemTypeVoid ItemType = iota

	// Meta items: traffic source selectors. Position in the
	// pattern is don't care.
	ItemTypePortID
	ItemTypePhyPort
	ItemTypePF
	ItemTypeVF

	// Network items, outermost first.
	ItemTypeEth
	ItemTypeVLAN
	ItemTypeIPv4
	ItemTypeIPv6
	ItemTypeTCP
	ItemTypeUDP
	ItemTypeVXLAN
	ItemTypeGeneve
	ItemTypeNVGRE
)

func (self ItemType) String() string {
	switch self {
	case ItemTypeVoid:
		return "void"
	case ItemTypePortID:
		return "port_id"
	case ItemTypePhyPort:
		return "phy_port"
	case ItemTypePF:
		return "pf"
	case ItemTypeVF:
		return "vf"
	case ItemTypeEth:
		return "eth"
	case ItemTypeVLAN:
		return "vlan"
	case ItemTypeIPv4:
		return "ipv4"
	case ItemTypeIPv6:
		return "ipv6"
	case ItemTypeTCP:
		return "tcp"
	case ItemTypeUDP:
		return "udp"
	case ItemTypeVXLAN:
		return "vxlan"
	case ItemTypeGeneve:
		return "geneve"
	case ItemTypeNVGRE:
		return "nvgre"
	}
	return "unknown"
}

// Item is one element of a match pattern or of an encap. header
// template. Spec/Mask/Last, when present, must all be of the item
// type's layout size. A nil Mask selects the type's default mask.
// A nil Spec with a nil Mask matches anything at that layer.
type Item struct {
	Type ItemType
	Spec []byte
	Mask []byte
	Last []byte // range end, not supported by this engine
}

// On-wire layout sizes and field offsets per item type.
const (
	itemEthLen    = 14 // dst 0:6, src 6:12, ethertype 12:14
	itemVLANLen   = 4  // tci 0:2, inner ethertype 2:4
	itemIPv4Len   = 20 // tos 1, ttl 8, proto 9, src 12:16, dst 16:20
	itemIPv6Len   = 40 // vtc_flow 0:4, next hdr 6, hop limit 7, src 8:24, dst 24:40
	itemTCPLen    = 20 // sport 0:2, dport 2:4, data_off+flags 12:14
	itemUDPLen    = 8  // sport 0:2, dport 2:4
	itemTunnelLen = 8  // vni/vsid 4:7 for all three tunnel protocols
	itemMetaLen   = 4  // big-endian identifier
)

func itemLayoutSize(typ ItemType) int {
	switch typ {
	case ItemTypeEth:
		return itemEthLen
	case ItemTypeVLAN:
		return itemVLANLen
	case ItemTypeIPv4:
		return itemIPv4Len
	case ItemTypeIPv6:
		return itemIPv6Len
	case ItemTypeTCP:
		return itemTCPLen
	case ItemTypeUDP:
		return itemUDPLen
	case ItemTypeVXLAN, ItemTypeGeneve, ItemTypeNVGRE:
		return itemTunnelLen
	case ItemTypePortID, ItemTypePhyPort, ItemTypeVF:
		return itemMetaLen
	}
	return 0
}

var (
	ethDefaultMask = []byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0x00, 0x00,
	}
	vlanDefaultMask = []byte{0x0f, 0xff, 0x00, 0x00}
	ipv4DefaultMask = []byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff,
	}
	ipv6DefaultMask = func() []byte {
		m := make([]byte, itemIPv6Len)
		for i := 8; i < 40; i++ {
			m[i] = 0xff
		}
		return m
	}()
	l4DefaultMaskTCP = []byte{
		0xff, 0xff, 0xff, 0xff,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	l4DefaultMaskUDP  = []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}
	tunnelDefaultMask = []byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0}
	metaDefaultMask   = []byte{0xff, 0xff, 0xff, 0xff}
)

func itemDefaultMask(typ ItemType) []byte {
	switch typ {
	case ItemTypeEth:
		return ethDefaultMask
	case ItemTypeVLAN:
		return vlanDefaultMask
	case ItemTypeIPv4:
		return ipv4DefaultMask
	case ItemTypeIPv6:
		return ipv6DefaultMask
	case ItemTypeTCP:
		return l4DefaultMaskTCP
	case ItemTypeUDP:
		return l4DefaultMaskUDP
	case ItemTypeVXLAN, ItemTypeGeneve, ItemTypeNVGRE:
		return tunnelDefaultMask
	case ItemTypePortID, ItemTypePhyPort, ItemTypeVF:
		return metaDefaultMask
	}
	return nil
}

// itemParseData checks the raw item against the supported mask and
// returns the effective spec/mask pair. An empty item (no spec, no
// mask) yields nil slices; the item then matches anything.
func itemParseData(item *Item, suppMask []byte) (spec, mask []byte, err error) {
	size := itemLayoutSize(item.Type)

	if item.Last != nil {
		return nil, nil, fmt.Errorf("range match is not supported")
	}

	if item.Spec == nil {
		if item.Mask != nil {
			return nil, nil, fmt.Errorf("mask is set without spec")
		}
		return nil, nil, nil
	}

	if len(item.Spec) != size {
		return nil, nil, fmt.Errorf("spec takes %d bytes, got %d", size, len(item.Spec))
	}

	mask = item.Mask
	if mask == nil {
		mask = itemDefaultMask(item.Type)
	}
	if len(mask) != size {
		return nil, nil, fmt.Errorf("mask takes %d bytes, got %d", size, len(mask))
	}

	for i := range mask {
		if mask[i]&^suppMask[i] != 0 {
			return nil, nil, fmt.Errorf("unsupported bits in the item mask")
		}
	}

	// Canonicalize: bits outside the mask cannot participate in
	// the match and must not leak into the compiled spec.
	spec = make([]byte, size)
	for i := range spec {
		spec[i] = item.Spec[i] & mask[i]
	}

	return spec, mask, nil
}
