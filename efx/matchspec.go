package efx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Field identifies a single MAE match field. Plain fields describe the
// frame an action rule sees; ENC fields describe the outer (tunnel
// substrate) frame and are the only network fields an outer rule may
// carry.
type Field int

const (
	FieldEtherType Field = iota
	FieldEthSaddr
	FieldEthDaddr
	FieldVLAN0TCI
	FieldVLAN0Proto
	FieldVLAN1TCI
	FieldVLAN1Proto
	FieldSrcIP4
	FieldDstIP4
	FieldIPProto
	FieldIPTOS
	FieldIPTTL
	FieldSrcIP6
	FieldDstIP6
	FieldL4Sport
	FieldL4Dport
	FieldTCPFlags

	FieldEncEtherType
	FieldEncEthSaddr
	FieldEncEthDaddr
	FieldEncVLAN0TCI
	FieldEncVLAN0Proto
	FieldEncVLAN1TCI
	FieldEncVLAN1Proto
	FieldEncSrcIP4
	FieldEncDstIP4
	FieldEncIPProto
	FieldEncIPTOS
	FieldEncIPTTL
	FieldEncSrcIP6
	FieldEncDstIP6
	FieldEncL4Sport
	FieldEncL4Dport
	FieldEncVNetID

	FieldIngressMport
	FieldOuterRuleID

	// NFields is the count of defined fields. It also serves as the
	// "deferred" marker in field locator tables: such a locator only
	// contributes to the supported mask and is resolved later from
	// staged pattern data.
	NFields
)

var fieldSizes = [NFields]int{
	FieldEtherType:     2,
	FieldEthSaddr:      6,
	FieldEthDaddr:      6,
	FieldVLAN0TCI:      2,
	FieldVLAN0Proto:    2,
	FieldVLAN1TCI:      2,
	FieldVLAN1Proto:    2,
	FieldSrcIP4:        4,
	FieldDstIP4:        4,
	FieldIPProto:       1,
	FieldIPTOS:         1,
	FieldIPTTL:         1,
	FieldSrcIP6:        16,
	FieldDstIP6:        16,
	FieldL4Sport:       2,
	FieldL4Dport:       2,
	FieldTCPFlags:      2,
	FieldEncEtherType:  2,
	FieldEncEthSaddr:   6,
	FieldEncEthDaddr:   6,
	FieldEncVLAN0TCI:   2,
	FieldEncVLAN0Proto: 2,
	FieldEncVLAN1TCI:   2,
	FieldEncVLAN1Proto: 2,
	FieldEncSrcIP4:     4,
	FieldEncDstIP4:     4,
	FieldEncIPProto:    1,
	FieldEncIPTOS:      1,
	FieldEncIPTTL:      1,
	FieldEncSrcIP6:     16,
	FieldEncDstIP6:     16,
	FieldEncL4Sport:    2,
	FieldEncL4Dport:    2,
	FieldEncVNetID:     4,
	FieldIngressMport:  4,
	FieldOuterRuleID:   4,
}

// FieldSize reports the match width of a field in bytes.
func FieldSize(f Field) int {
	if f < 0 || f >= NFields {
		return 0
	}
	return fieldSizes[f]
}

type RuleType int

const (
	// RuleTypeOuter matches the tunnel substrate of a frame.
	RuleTypeOuter RuleType = iota
	// RuleTypeAction matches a plain or post-decapsulation frame.
	RuleTypeAction
)

func (self RuleType) String() string {
	switch self {
	case RuleTypeOuter:
		return "outer"
	case RuleTypeAction:
		return "action"
	}
	return "unknown"
}

type fieldPair struct {
	value []byte
	mask  []byte
}

// MatchSpec is a compiled match specification under construction or
// handed off to a registry entry. It is not safe for concurrent use.
type MatchSpec struct {
	ruleType RuleType
	priority uint32
	fields   map[Field]fieldPair
}

func NewMatchSpec(ruleType RuleType, priority uint32) *MatchSpec {
	return &MatchSpec{
		ruleType: ruleType,
		priority: priority,
		fields:   make(map[Field]fieldPair),
	}
}

func (self *MatchSpec) RuleType() RuleType { return self.ruleType }
func (self *MatchSpec) Priority() uint32   { return self.priority }

func fieldInRuleType(f Field, rt RuleType) bool {
	switch {
	case f >= FieldEtherType && f <= FieldTCPFlags:
		return rt == RuleTypeAction
	case f >= FieldEncEtherType && f <= FieldEncL4Dport:
		return rt == RuleTypeOuter
	case f == FieldEncVNetID:
		// The virtual network identifier is matched by the action
		// rule: the outer rule only classifies the substrate.
		return rt == RuleTypeAction
	case f == FieldIngressMport:
		return true
	case f == FieldOuterRuleID:
		return rt == RuleTypeAction
	}
	return false
}

// FieldSet records a value/mask pair for the field, replacing any
// previous pair for the same field.
func (self *MatchSpec) FieldSet(f Field, value, mask []byte) error {
	size := FieldSize(f)
	if size == 0 {
		return fmt.Errorf("efx: unknown match field %d", f)
	}
	if len(value) != size || len(mask) != size {
		return fmt.Errorf("efx: field %d takes %d bytes, got %d/%d",
			f, size, len(value), len(mask))
	}
	if !fieldInRuleType(f, self.ruleType) {
		return fmt.Errorf("efx: field %d not valid in rule type %d", f, self.ruleType)
	}
	for i := range value {
		if value[i]&^mask[i] != 0 {
			return fmt.Errorf("efx: field %d value has bits outside the mask", f)
		}
	}
	v := make([]byte, size)
	m := make([]byte, size)
	copy(v, value)
	copy(m, mask)
	self.fields[f] = fieldPair{value: v, mask: m}
	return nil
}

// MportSet makes the spec match frames from the given traffic source.
func (self *MatchSpec) MportSet(mport Mport) error {
	var v, m [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(mport))
	binary.BigEndian.PutUint32(m[:], 0xffffffff)
	return self.FieldSet(FieldIngressMport, v[:], m[:])
}

// OuterRuleIDSet makes an ACTION spec match frames that were classified
// by the given outer rule. The full mask is set even for the invalid
// sentinel so that class comparisons see the field as used.
func (self *MatchSpec) OuterRuleIDSet(id ResourceID) error {
	if self.ruleType != RuleTypeAction {
		return fmt.Errorf("efx: outer rule ID only valid in an action match spec")
	}
	var v, m [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(id))
	binary.BigEndian.PutUint32(m[:], 0xffffffff)
	return self.FieldSet(FieldOuterRuleID, v[:], m[:])
}

func (self *MatchSpec) sortedFields() []Field {
	fs := make([]Field, 0, len(self.fields))
	for f := range self.fields {
		fs = append(fs, f)
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
	return fs
}

// String renders the spec with its fields in a stable order, for logs
// and debugging.
func (self *MatchSpec) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v prio=%d", self.ruleType, self.priority)
	for _, f := range self.sortedFields() {
		p := self.fields[f]
		fmt.Fprintf(&sb, " f%d=%x/%x", f, p.value, p.mask)
	}
	return sb.String()
}

// MatchSpecsEqual reports structural equality: same rule type, same
// priority, and byte-identical value/mask pairs for the same fields.
func MatchSpecsEqual(a, b *MatchSpec) bool {
	if a.ruleType != b.ruleType || a.priority != b.priority {
		return false
	}
	if len(a.fields) != len(b.fields) {
		return false
	}
	for f, pa := range a.fields {
		pb, ok := b.fields[f]
		if !ok {
			return false
		}
		if !bytes.Equal(pa.value, pb.value) || !bytes.Equal(pa.mask, pb.mask) {
			return false
		}
	}
	return true
}

// MatchSpecsClassEqual reports whether two specs are of the same
// structural class: same rule type and priority, and the same fields
// matched under the same masks. Values are ignored. Rules of one class
// are backed by one firmware match layout, so acceptance of one rule
// of a class implies the rest of the class fits the hardware too.
func MatchSpecsClassEqual(a, b *MatchSpec) bool {
	if a.ruleType != b.ruleType || a.priority != b.priority {
		return false
	}
	if len(a.fields) != len(b.fields) {
		return false
	}
	for f, pa := range a.fields {
		pb, ok := b.fields[f]
		if !ok {
			return false
		}
		if !bytes.Equal(pa.mask, pb.mask) {
			return false
		}
	}
	return true
}

// MatchCap describes firmware support for matching on one field.
type MatchCap int

const (
	MatchCapUnsupported MatchCap = iota
	// MatchCapExact permits all-ones or all-zeros masks only.
	MatchCapExact
	// MatchCapMask permits arbitrary masks.
	MatchCapMask
)

// FieldCaps maps fields to their match capability. Fields absent from
// the map are unsupported.
type FieldCaps map[Field]MatchCap

// ValidForCaps checks every set field of the spec against the given
// capabilities. Devices typically implement MatchSpecIsValid with this.
func (self *MatchSpec) ValidForCaps(caps FieldCaps) bool {
	for f, p := range self.fields {
		switch caps[f] {
		case MatchCapMask:
		case MatchCapExact:
			if !maskAllOnes(p.mask) && !maskAllZeros(p.mask) {
				return false
			}
		default:
			if !maskAllZeros(p.mask) {
				return false
			}
		}
	}
	return true
}

func maskAllOnes(m []byte) bool {
	for _, b := range m {
		if b != 0xff {
			return false
		}
	}
	return true
}

func maskAllZeros(m []byte) bool {
	for _, b := range m {
		if b != 0 {
			return false
		}
	}
	return true
}

// FieldGet returns the recorded value/mask pair, or ok=false if the
// field has not been set. The returned slices must not be modified.
func (self *MatchSpec) FieldGet(f Field) (value, mask []byte, ok bool) {
	p, ok := self.fields[f]
	if !ok {
		return nil, nil, false
	}
	return p.value, p.mask, true
}

// NFieldsSet reports how many fields carry a value/mask pair.
func (self *MatchSpec) NFieldsSet() int { return len(self.fields) }
