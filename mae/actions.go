package mae

import (
	"errors"
	"fmt"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

type ActionType int

const (
	ActionTypeVxlanDecap ActionType = iota
	ActionTypePopVlan
	ActionTypePushVlan
	ActionTypeSetVlanVid
	ActionTypeSetVlanPcp
	ActionTypeVxlanEncap
	ActionTypeCount
	ActionTypeFlag
	ActionTypeMark
	ActionTypePhyPort
	ActionTypePF
	ActionTypeVF
	ActionTypePortID
	ActionTypeDrop

	// Pseudo type used to flush the last bundle.
	actionTypeEnd
)

func (self ActionType) String() string {
	switch self {
	case ActionTypeVxlanDecap:
		return "vxlan_decap"
	case ActionTypePopVlan:
		return "pop_vlan"
	case ActionTypePushVlan:
		return "push_vlan"
	case ActionTypeSetVlanVid:
		return "set_vlan_vid"
	case ActionTypeSetVlanPcp:
		return "set_vlan_pcp"
	case ActionTypeVxlanEncap:
		return "vxlan_encap"
	case ActionTypeCount:
		return "count"
	case ActionTypeFlag:
		return "flag"
	case ActionTypeMark:
		return "mark"
	case ActionTypePhyPort:
		return "phy_port"
	case ActionTypePF:
		return "pf"
	case ActionTypeVF:
		return "vf"
	case ActionTypePortID:
		return "port_id"
	case ActionTypeDrop:
		return "drop"
	}
	return "unknown"
}

// Action is one element of a rule's action list.
type Action interface {
	actionType() ActionType
}

// ActionVxlanDecap strips the outer VXLAN encapsulation. The rule must
// match a VXLAN outer rule.
type ActionVxlanDecap struct{}

type ActionPopVlan struct{}

// ActionPushVlan opens a VLAN push bundle; ActionSetVlanVid and
// ActionSetVlanPcp fill in the TCI of the pushed tag. The three fold
// into a single hardware action.
type ActionPushVlan struct{ EtherType uint16 }

type ActionSetVlanVid struct{ Vid uint16 }

type ActionSetVlanPcp struct{ Pcp uint8 }

// ActionVxlanEncap wraps matching packets into the VXLAN tunnel
// described by the ordered header template:
// ETH [VLAN [VLAN]] (IPV4|IPV6) UDP VXLAN.
type ActionVxlanEncap struct{ Template []Item }

// ActionCount binds a packet/byte counter to the rule. ID is the
// caller-visible counter identifier used when querying the rule.
type ActionCount struct {
	ID     uint32
	Shared bool
}

type ActionFlag struct{}

type ActionMark struct{ ID uint32 }

// ActionPhyPort delivers to a physical port. With Original set the
// adapter's own assigned port is used and Index is ignored.
type ActionPhyPort struct {
	Original bool
	Index    uint32
}

type ActionPF struct{}

type ActionVF struct {
	Original bool
	ID       uint32
}

// ActionPortID delivers to a logical switch port. With Original set
// the adapter's own switch port is used and ID is ignored.
type ActionPortID struct {
	Original bool
	ID       uint32
}

type ActionDrop struct{}

func (ActionVxlanDecap) actionType() ActionType { return ActionTypeVxlanDecap }
func (ActionPopVlan) actionType() ActionType    { return ActionTypePopVlan }
func (ActionPushVlan) actionType() ActionType   { return ActionTypePushVlan }
func (ActionSetVlanVid) actionType() ActionType { return ActionTypeSetVlanVid }
func (ActionSetVlanPcp) actionType() ActionType { return ActionTypeSetVlanPcp }
func (ActionVxlanEncap) actionType() ActionType { return ActionTypeVxlanEncap }
func (ActionCount) actionType() ActionType      { return ActionTypeCount }
func (ActionFlag) actionType() ActionType       { return ActionTypeFlag }
func (ActionMark) actionType() ActionType       { return ActionTypeMark }
func (ActionPhyPort) actionType() ActionType    { return ActionTypePhyPort }
func (ActionPF) actionType() ActionType         { return ActionTypePF }
func (ActionVF) actionType() ActionType         { return ActionTypeVF }
func (ActionPortID) actionType() ActionType     { return ActionTypePortID }
func (ActionDrop) actionType() ActionType       { return ActionTypeDrop }

type bundleType int

const (
	bundleEmpty bundleType = iota
	bundleVlanPush
)

// A hardware action may correspond to a group of list actions, e.g.
// VLAN push = PUSH_VLAN + SET_VLAN_VID + SET_VLAN_PCP. Related actions
// are tracked as parts of a whole and folded into one populate call.
// Self-sufficient actions belong to a dummy bundle of type EMPTY.
//
// A tracked bundle is submitted when an action of a different bundle
// type or a repeating action follows, and at the end of the list.
type actionsBundle struct {
	typ bundleType

	// Actions already tracked by the current bundle.
	actionsMask uint64

	vlanPushTPID uint16
	vlanPushTCI  uint16
}

func (self *actionsBundle) submit(spec *efx.ActionSpec) error {
	switch self.typ {
	case bundleEmpty:
		return nil
	case bundleVlanPush:
		return spec.PopulateVLANPush(self.vlanPushTPID, self.vlanPushTCI)
	}
	return fmt.Errorf("mae: unknown bundle type %d", self.typ)
}

func (self *actionsBundle) sync(typ ActionType, spec *efx.ActionSpec) error {
	var typNew bundleType

	switch typ {
	case ActionTypePushVlan, ActionTypeSetVlanVid, ActionTypeSetVlanPcp:
		typNew = bundleVlanPush
	default:
		typNew = bundleEmpty
	}

	if typNew != self.typ || self.actionsMask&(1<<uint(typ)) != 0 {
		if err := self.submit(spec); err != nil {
			return err
		}
		*self = actionsBundle{}
	}

	self.typ = typNew
	return nil
}

func (self *Adapter) ruleParseActionCount(conf ActionCount, spec *efx.ActionSpec) error {
	if conf.Shared {
		return fmt.Errorf("shared counters are not supported")
	}
	if self.counters == nil {
		return fmt.Errorf("counter collection is not configured")
	}
	if self.cfg.PollInterval <= 0 {
		return fmt.Errorf("no background context for counter collection")
	}
	return spec.PopulateCount()
}

func (self *Adapter) ruleParseActionPhyPort(conf ActionPhyPort, spec *efx.ActionSpec) error {
	index := conf.Index
	if conf.Original {
		index = self.nic.AssignedPort
	}

	mport, err := self.dev.MportByPhyPort(index)
	if err != nil {
		return err
	}
	return spec.PopulateDeliver(mport)
}

func (self *Adapter) ruleParseActionPFVF(conf *ActionVF, spec *efx.ActionSpec) error {
	vf := uint32(efx.PCIVFInvalid)
	if conf != nil {
		if conf.Original {
			vf = self.nic.VF
		} else {
			vf = conf.ID
		}
	}

	mport, err := self.dev.MportByPCIeFunction(self.nic.PF, vf)
	if err != nil {
		return err
	}
	return spec.PopulateDeliver(mport)
}

func (self *Adapter) ruleParseActionPortID(conf ActionPortID, spec *efx.ActionSpec) error {
	portID := conf.ID
	if conf.Original {
		portID = self.cfg.SwitchPortID
	}

	mport, err := self.dev.MportBySwitchPort(portID)
	if err != nil {
		return err
	}
	return spec.PopulateDeliver(mport)
}

func (self *Adapter) ruleParseAction(idx int, act Action, outer *outerRule,
	bundle *actionsBundle, spec *efx.ActionSpec) error {
	var err error

	switch conf := act.(type) {
	case ActionVxlanDecap:
		if outer == nil || outer.encapType != efx.TunnelVXLAN {
			err = fmt.Errorf("decap requires a VXLAN tunnel match")
		} else {
			err = spec.PopulateDecap()
		}
	case ActionPopVlan:
		err = spec.PopulateVLANPop()
	case ActionPushVlan:
		bundle.vlanPushTPID = conf.EtherType
	case ActionSetVlanVid:
		bundle.vlanPushTCI |= conf.Vid & 0x0fff
	case ActionSetVlanPcp:
		bundle.vlanPushTCI |= uint16(conf.Pcp&0x07) << 13
	case ActionVxlanEncap:
		err = self.ruleParseActionVxlanEncap(conf.Template, spec)
	case ActionCount:
		err = self.ruleParseActionCount(conf, spec)
	case ActionFlag:
		err = spec.PopulateFlag()
	case ActionMark:
		err = spec.PopulateMark(conf.ID)
	case ActionPhyPort:
		err = self.ruleParseActionPhyPort(conf, spec)
	case ActionPF:
		err = self.ruleParseActionPFVF(nil, spec)
	case ActionVF:
		err = self.ruleParseActionPFVF(&conf, spec)
	case ActionPortID:
		err = self.ruleParseActionPortID(conf, spec)
	case ActionDrop:
		err = spec.PopulateDrop()
	default:
		err = fmt.Errorf("unsupported action")
	}

	if err != nil {
		return actionErr(idx, act.actionType(), "%v", err)
	}

	bundle.actionsMask |= 1 << uint(act.actionType())
	return nil
}

// ruleParseActions compiles the ordered action list into an action set
// registry entry. The caller owns the returned reference and releases
// it with actionSetDel.
func (self *Adapter) ruleParseActions(actions []Action, outer *outerRule) (*actionSet, error) {
	if actions == nil {
		return nil, errors.New("mae: no actions")
	}

	spec := efx.NewActionSpec()
	bundle := &actionsBundle{}
	var counterIDs []uint32

	// Cleanup after previous encap. header bounce buffer usage.
	self.bounceEH.invalidate()

	for i, act := range actions {
		if err := bundle.sync(act.actionType(), spec); err != nil {
			return nil, actionErr(i, act.actionType(), "%v", err)
		}

		if err := self.ruleParseAction(i, act, outer, bundle, spec); err != nil {
			return nil, err
		}

		if conf, ok := act.(ActionCount); ok {
			counterIDs = append(counterIDs, conf.ID)
		}
	}

	if err := bundle.sync(actionTypeEnd, spec); err != nil {
		return nil, fmt.Errorf("mae: failed to submit the last action group: %v", err)
	}

	var hdr *encapHeader
	if self.bounceEH.encapType != efx.TunnelNone {
		hdr = self.encapHeaderAttach(self.bounceEH)
		if hdr == nil {
			hdr = self.encapHeaderAdd(self.bounceEH)
		}
	}

	nCount := spec.CountActions()

	if as := self.actionSetAttach(hdr, nCount, spec); as != nil {
		// The reused entry holds its own encap. header reference.
		self.encapHeaderDel(hdr)
		return as, nil
	}

	return self.actionSetAdd(spec, hdr, counterIDs), nil
}
