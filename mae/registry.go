package mae

import (
	"bytes"
	"fmt"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

// fwRsrc tracks the hardware side of a registry entry: the firmware
// resource ID and the count of enables. The ID is the invalid sentinel
// exactly when the refcount is zero. The software refcount of the
// owning entry is independent: an entry may stay registered with no
// hardware object behind it.
type fwRsrc struct {
	id     efx.ResourceID
	refcnt uint32
}

type outerRule struct {
	matchSpec *efx.MatchSpec
	encapType efx.TunnelType
	refcnt    uint32
	fwRsrc    fwRsrc
}

// outerRuleAttach finds a registered rule with the same match and
// encap. type and takes one more software reference on it. The caller
// holds the adapter lock.
func (self *Adapter) outerRuleAttach(matchSpec *efx.MatchSpec, encapType efx.TunnelType) *outerRule {
	for _, rule := range self.outerRules {
		if efx.MatchSpecsEqual(rule.matchSpec, matchSpec) &&
			rule.encapType == encapType {
			rule.refcnt++
			return rule
		}
	}
	return nil
}

func (self *Adapter) outerRuleAdd(matchSpec *efx.MatchSpec, encapType efx.TunnelType) *outerRule {
	rule := &outerRule{
		matchSpec: matchSpec,
		encapType: encapType,
		refcnt:    1,
		fwRsrc:    fwRsrc{id: efx.ResourceIDInvalid},
	}
	self.outerRules = append(self.outerRules, rule)
	return rule
}

func (self *Adapter) outerRuleDel(rule *outerRule) {
	rule.refcnt--
	if rule.refcnt != 0 {
		return
	}

	if rule.fwRsrc.refcnt != 0 {
		self.log.WithField("id", rule.fwRsrc.id).
			Error("dropping an outer rule which is still enabled")
	}

	for i, r := range self.outerRules {
		if r == rule {
			self.outerRules = append(self.outerRules[:i], self.outerRules[i+1:]...)
			break
		}
	}
}

// outerRuleEnable inserts the hardware outer rule on the first enable
// and records the resulting resource ID in the dependent ACTION match
// specification. If recording fails right after the first insert, the
// hardware rule is removed again, as if the enable never happened.
func (self *Adapter) outerRuleEnable(rule *outerRule, matchSpecAction *efx.MatchSpec) error {
	fw := &rule.fwRsrc

	if fw.refcnt == 0 {
		id, err := self.dev.OuterRuleInsert(rule.matchSpec, rule.encapType)
		if err != nil {
			return err
		}
		fw.id = id
	}

	if err := matchSpecAction.OuterRuleIDSet(fw.id); err != nil {
		if fw.refcnt == 0 {
			if rmErr := self.dev.OuterRuleRemove(fw.id); rmErr != nil {
				self.log.WithField("id", fw.id).WithError(rmErr).
					Error("failed to remove the outer rule")
			}
			fw.id = efx.ResourceIDInvalid
		}
		return err
	}

	fw.refcnt++
	return nil
}

func (self *Adapter) outerRuleDisable(rule *outerRule) error {
	fw := &rule.fwRsrc

	if fw.refcnt == 1 {
		if err := self.dev.OuterRuleRemove(fw.id); err != nil {
			return err
		}
		fw.id = efx.ResourceIDInvalid
	}

	fw.refcnt--
	return nil
}

type encapHeader struct {
	buf       []byte
	encapType efx.TunnelType
	refcnt    uint32
	fwRsrc    fwRsrc
}

func (self *Adapter) encapHeaderAttach(bounce *bounceEH) *encapHeader {
	for _, hdr := range self.encapHeaders {
		if hdr.encapType == bounce.encapType &&
			bytes.Equal(hdr.buf, bounce.buf[:bounce.size]) {
			hdr.refcnt++
			return hdr
		}
	}
	return nil
}

func (self *Adapter) encapHeaderAdd(bounce *bounceEH) *encapHeader {
	hdr := &encapHeader{
		buf:       append([]byte(nil), bounce.buf[:bounce.size]...),
		encapType: bounce.encapType,
		refcnt:    1,
		fwRsrc:    fwRsrc{id: efx.ResourceIDInvalid},
	}
	self.encapHeaders = append(self.encapHeaders, hdr)
	return hdr
}

func (self *Adapter) encapHeaderDel(hdr *encapHeader) {
	if hdr == nil {
		return
	}

	hdr.refcnt--
	if hdr.refcnt != 0 {
		return
	}

	if hdr.fwRsrc.refcnt != 0 {
		self.log.WithField("id", hdr.fwRsrc.id).
			Error("dropping an encap. header which is still enabled")
	}

	for i, h := range self.encapHeaders {
		if h == hdr {
			self.encapHeaders = append(self.encapHeaders[:i], self.encapHeaders[i+1:]...)
			break
		}
	}
}

func (self *Adapter) encapHeaderEnable(hdr *encapHeader, actionSpec *efx.ActionSpec) error {
	if hdr == nil {
		return nil
	}

	fw := &hdr.fwRsrc

	if fw.refcnt == 0 {
		id, err := self.dev.EncapHeaderAlloc(hdr.encapType, hdr.buf)
		if err != nil {
			return err
		}
		fw.id = id
	}

	if err := actionSpec.FillInEncapHeaderID(fw.id); err != nil {
		if fw.refcnt == 0 {
			if freeErr := self.dev.EncapHeaderFree(fw.id); freeErr != nil {
				self.log.WithField("id", fw.id).WithError(freeErr).
					Error("failed to free the encap. header")
			}
			fw.id = efx.ResourceIDInvalid
		}
		return err
	}

	fw.refcnt++
	return nil
}

func (self *Adapter) encapHeaderDisable(hdr *encapHeader) error {
	if hdr == nil {
		return nil
	}

	fw := &hdr.fwRsrc

	if fw.refcnt == 1 {
		if err := self.dev.EncapHeaderFree(fw.id); err != nil {
			return err
		}
		fw.id = efx.ResourceIDInvalid
	}

	fw.refcnt--
	return nil
}

// counterBinding ties one COUNT action to a hardware counter. The
// hardware ID stays invalid while the owning action set is disabled.
// UserID is the caller-visible counter identifier used by queries.
type counterBinding struct {
	maeID  efx.CounterID
	userID uint32
}

type actionSet struct {
	spec        *efx.ActionSpec
	encapHeader *encapHeader // shared, not owned exclusively
	counters    []counterBinding
	refcnt      uint32
	fwRsrc      fwRsrc
}

// actionSetAttach deduplicates action sets. Counters cannot be shared,
// hence action sets with COUNT are not attachable.
func (self *Adapter) actionSetAttach(hdr *encapHeader, nCount int, spec *efx.ActionSpec) *actionSet {
	for _, as := range self.actionSets {
		if as.encapHeader == hdr && nCount == 0 && len(as.counters) == 0 &&
			efx.ActionSpecsEqual(as.spec, spec) {
			as.refcnt++
			return as
		}
	}
	return nil
}

func (self *Adapter) actionSetAdd(spec *efx.ActionSpec, hdr *encapHeader, counterIDs []uint32) *actionSet {
	as := &actionSet{
		spec:        spec,
		encapHeader: hdr,
		refcnt:      1,
		fwRsrc:      fwRsrc{id: efx.ResourceIDInvalid},
	}
	for _, userID := range counterIDs {
		as.counters = append(as.counters, counterBinding{
			maeID:  efx.CounterIDInvalid,
			userID: userID,
		})
	}
	self.actionSets = append(self.actionSets, as)
	return as
}

func (self *Adapter) actionSetDel(as *actionSet) {
	as.refcnt--
	if as.refcnt != 0 {
		return
	}

	if as.fwRsrc.refcnt != 0 {
		self.log.WithField("id", as.fwRsrc.id).
			Error("dropping an action set which is still enabled")
	}

	self.encapHeaderDel(as.encapHeader)

	for i, a := range self.actionSets {
		if a == as {
			self.actionSets = append(self.actionSets[:i], self.actionSets[i+1:]...)
			break
		}
	}
}

func (self *Adapter) countersEnable(as *actionSet) error {
	if len(as.counters) == 0 {
		return nil
	}

	binding := &as.counters[0]
	if err := self.counterAdd(binding); err != nil {
		return err
	}

	if err := as.spec.FillInCounterID(binding.maeID); err != nil {
		if delErr := self.counterDel(binding); delErr != nil {
			self.log.WithError(delErr).Error("failed to roll back a counter")
		}
		return err
	}

	return nil
}

func (self *Adapter) countersDisable(as *actionSet) error {
	if len(as.counters) == 0 {
		return nil
	}
	return self.counterDel(&as.counters[0])
}

// actionSetEnable cascades on the first enable: encap. header first,
// then the counters, then the action set object itself. A failed step
// undoes the earlier ones, leaving the entry's own hardware refcount
// unincremented.
func (self *Adapter) actionSetEnable(as *actionSet) error {
	fw := &as.fwRsrc

	if fw.refcnt == 0 {
		if err := self.encapHeaderEnable(as.encapHeader, as.spec); err != nil {
			return err
		}

		if err := self.countersEnable(as); err != nil {
			if ehErr := self.encapHeaderDisable(as.encapHeader); ehErr != nil {
				self.log.WithError(ehErr).Error("failed to roll back the encap. header")
			}
			return fmt.Errorf("mae: counters enable failed: %w", err)
		}

		id, err := self.dev.ActionSetAlloc(as.spec)
		if err != nil {
			if cntErr := self.countersDisable(as); cntErr != nil {
				self.log.WithError(cntErr).Error("failed to roll back the counters")
			}
			if ehErr := self.encapHeaderDisable(as.encapHeader); ehErr != nil {
				self.log.WithError(ehErr).Error("failed to roll back the encap. header")
			}
			return fmt.Errorf("mae: action set alloc failed: %w", err)
		}
		fw.id = id
	}

	fw.refcnt++
	return nil
}

func (self *Adapter) actionSetDisable(as *actionSet) error {
	fw := &as.fwRsrc

	if fw.refcnt == 1 {
		if err := self.dev.ActionSetFree(fw.id); err != nil {
			return err
		}
		fw.id = efx.ResourceIDInvalid

		if err := self.countersDisable(as); err != nil {
			return err
		}

		if err := self.encapHeaderDisable(as.encapHeader); err != nil {
			return err
		}
	}

	fw.refcnt--
	return nil
}
