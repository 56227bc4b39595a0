package mae

import (
	"errors"
	"fmt"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

// Flow is one installed (or validated) match-action rule. The struct
// is opaque to callers; all state changes go through the adapter.
type Flow struct {
	matchSpec *efx.MatchSpec
	outerRule *outerRule
	actionSet *actionSet

	fwID efx.ResourceID
}

func (self *Flow) nCounters() int {
	if self.actionSet == nil {
		return 0
	}
	return len(self.actionSet.counters)
}

// flowParse compiles the item and action lists into registry-backed
// specifications. On success the returned flow holds one reference on
// each registry entry it uses; flowRelease drops them.
func (self *Adapter) flowParse(items []Item, actions []Action, priority uint32) (*Flow, error) {
	matchSpec, outer, err := self.ruleParsePattern(items, priority)
	if err != nil {
		return nil, err
	}

	as, err := self.ruleParseActions(actions, outer)
	if err != nil {
		if outer != nil {
			self.outerRuleDel(outer)
		}
		return nil, err
	}

	return &Flow{
		matchSpec: matchSpec,
		outerRule: outer,
		actionSet: as,
		fwID:      efx.ResourceIDInvalid,
	}, nil
}

func (self *Adapter) flowRelease(flow *Flow) {
	if flow.actionSet != nil {
		self.actionSetDel(flow.actionSet)
		flow.actionSet = nil
	}
	if flow.outerRule != nil {
		self.outerRuleDel(flow.outerRule)
		flow.outerRule = nil
	}
}

// flowClassVerify is advisory: the firmware may still reject a rule
// class this host has never seen, so an unrecognized class is only
// logged, never failed.
func (self *Adapter) flowClassVerify(flow *Flow) {
	if outer := flow.outerRule; outer != nil && outer.fwRsrc.refcnt == 0 {
		found := false
		for i := len(self.outerRules) - 1; i >= 0; i-- {
			entry := self.outerRules[i]
			if entry == outer {
				continue
			}
			if entry.fwRsrc.refcnt != 0 &&
				efx.MatchSpecsClassEqual(entry.matchSpec, outer.matchSpec) {
				found = true
				break
			}
		}
		if !found {
			self.log.Info("the outer rule class is not yet known to be supported")
		}
	}

	found := false
	for i := len(self.flows) - 1; i >= 0; i-- {
		entry := self.flows[i]
		if entry.fwID != efx.ResourceIDInvalid &&
			efx.MatchSpecsClassEqual(entry.matchSpec, flow.matchSpec) {
			found = true
			break
		}
	}
	if !found {
		self.log.Info("the action rule class is not yet known to be supported")
	}
}

// flowInsert commits the flow to hardware: the outer rule goes in
// first, then the action set with its dependencies, then the action
// rule referencing both. Failures unwind in reverse.
func (self *Adapter) flowInsert(flow *Flow) error {
	if flow.outerRule != nil {
		if err := self.outerRuleEnable(flow.outerRule, flow.matchSpec); err != nil {
			return err
		}
	}

	if err := self.actionSetEnable(flow.actionSet); err != nil {
		if flow.outerRule != nil {
			if orErr := self.outerRuleDisable(flow.outerRule); orErr != nil {
				self.log.WithError(orErr).Error("failed to roll back the outer rule")
			}
		}
		return err
	}

	if flow.nCounters() > 0 {
		if err := self.counterStart(); err != nil {
			self.flowInsertUndo(flow)
			return err
		}
	}

	id, err := self.dev.ActionRuleInsert(flow.matchSpec, flow.actionSet.fwRsrc.id)
	if err != nil {
		self.flowInsertUndo(flow)
		return fmt.Errorf("mae: failed to insert the action rule: %w", err)
	}

	flow.fwID = id
	return nil
}

func (self *Adapter) flowInsertUndo(flow *Flow) {
	if err := self.actionSetDisable(flow.actionSet); err != nil {
		self.log.WithError(err).Error("failed to roll back the action set")
	}
	if flow.outerRule != nil {
		if err := self.outerRuleDisable(flow.outerRule); err != nil {
			self.log.WithError(err).Error("failed to roll back the outer rule")
		}
	}
}

// flowRemove takes the flow out of hardware. A rule the firmware has
// already dropped counts as removed; any other removal error aborts so
// that the caller can retry without leaking the dependent resources.
func (self *Adapter) flowRemove(flow *Flow) error {
	if flow.fwID != efx.ResourceIDInvalid {
		err := self.dev.ActionRuleRemove(flow.fwID)
		if err != nil && !errors.Is(err, efx.ErrAlreadyRemoved) {
			return fmt.Errorf("mae: failed to remove the action rule: %w", err)
		}
		flow.fwID = efx.ResourceIDInvalid
	}

	if err := self.actionSetDisable(flow.actionSet); err != nil {
		self.log.WithError(err).Error("failed to disable the action set")
	}

	if flow.outerRule != nil {
		if err := self.outerRuleDisable(flow.outerRule); err != nil {
			self.log.WithError(err).Error("failed to disable the outer rule")
		}
	}

	return nil
}

// FlowValidate compiles the rule and reports whether the adapter can
// express it, without touching hardware state beyond the registries.
func (self *Adapter) FlowValidate(items []Item, actions []Action, priority uint32) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.status != statusStarted {
		return ErrNotStarted
	}

	flow, err := self.flowParse(items, actions, priority)
	if err != nil {
		return err
	}

	self.flowClassVerify(flow)
	self.flowRelease(flow)
	return nil
}

// FlowCreate compiles and installs a rule. The returned flow stays
// valid until FlowDestroy.
func (self *Adapter) FlowCreate(items []Item, actions []Action, priority uint32) (*Flow, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.status != statusStarted {
		return nil, ErrNotStarted
	}

	flow, err := self.flowParse(items, actions, priority)
	if err != nil {
		return nil, err
	}

	self.flowClassVerify(flow)

	if err := self.flowInsert(flow); err != nil {
		self.flowRelease(flow)
		return nil, err
	}

	self.flows = append(self.flows, flow)
	return flow, nil
}

// FlowDestroy removes the rule from hardware and drops the flow's
// registry references.
func (self *Adapter) FlowDestroy(flow *Flow) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	idx := -1
	for i, entry := range self.flows {
		if entry == flow {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.New("mae: unknown flow")
	}

	if err := self.flowRemove(flow); err != nil {
		return err
	}

	self.flows = append(self.flows[:idx], self.flows[idx+1:]...)
	self.flowRelease(flow)
	return nil
}

// FlowQuery reads the counter the flow attached under the given
// caller-visible ID. With reset set the reading also becomes the new
// baseline.
func (self *Adapter) FlowQuery(flow *Flow, counterID uint32, reset bool) (CounterValue, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.status != statusStarted {
		return CounterValue{}, ErrNotStarted
	}

	if flow.actionSet == nil {
		return CounterValue{}, errors.New("mae: the flow has no action set")
	}

	for i := range flow.actionSet.counters {
		binding := &flow.actionSet.counters[i]
		if binding.userID == counterID {
			return self.counterGet(binding, reset)
		}
	}

	return CounterValue{}, fmt.Errorf("%w: no counter %d on this flow",
		ErrNoCounters, counterID)
}
