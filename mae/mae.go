/*
Package mae drives the match-action engine of an SN1000-class SmartNIC:
a hardware switch whose rules are compiled from ordered pattern item
and action lists. The package owns rule compilation, deduplicating
registries for outer rules, encapsulation headers and action sets, the
flow lifecycle, and the counter telemetry stream.

Hardware access goes through the efx.Device interface; the package
itself never touches the NIC directly, which keeps the whole engine
testable against a simulated device.
*/
package mae

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

type status int

const (
	statusClosed status = iota
	statusAttached
	statusStarted
)

// internalRule is one of the switchdev forwarding rules the adapter
// installs on its own behalf. They are not visible as flows.
type internalRule struct {
	ruleID      efx.ResourceID
	actionSetID efx.ResourceID
}

// Adapter is the control-plane handle for one NIC's match-action
// engine. All exported methods are safe for concurrent use; the
// telemetry stream runs on its own goroutine and synchronises with
// the control path through per-slot atomics rather than the lock.
type Adapter struct {
	mu sync.Mutex

	dev efx.Device
	log *logrus.Entry
	cfg Config
	nic efx.NicConfig

	status status

	nbOuterRulePriosMax  uint32
	nbActionRulePriosMax uint32
	encapTypesSupported  uint32
	bounceEH             *bounceEH

	outerRules   []*outerRule
	encapHeaders []*encapHeader
	actionSets   []*actionSet
	flows        []*Flow

	counters *counterRegistry
	stream   *counterStream

	internalRules []internalRule
}

// Attach probes the device and builds an adapter over it. The adapter
// starts out stopped; rules can be validated but not inserted until
// Start.
func Attach(dev efx.Device, cfg Config) (*Adapter, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	nic := dev.NicConfig()
	if !nic.MAESupported {
		return nil, fmt.Errorf("mae: %w: no match-action engine on this function",
			ErrNotSupported)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	limits := dev.Limits()

	self := &Adapter{
		dev:                  dev,
		log:                  logger.WithField("subsys", "mae"),
		cfg:                  cfg,
		nic:                  nic,
		status:               statusAttached,
		nbOuterRulePriosMax:  limits.MaxOuterPrios,
		nbActionRulePriosMax: limits.MaxActionPrios,
		encapTypesSupported:  limits.EncapTypesSupported,
		bounceEH:             newBounceEH(limits.EncapHeaderSizeLimit),
	}

	if cfg.PollInterval > 0 && limits.MaxCounters > 0 {
		self.counters = newCounterRegistry(limits.MaxCounters)
	}

	return self, nil
}

// Start makes the adapter accept flow insertions. In switchdev mode it
// also installs the default forwarding rules tying the physical port
// to the adapter's switch port.
func (self *Adapter) Start() error {
	self.mu.Lock()
	defer self.mu.Unlock()

	switch self.status {
	case statusStarted:
		return nil
	case statusClosed:
		return errors.New("mae: adapter is detached")
	}

	if self.cfg.Switchdev {
		if err := self.switchdevRulesInsert(); err != nil {
			return err
		}
	}

	// Flows survive a stop/start cycle with their hardware counters
	// still allocated; resume draining telemetry for them.
	for _, flow := range self.flows {
		if flow.nCounters() > 0 {
			if err := self.counterStart(); err != nil {
				self.switchdevRulesRemove()
				return err
			}
			break
		}
	}

	self.status = statusStarted
	return nil
}

// Stop quiesces the counter stream and removes the internal rules.
// Flows stay registered; their hardware state is untouched so that a
// subsequent Start resumes where Stop left off.
func (self *Adapter) Stop() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.stopLocked()
}

func (self *Adapter) stopLocked() error {
	if self.status != statusStarted {
		return nil
	}

	if err := self.counterStop(); err != nil {
		return err
	}

	self.switchdevRulesRemove()

	self.status = statusAttached
	return nil
}

// Detach releases the adapter. Flows must be destroyed first.
func (self *Adapter) Detach() error {
	self.mu.Lock()
	defer self.mu.Unlock()

	if err := self.stopLocked(); err != nil {
		return err
	}

	if len(self.flows) != 0 {
		return fmt.Errorf("mae: %d flows still registered", len(self.flows))
	}

	if len(self.outerRules) != 0 || len(self.encapHeaders) != 0 ||
		len(self.actionSets) != 0 {
		self.log.WithFields(logrus.Fields{
			"outer_rules":   len(self.outerRules),
			"encap_headers": len(self.encapHeaders),
			"action_sets":   len(self.actionSets),
		}).Warn("registries not empty at detach")
	}

	self.status = statusClosed
	return nil
}

func (self *Adapter) switchdevRuleInsert(from, to efx.Mport) error {
	matchSpec := efx.NewMatchSpec(efx.RuleTypeAction, self.nbActionRulePriosMax-1)
	if err := matchSpec.MportSet(from); err != nil {
		return err
	}

	actionSpec := efx.NewActionSpec()
	if err := actionSpec.PopulateDeliver(to); err != nil {
		return err
	}

	asID, err := self.dev.ActionSetAlloc(actionSpec)
	if err != nil {
		return fmt.Errorf("mae: failed to allocate a switchdev action set: %w", err)
	}

	ruleID, err := self.dev.ActionRuleInsert(matchSpec, asID)
	if err != nil {
		if freeErr := self.dev.ActionSetFree(asID); freeErr != nil {
			self.log.WithError(freeErr).
				Error("failed to roll back a switchdev action set")
		}
		return fmt.Errorf("mae: failed to insert a switchdev rule: %w", err)
	}

	self.internalRules = append(self.internalRules,
		internalRule{ruleID: ruleID, actionSetID: asID})
	return nil
}

// switchdevRulesInsert sets up pass-through forwarding: traffic from
// the physical port goes to the adapter's switch port and back. The
// rules sit at the lowest action rule priority so that any flow the
// caller installs overrides them.
func (self *Adapter) switchdevRulesInsert() error {
	phyMport, err := self.dev.MportByPhyPort(self.nic.AssignedPort)
	if err != nil {
		return err
	}
	swMport, err := self.dev.MportBySwitchPort(self.cfg.SwitchPortID)
	if err != nil {
		return err
	}

	if err := self.switchdevRuleInsert(phyMport, swMport); err != nil {
		return err
	}
	if err := self.switchdevRuleInsert(swMport, phyMport); err != nil {
		self.switchdevRulesRemove()
		return err
	}
	return nil
}

func (self *Adapter) switchdevRulesRemove() {
	for _, rule := range self.internalRules {
		if err := self.dev.ActionRuleRemove(rule.ruleID); err != nil {
			self.log.WithField("id", rule.ruleID).WithError(err).
				Error("failed to remove a switchdev rule")
		}
		if err := self.dev.ActionSetFree(rule.actionSetID); err != nil {
			self.log.WithField("id", rule.actionSetID).WithError(err).
				Error("failed to free a switchdev action set")
		}
	}
	self.internalRules = nil
}
