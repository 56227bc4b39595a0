package mae

import (
	"errors"
	"fmt"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

// fakeDevice simulates the NIC control interface. Resource IDs are
// issued sequentially; live allocations are tracked per kind so that
// tests can assert leak-freedom after teardown.
type fakeDevice struct {
	nic    efx.NicConfig
	limits efx.Limits

	nextID      uint32
	outerRules  map[efx.ResourceID]bool
	encHeaders  map[efx.ResourceID][]byte
	actionSets  map[efx.ResourceID]bool
	actionRules map[efx.ResourceID]bool
	counters    map[efx.CounterID]bool

	nextCounter   uint32
	counterGen    uint32
	streamCh      chan efx.CounterPacket
	streamRunning bool
	credits       []uint32

	matchSpecValid func(*efx.MatchSpec) bool

	failOuterRuleInsert  error
	failEncHeaderAlloc   error
	failActionSetAlloc   error
	failActionRuleInsert error
	failActionRuleRemove error
	failCounterAlloc     error
	failGiveCredits      error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		nic: efx.NicConfig{
			PF:           1,
			VF:           efx.PCIVFInvalid,
			AssignedPort: 0,
			MAESupported: true,
		},
		limits: efx.Limits{
			MaxOuterPrios:        2,
			MaxActionPrios:       4,
			EncapTypesSupported:  1 << efx.TunnelVXLAN,
			MaxCounters:          128,
			EncapHeaderSizeLimit: 256,
		},
		outerRules:  make(map[efx.ResourceID]bool),
		encHeaders:  make(map[efx.ResourceID][]byte),
		actionSets:  make(map[efx.ResourceID]bool),
		actionRules: make(map[efx.ResourceID]bool),
		counters:    make(map[efx.CounterID]bool),
	}
}

func (self *fakeDevice) allocID() efx.ResourceID {
	self.nextID++
	return efx.ResourceID(self.nextID)
}

func (self *fakeDevice) NicConfig() efx.NicConfig { return self.nic }
func (self *fakeDevice) Limits() efx.Limits       { return self.limits }

func (self *fakeDevice) MatchSpecIsValid(spec *efx.MatchSpec) bool {
	if self.matchSpecValid != nil {
		return self.matchSpecValid(spec)
	}
	return true
}

func (self *fakeDevice) OuterRuleInsert(spec *efx.MatchSpec, encap efx.TunnelType) (efx.ResourceID, error) {
	if self.failOuterRuleInsert != nil {
		return efx.ResourceIDInvalid, self.failOuterRuleInsert
	}
	id := self.allocID()
	self.outerRules[id] = true
	return id, nil
}

func (self *fakeDevice) OuterRuleRemove(id efx.ResourceID) error {
	if !self.outerRules[id] {
		return fmt.Errorf("fake: outer rule %d not present", id)
	}
	delete(self.outerRules, id)
	return nil
}

func (self *fakeDevice) EncapHeaderAlloc(encap efx.TunnelType, header []byte) (efx.ResourceID, error) {
	if self.failEncHeaderAlloc != nil {
		return efx.ResourceIDInvalid, self.failEncHeaderAlloc
	}
	id := self.allocID()
	self.encHeaders[id] = append([]byte(nil), header...)
	return id, nil
}

func (self *fakeDevice) EncapHeaderFree(id efx.ResourceID) error {
	if _, ok := self.encHeaders[id]; !ok {
		return fmt.Errorf("fake: encap header %d not present", id)
	}
	delete(self.encHeaders, id)
	return nil
}

func (self *fakeDevice) ActionSetAlloc(spec *efx.ActionSpec) (efx.ResourceID, error) {
	if self.failActionSetAlloc != nil {
		return efx.ResourceIDInvalid, self.failActionSetAlloc
	}
	id := self.allocID()
	self.actionSets[id] = true
	return id, nil
}

func (self *fakeDevice) ActionSetFree(id efx.ResourceID) error {
	if !self.actionSets[id] {
		return fmt.Errorf("fake: action set %d not present", id)
	}
	delete(self.actionSets, id)
	return nil
}

func (self *fakeDevice) ActionRuleInsert(match *efx.MatchSpec, actionSet efx.ResourceID) (efx.ResourceID, error) {
	if self.failActionRuleInsert != nil {
		return efx.ResourceIDInvalid, self.failActionRuleInsert
	}
	if !self.actionSets[actionSet] {
		return efx.ResourceIDInvalid, fmt.Errorf("fake: action set %d not present", actionSet)
	}
	id := self.allocID()
	self.actionRules[id] = true
	return id, nil
}

func (self *fakeDevice) ActionRuleRemove(id efx.ResourceID) error {
	if self.failActionRuleRemove != nil {
		return self.failActionRuleRemove
	}
	if !self.actionRules[id] {
		return efx.ErrAlreadyRemoved
	}
	delete(self.actionRules, id)
	return nil
}

func (self *fakeDevice) CounterAlloc() (efx.CounterID, uint32, error) {
	if self.failCounterAlloc != nil {
		return efx.CounterIDInvalid, 0, self.failCounterAlloc
	}
	if self.nextCounter >= self.limits.MaxCounters {
		return efx.CounterIDInvalid, 0, errors.New("fake: out of counters")
	}
	id := efx.CounterID(self.nextCounter)
	self.nextCounter++
	self.counterGen++
	self.counters[id] = true
	return id, self.counterGen, nil
}

func (self *fakeDevice) CounterFree(id efx.CounterID) error {
	if !self.counters[id] {
		return fmt.Errorf("fake: counter %d not present", id)
	}
	delete(self.counters, id)
	return nil
}

func (self *fakeDevice) CountersStreamStart(packetSize uint16, flagsIn uint32) (<-chan efx.CounterPacket, uint32, error) {
	self.streamChInit()
	self.streamRunning = true
	return self.streamCh, efx.CountersStreamOutUsesCredits, nil
}

func (self *fakeDevice) CountersStreamStop() error {
	self.streamRunning = false
	return nil
}

func (self *fakeDevice) CountersStreamGiveCredits(n uint32) error {
	if self.failGiveCredits != nil {
		return self.failGiveCredits
	}
	self.credits = append(self.credits, n)
	return nil
}

func (self *fakeDevice) MportByPhyPort(index uint32) (efx.Mport, error) {
	return efx.Mport(0x1000 + index), nil
}

func (self *fakeDevice) MportByPCIeFunction(pf, vf uint32) (efx.Mport, error) {
	return efx.Mport(0x2000 + pf<<8 + vf&0xff), nil
}

func (self *fakeDevice) MportBySwitchPort(portID uint32) (efx.Mport, error) {
	return efx.Mport(0x3000 + portID), nil
}

func (self *fakeDevice) streamChInit() <-chan efx.CounterPacket {
	if self.streamCh == nil {
		self.streamCh = make(chan efx.CounterPacket, 64)
	}
	return self.streamCh
}

func (self *fakeDevice) liveResources() int {
	return len(self.outerRules) + len(self.encHeaders) +
		len(self.actionSets) + len(self.actionRules) + len(self.counters)
}

func testAdapter(dev *fakeDevice) (*Adapter, error) {
	cfg := DefaultConfig()
	cfg.LogLevel = "panic"
	ad, err := Attach(dev, cfg)
	if err != nil {
		return nil, err
	}
	if err := ad.Start(); err != nil {
		return nil, err
	}
	return ad, nil
}
