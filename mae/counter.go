package mae

import (
	"fmt"
	"sync/atomic"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

// counterSlot holds the accumulated state of one hardware counter.
// Slots are indexed by the MAE counter ID, so an ID freed and
// reallocated lands in the same slot; the generation value tells
// stale stream updates from current ones.
//
// The control path (add/del/get) runs under the adapter lock. The
// stream goroutine is the only writer of pkts and bytes, which makes
// a plain load+store read-modify-write safe there. The inuse flag is
// the handoff point: add publishes baseline and generation before
// setting it, increment checks it before touching the totals.
type counterSlot struct {
	inuse      atomic.Bool
	generation uint32
	pkts       atomic.Uint64
	bytes      atomic.Uint64

	// Accessed under the adapter lock only.
	resetPkts  uint64
	resetBytes uint64
}

// counterXstats are diagnostic totals kept across the counter
// subsystem. All fields are cumulative counters.
type counterXstats struct {
	notInuseUpdate atomic.Uint64
	reallocUpdate  atomic.Uint64

	streamPackets     atomic.Uint64
	streamRecords     atomic.Uint64
	dropMultiSegment  atomic.Uint64
	dropShortPacket   atomic.Uint64
	dropBadVersion    atomic.Uint64
	dropBadIdentifier atomic.Uint64
	dropBadOffsets    atomic.Uint64
	dropTruncated     atomic.Uint64
	dropBadIndex      atomic.Uint64
	creditFailures    atomic.Uint64
}

type counterRegistry struct {
	slots  []counterSlot
	xstats counterXstats
}

func newCounterRegistry(nCounters uint32) *counterRegistry {
	return &counterRegistry{slots: make([]counterSlot, nCounters)}
}

// counterAdd allocates a hardware counter and publishes its slot to
// the stream goroutine. The baseline is captured before publication
// so that stale totals left over from a previous tenancy of the slot
// never leak into the new counter's readings.
func (self *Adapter) counterAdd(binding *counterBinding) error {
	reg := self.counters

	id, generation, err := self.dev.CounterAlloc()
	if err != nil {
		return err
	}

	if int(id) >= len(reg.slots) {
		if freeErr := self.dev.CounterFree(id); freeErr != nil {
			self.log.WithField("counter_id", id).WithError(freeErr).
				Error("failed to free an out-of-range counter")
		}
		return fmt.Errorf("mae: counter ID %d exceeds the slot table size %d",
			id, len(reg.slots))
	}

	p := &reg.slots[id]
	p.resetPkts = p.pkts.Load()
	p.resetBytes = p.bytes.Load()
	p.generation = generation
	p.inuse.Store(true)

	binding.maeID = id
	return nil
}

// counterDel retires the counter. The slot is withdrawn from the
// stream goroutine before the hardware ID is freed so that a reissued
// ID cannot race with late updates for the old tenancy.
func (self *Adapter) counterDel(binding *counterBinding) error {
	reg := self.counters
	id := binding.maeID

	if id == efx.CounterIDInvalid || int(id) >= len(reg.slots) {
		return fmt.Errorf("mae: cannot retire bogus counter ID %d", id)
	}

	reg.slots[id].inuse.Store(false)
	binding.maeID = efx.CounterIDInvalid

	if err := self.dev.CounterFree(id); err != nil {
		self.log.WithField("counter_id", id).WithError(err).
			Error("failed to free a counter")
		return err
	}
	return nil
}

// counterIncrement folds one stream record into its slot. Updates for
// slots not in use and updates generated before the slot's current
// tenancy are discarded.
func (self *counterRegistry) counterIncrement(update efx.CounterUpdate, generation uint32) {
	if int(update.Index) >= len(self.slots) {
		self.xstats.dropBadIndex.Add(1)
		return
	}

	p := &self.slots[update.Index]

	if !p.inuse.Load() {
		self.xstats.notInuseUpdate.Add(1)
		return
	}

	if generation < p.generation {
		self.xstats.reallocUpdate.Add(1)
		return
	}

	// Single writer; a plain read-modify-write is sufficient.
	p.pkts.Store(p.pkts.Load() + update.Packets)
	p.bytes.Store(p.bytes.Load() + update.Bytes)
}

// CounterValue is a point-in-time reading of one flow counter.
type CounterValue struct {
	Packets uint64
	Bytes   uint64
}

// counterGet reads the counter totals relative to the baseline and
// optionally moves the baseline up to the current totals.
func (self *Adapter) counterGet(binding *counterBinding, reset bool) (CounterValue, error) {
	reg := self.counters
	id := binding.maeID

	if id == efx.CounterIDInvalid || int(id) >= len(reg.slots) {
		return CounterValue{}, fmt.Errorf("mae: counter ID %d is not live", id)
	}

	p := &reg.slots[id]
	pkts := p.pkts.Load()
	bytes := p.bytes.Load()

	value := CounterValue{
		Packets: pkts - p.resetPkts,
		Bytes:   bytes - p.resetBytes,
	}

	if reset {
		p.resetPkts = pkts
		p.resetBytes = bytes
	}

	return value, nil
}
