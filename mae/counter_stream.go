package mae

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

const counterStreamStopTimeout = 10 * time.Second

// counterStream drains the telemetry channel on a timer and folds the
// decoded records into the counter registry. It is the single writer
// of the per-slot totals.
type counterStream struct {
	reg *counterRegistry
	dev efx.Device
	log *logrus.Entry

	rx          <-chan efx.CounterPacket
	usesCredits bool

	pollInterval time.Duration
	rxBurst      int
	refillLevel  uint32

	// Packets freed since the last successful credit grant.
	creditsPending uint32

	stopCh chan struct{}
	doneCh chan struct{}
}

func (self *Adapter) counterStart() error {
	if self.stream != nil {
		return nil
	}
	if self.counters == nil {
		return errors.New("mae: counter collection is not configured")
	}

	rx, flags, err := self.dev.CountersStreamStart(
		self.cfg.StreamPacketSize, efx.CountersStreamOutUsesCredits)
	if err != nil {
		return fmt.Errorf("mae: failed to start the counter stream: %w", err)
	}

	st := &counterStream{
		reg:          self.counters,
		dev:          self.dev,
		log:          self.log,
		rx:           rx,
		usesCredits:  flags&efx.CountersStreamOutUsesCredits != 0,
		pollInterval: self.cfg.PollInterval,
		rxBurst:      int(self.cfg.RxBurst),
		refillLevel:  self.cfg.RefillLevel,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	go st.serve()

	self.stream = st
	return nil
}

func (self *Adapter) counterStop() error {
	st := self.stream
	if st == nil {
		return nil
	}
	self.stream = nil

	close(st.stopCh)
	select {
	case <-st.doneCh:
	case <-time.After(counterStreamStopTimeout):
		self.log.Warn("counter stream did not quiesce in time")
	}

	if err := self.dev.CountersStreamStop(); err != nil {
		return fmt.Errorf("mae: failed to stop the counter stream: %w", err)
	}
	return nil
}

func (self *counterStream) serve() {
	defer close(self.doneCh)

	ticker := time.NewTicker(self.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.stopCh:
			return
		case <-ticker.C:
			self.poll()
		}
	}
}

func (self *counterStream) poll() {
drain:
	for i := 0; i < self.rxBurst; i++ {
		select {
		case pkt, ok := <-self.rx:
			if !ok {
				break drain
			}
			self.processPacket(pkt)
			self.creditsPending++
		default:
			break drain
		}
	}

	if self.usesCredits && self.creditsPending >= self.refillLevel {
		if err := self.dev.CountersStreamGiveCredits(self.creditsPending); err != nil {
			// Keep the pending count and retry on the next poll.
			self.reg.xstats.creditFailures.Add(1)
			self.log.WithError(err).Debug("failed to return stream credits")
			return
		}
		self.creditsPending = 0
	}
}

// processPacket validates one telemetry packet and applies its records.
// A malformed packet is dropped whole; each defect class has its own
// diagnostic counter so that a misbehaving packetiser shows up in the
// stats rather than in silently skewed flow counters.
func (self *counterStream) processPacket(pkt efx.CounterPacket) {
	xs := &self.reg.xstats
	xs.streamPackets.Add(1)

	if len(pkt.Frags) != 1 {
		xs.dropMultiSegment.Add(1)
		self.log.WithField("frags", len(pkt.Frags)).
			Error("dropped a multi-segment counter packet")
		return
	}
	b := pkt.Frags[0]

	hdr, err := efx.ParseCounterPacketHeader(b)
	if err != nil {
		xs.dropShortPacket.Add(1)
		self.log.WithError(err).Error("dropped a truncated counter packet")
		return
	}

	if hdr.Version != efx.CounterPacketVersion {
		xs.dropBadVersion.Add(1)
		self.log.WithField("version", hdr.Version).
			Error("dropped a counter packet of unknown version")
		return
	}
	if hdr.Identifier != efx.CounterPacketIdentifierAR {
		xs.dropBadIdentifier.Add(1)
		self.log.WithField("identifier", hdr.Identifier).
			Error("dropped a counter packet with an unexpected identifier")
		return
	}
	if hdr.HeaderOffset != efx.CounterPacketHeaderOffsetDefault {
		xs.dropBadOffsets.Add(1)
		self.log.WithField("header_offset", hdr.HeaderOffset).
			Error("dropped a counter packet with a bogus header offset")
		return
	}
	if hdr.PayloadOffset%4 != 0 {
		xs.dropBadOffsets.Add(1)
		self.log.WithField("payload_offset", hdr.PayloadOffset).
			Error("dropped a counter packet with a misaligned payload offset")
		return
	}
	end := int(hdr.PayloadOffset) + int(hdr.RecordCount)*efx.CounterRecordSize
	if end > len(b) {
		xs.dropTruncated.Add(1)
		self.log.WithFields(logrus.Fields{
			"payload_offset": hdr.PayloadOffset,
			"record_count":   hdr.RecordCount,
			"packet_len":     len(b),
		}).Error("dropped a counter packet with truncated records")
		return
	}

	for ofst := int(hdr.PayloadOffset); ofst < end; ofst += efx.CounterRecordSize {
		self.reg.counterIncrement(
			efx.ParseCounterRecord(b[ofst:ofst+efx.CounterRecordSize]),
			pkt.Generation)
		xs.streamRecords.Add(1)
	}
}
