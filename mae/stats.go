package mae

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	descFlows = prometheus.NewDesc("mae_flows",
		"Number of flows currently registered.", nil, nil)
	descOuterRules = prometheus.NewDesc("mae_outer_rules",
		"Number of outer rule registry entries.", nil, nil)
	descEncapHeaders = prometheus.NewDesc("mae_encap_headers",
		"Number of encapsulation header registry entries.", nil, nil)
	descActionSets = prometheus.NewDesc("mae_action_sets",
		"Number of action set registry entries.", nil, nil)

	descStreamPackets = prometheus.NewDesc("mae_counter_stream_packets_total",
		"Telemetry packets received from the counter stream.", nil, nil)
	descStreamRecords = prometheus.NewDesc("mae_counter_stream_records_total",
		"Counter records decoded from the telemetry stream.", nil, nil)
	descStreamDrops = prometheus.NewDesc("mae_counter_stream_dropped_packets_total",
		"Telemetry packets dropped, by defect.", []string{"reason"}, nil)
	descUpdateDiscards = prometheus.NewDesc("mae_counter_updates_discarded_total",
		"Counter updates discarded, by reason.", []string{"reason"}, nil)
	descCreditFailures = prometheus.NewDesc("mae_counter_stream_credit_failures_total",
		"Failed attempts to return credits to the counter stream.", nil, nil)
)

type statsCollector struct {
	ad *Adapter
}

// StatsCollector returns a prometheus collector over the adapter's
// registries and counter stream diagnostics. Register it with any
// prometheus registry; it reads live state on every scrape.
func (self *Adapter) StatsCollector() prometheus.Collector {
	return &statsCollector{ad: self}
}

func (self *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descFlows
	ch <- descOuterRules
	ch <- descEncapHeaders
	ch <- descActionSets
	ch <- descStreamPackets
	ch <- descStreamRecords
	ch <- descStreamDrops
	ch <- descUpdateDiscards
	ch <- descCreditFailures
}

func (self *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ad := self.ad

	ad.mu.Lock()
	nFlows := len(ad.flows)
	nOuter := len(ad.outerRules)
	nEncap := len(ad.encapHeaders)
	nActionSets := len(ad.actionSets)
	reg := ad.counters
	ad.mu.Unlock()

	gauge := func(desc *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v))
	}
	gauge(descFlows, nFlows)
	gauge(descOuterRules, nOuter)
	gauge(descEncapHeaders, nEncap)
	gauge(descActionSets, nActionSets)

	if reg == nil {
		return
	}
	xs := &reg.xstats

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue,
			float64(v), labels...)
	}
	counter(descStreamPackets, xs.streamPackets.Load())
	counter(descStreamRecords, xs.streamRecords.Load())
	counter(descCreditFailures, xs.creditFailures.Load())

	counter(descStreamDrops, xs.dropMultiSegment.Load(), "multi_segment")
	counter(descStreamDrops, xs.dropShortPacket.Load(), "short_packet")
	counter(descStreamDrops, xs.dropBadVersion.Load(), "bad_version")
	counter(descStreamDrops, xs.dropBadIdentifier.Load(), "bad_identifier")
	counter(descStreamDrops, xs.dropBadOffsets.Load(), "bad_offsets")
	counter(descStreamDrops, xs.dropTruncated.Load(), "truncated")

	counter(descUpdateDiscards, xs.notInuseUpdate.Load(), "not_inuse")
	counter(descUpdateDiscards, xs.reallocUpdate.Load(), "realloc")
	counter(descUpdateDiscards, xs.dropBadIndex.Load(), "bad_index")
}
