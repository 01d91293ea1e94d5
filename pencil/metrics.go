package pencil

import (
	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerkv/penciller/internal/manifest"
)

// Metrics is a read-only snapshot of the penciller's operational state
// (SPEC_FULL.md's Supplemented Features: "Metrics() snapshot on the
// penciller server").
type Metrics struct {
	LevelSizes      [manifest.MaxLevels]int
	CacheSize       int
	ManifestSQN     uint64
	LedgerSQN       uint64
	PersistedSQN    uint64
	SnapshotCount   int
	PendingDeletes  int
}

// collector exposes Metrics as Prometheus gauges. Grounded on the
// teacher's own go.mod dependency on prometheus/client_golang
// (devlibx-pebble/go.mod). Nothing in this module constructs or registers
// one: newCollector has no caller.
type collector struct {
	server *Server

	levelSize      *prometheus.GaugeVec
	cacheSize      prometheus.Gauge
	manifestSQN    prometheus.Gauge
	ledgerSQN      prometheus.Gauge
	persistedSQN   prometheus.Gauge
	snapshotCount  prometheus.Gauge
	pendingDeletes prometheus.Gauge
}

func newCollector(s *Server, namespace string) *collector {
	c := &collector{
		server: s,
		levelSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "level_entries", Help: "manifest entries per level",
		}, []string{"level"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "l0_cache_records", Help: "records currently staged in the L0 cache",
		}),
		manifestSQN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "manifest_sqn", Help: "current manifest generation counter",
		}),
		ledgerSQN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ledger_sqn", Help: "highest sequence number ever accepted",
		}),
		persistedSQN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "persisted_sqn", Help: "highest sequence number durably reflected on disk",
		}),
		snapshotCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_snapshots", Help: "currently registered snapshots",
		}),
		pendingDeletes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_deletes", Help: "files superseded but not yet physically removable",
		}),
	}
	return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	c.levelSize.Describe(ch)
	ch <- c.cacheSize.Desc()
	ch <- c.manifestSQN.Desc()
	ch <- c.ledgerSQN.Desc()
	ch <- c.persistedSQN.Desc()
	ch <- c.snapshotCount.Desc()
	ch <- c.pendingDeletes.Desc()
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.server.Metrics()
	for lvl := 0; lvl < manifest.MaxLevels; lvl++ {
		g := c.levelSize.WithLabelValues(levelLabel(lvl))
		g.Set(float64(m.LevelSizes[lvl]))
		ch <- g
	}
	c.cacheSize.Set(float64(m.CacheSize))
	c.manifestSQN.Set(float64(m.ManifestSQN))
	c.ledgerSQN.Set(float64(m.LedgerSQN))
	c.persistedSQN.Set(float64(m.PersistedSQN))
	c.snapshotCount.Set(float64(m.SnapshotCount))
	c.pendingDeletes.Set(float64(m.PendingDeletes))

	ch <- c.cacheSize
	ch <- c.manifestSQN
	ch <- c.ledgerSQN
	ch <- c.persistedSQN
	ch <- c.snapshotCount
	ch <- c.pendingDeletes
}

func levelLabel(lvl int) string {
	digits := [8]string{"0", "1", "2", "3", "4", "5", "6", "7"}
	if lvl < len(digits) {
		return digits[lvl]
	}
	return "?"
}

// latencyHistograms tracks fetch/push/compaction timings with HdrHistogram
// (devlibx-pebble/go.mod's HdrHistogram/hdrhistogram-go). Values are only
// recorded: nothing reads them back, the slow-fetch warning uses
// SlowFetchThreshold alone, and no exported method exposes them.
type latencyHistograms struct {
	fetch      *hdrhistogram.Histogram
	push       *hdrhistogram.Histogram
	compaction *hdrhistogram.Histogram
}

func newLatencyHistograms() *latencyHistograms {
	// 1 microsecond to 60 seconds, 3 significant figures -- generous
	// enough for both point fetches and multi-second compactions.
	const lowest, highest int64 = 1, 60_000_000
	const sigFigs = 3
	return &latencyHistograms{
		fetch:      hdrhistogram.New(lowest, highest, sigFigs),
		push:       hdrhistogram.New(lowest, highest, sigFigs),
		compaction: hdrhistogram.New(lowest, highest, sigFigs),
	}
}

func (h *latencyHistograms) recordFetch(micros int64)      { _ = h.fetch.RecordValue(micros) }
func (h *latencyHistograms) recordPush(micros int64)       { _ = h.push.RecordValue(micros) }
func (h *latencyHistograms) recordCompaction(micros int64) { _ = h.compaction.RecordValue(micros) }
