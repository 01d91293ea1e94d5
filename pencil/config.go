// Package pencil implements the penciller server: the single-writer actor
// described in spec.md §4.5 that owns the manifest and L0 cache, and
// exposes the API surface of spec.md §6 to the bookie.
package pencil

import (
	"log"
	"math/rand"
	"time"

	"github.com/cockroachdb/redact"

	"github.com/ledgerkv/penciller/internal/sstable"
	"github.com/ledgerkv/penciller/vfs"
)

// Logger is the structured logging surface the penciller uses, mirroring
// the teacher's own injectable `opts.Logger` (devlibx-pebble/ingest.go
// calls `opts.Logger.Infof`/`Fatalf` throughout).
type Logger interface {
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// stdLogger adapts the standard library logger to the Logger interface;
// the default when Config.Logger is left nil. Messages are built through
// redact.Sprintf, so a call site that wraps plain bookkeeping in
// redact.Safe gets it tagged apart from ledger key/value bytes, the way
// the teacher's own pebble marks its log output; of this module's call
// sites only internal/reader/fetch.go wraps its arguments that way, and
// every other argument is tagged as unsafe. stdLogger itself still
// prints plain text -- it strips the redaction markers rather than
// honoring them -- but the tagging survives for any Logger implementation
// that wants to produce an actually redacted log.
type stdLogger struct{ l *log.Logger }

func (s stdLogger) Infof(format string, args ...interface{}) {
	s.l.Print("INFO  " + redact.Sprintf(format, args...).StripMarkers())
}
func (s stdLogger) Warningf(format string, args ...interface{}) {
	s.l.Print("WARN  " + redact.Sprintf(format, args...).StripMarkers())
}
func (s stdLogger) Errorf(format string, args ...interface{}) {
	s.l.Print("ERROR " + redact.Sprintf(format, args...).StripMarkers())
}
func (s stdLogger) Fatalf(format string, args ...interface{}) {
	s.l.Fatal("FATAL " + redact.Sprintf(format, args...).StripMarkers())
}

func defaultLogger() Logger {
	return stdLogger{l: log.Default()}
}

// Config carries every tunable spec.md names, plus the collaborators
// (filesystem, SST store) needed to make the module runnable. Zero-valued
// fields are filled by EnsureDefaults, mirroring the teacher's
// Options.EnsureDefaults pattern.
type Config struct {
	// RootDir holds the ledger/ledger_manifest and ledger/ledger_files
	// subdirectories described in spec.md §6.
	RootDir string
	FS       vfs.FS

	// MaxTableSize is `M`, the L0 cache soft cap (spec.md §4.2).
	MaxTableSize int
	// MaxTableSizeHardLimit is `SM`, the hard ceiling (spec.md §4.2: 40000).
	MaxTableSizeHardLimit int
	// L0FlushJitterEnabled toggles the 1-in-5 coin-toss flush heuristic
	// (spec.md §4.2, §9).
	L0FlushJitterEnabled bool

	// CompactionWorkQueueBacklogTolerance is spec.md §4.4's threshold (4).
	// EnsureDefaults fills it, but nothing else reads it: compactor.Decide
	// uses the constant compactor.WorkQueueBacklogTolerance, so setting
	// this field does not change compaction scheduling.
	CompactionWorkQueueBacklogTolerance int
	// MaxCompactionWorkWait is spec.md §4.4's sleep-and-reask interval
	// (300s) when there's no work.
	MaxCompactionWorkWait time.Duration

	// IteratorScanWidth is spec.md §4.3's ITERATOR_SCANWIDTH (4).
	IteratorScanWidth int
	// SlowFetchThreshold is spec.md §4.3's SLOW_FETCH (~20ms).
	SlowFetchThreshold time.Duration

	// DefaultSnapshotTimeout and LongRunningSnapshotTimeout are spec.md
	// §4.6's two timeout classes (600s, 3600s).
	DefaultSnapshotTimeout     time.Duration
	LongRunningSnapshotTimeout time.Duration

	// AllowEmptyManifestRecovery governs manifest.Load's behavior when
	// every candidate generation fails CRC — see DESIGN.md Open Question
	// #2.
	AllowEmptyManifestRecovery bool

	// Compression selects the SST block codec (see internal/sstable).
	Compression sstable.Compression

	Logger Logger

	// Rand seeds the per-penciller RNG used by the compactor's random
	// victim selection (spec.md §9: "seed the RNG per-penciller for
	// reproducibility in tests"). If nil, a time-seeded source is used.
	Rand *rand.Rand

	// CloseFetchTimeout bounds the L0 writer's final slot fetch on
	// shutdown (spec.md §7: "Close timeout on L0 slot fetch ... bounded
	// at 60s").
	CloseFetchTimeout time.Duration
}

// EnsureDefaults fills zero-valued fields with the defaults spec.md
// names, the way the teacher's Options.EnsureDefaults does.
func (c *Config) EnsureDefaults() *Config {
	if c.FS == nil {
		c.FS = vfs.Default
	}
	if c.MaxTableSize == 0 {
		c.MaxTableSize = 28000
	}
	if c.MaxTableSizeHardLimit == 0 {
		c.MaxTableSizeHardLimit = 40000
	}
	if c.CompactionWorkQueueBacklogTolerance == 0 {
		c.CompactionWorkQueueBacklogTolerance = 4
	}
	if c.MaxCompactionWorkWait == 0 {
		c.MaxCompactionWorkWait = 300 * time.Second
	}
	if c.IteratorScanWidth == 0 {
		c.IteratorScanWidth = 4
	}
	if c.SlowFetchThreshold == 0 {
		c.SlowFetchThreshold = 20 * time.Millisecond
	}
	if c.DefaultSnapshotTimeout == 0 {
		c.DefaultSnapshotTimeout = 600 * time.Second
	}
	if c.LongRunningSnapshotTimeout == 0 {
		c.LongRunningSnapshotTimeout = 3600 * time.Second
	}
	if c.CloseFetchTimeout == 0 {
		c.CloseFetchTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	// AllowEmptyManifestRecovery's zero value (false) is NOT overridden
	// to true here — callers who want the source's historically tolerant
	// behavior must opt in explicitly, per DESIGN.md Open Question #2.
	return c
}

func (c *Config) manifestDir() string {
	return c.FS.PathJoin(c.RootDir, "ledger", "ledger_manifest")
}

func (c *Config) sstDir() string {
	return c.FS.PathJoin(c.RootDir, "ledger", "ledger_files")
}
