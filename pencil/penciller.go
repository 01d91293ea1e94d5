package pencil

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ledgerkv/penciller/internal/compactor"
	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/l0cache"
	"github.com/ledgerkv/penciller/internal/manifest"
	"github.com/ledgerkv/penciller/internal/reader"
	"github.com/ledgerkv/penciller/internal/sstable"
)

// ErrClosed is returned once Close or Doom has run by the Server methods
// that return an error: Push, Fetch, CheckSQN, FetchKeys, FetchNextKey,
// WorkForClerk, ConfirmDelete and RegisterSnapshot.
var ErrClosed = errors.New("penciller: server is closed")

// ErrSQNRegression is returned by Push when a batch's highest SQN is
// lower than the ledger's already-observed high-water mark (DESIGN.md
// Open Question #1: treated as a contract violation, not silently
// clamped).
var ErrSQNRegression = errors.New("penciller: push batch SQN regresses below ledger_sqn")

// PushResult is spec.md §6's `push_mem` reply: whether the batch was
// accepted into the cache or bounced back because the penciller cannot
// currently admit writes (flushing, or a work backlog gate is up).
type PushResult struct {
	// Returned is true when the bookie must hold onto the batch and
	// retry later -- spec.md §4.2's "push is rejected while flushing" and
	// §4.4's work-backlog gate.
	Returned bool
}

// Server is the penciller's single-writer actor (spec.md §4.5). The
// design note in spec.md §5 describes message-passing between
// independent actors with "no locks"; this implementation realizes that
// serialization guarantee with a mutex guarding all mutable state instead
// of literal channels, the same substitution the teacher itself makes
// (devlibx-pebble/ingest.go serializes every mutating DB method through
// `d.mu.Lock()`/`Unlock()` rather than an actor mailbox). Handlers here
// are correspondingly straight-line over in-memory state while the lock
// is held, matching spec.md §5's "no suspension points inside a single
// message handler" rule; asynchronous work (the L0 writer, the
// compaction worker) runs in its own goroutine and reports back through
// a callback that reacquires the lock, mirroring the "independent actors
// communicate by message" model.
type Server struct {
	cfg *Config
	log Logger

	mu       sync.Mutex
	cache    *l0cache.Cache
	mf       *manifest.Manifest
	l0       l0State
	workOngoing bool
	workBacklog bool
	ledgerSQN    uint64
	persistedSQN uint64
	closed   bool

	pendingDeleteHandles map[string]*sstable.Handle

	fileNum uint64 // atomic; seeded from disk contents at Open

	metrics *latencyHistograms

	stopWorker chan struct{}
	workerDone chan struct{}
}

// Open implements spec.md §6's `start`: loads (or initializes) the
// manifest from cfg.RootDir, reconstructs ledger_sqn/persisted_sqn, and
// launches the background compaction worker loop.
func Open(cfg *Config) (*Server, error) {
	cfg = cfg.EnsureDefaults()

	if err := cfg.FS.MkdirAll(cfg.manifestDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "penciller: create manifest dir")
	}
	if err := cfg.FS.MkdirAll(cfg.sstDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "penciller: create sst dir")
	}

	mf, err := manifest.Load(cfg.FS, cfg.manifestDir(), cfg.sstDir(), cfg.AllowEmptyManifestRecovery, cfg.Logger.Errorf)
	if err != nil {
		return nil, errors.Wrap(err, "penciller: load manifest")
	}

	s := &Server{
		cfg:                  cfg,
		log:                  cfg.Logger,
		cache:                l0cache.New(),
		mf:                   mf,
		pendingDeleteHandles: make(map[string]*sstable.Handle),
		metrics:              newLatencyHistograms(),
		stopWorker:           make(chan struct{}),
		workerDone:           make(chan struct{}),
	}
	if mf.Level0Present() {
		s.l0 = stateL0Resident
	}
	s.persistedSQN = maxPersistedSQN(mf)
	s.ledgerSQN = s.persistedSQN
	s.fileNum = scanMaxFileNum(cfg)

	go s.compactionLoop()
	return s, nil
}

func maxPersistedSQN(mf *manifest.Manifest) uint64 {
	var max uint64
	for lvl := 0; lvl < manifest.MaxLevels; lvl++ {
		for _, e := range mf.Levels[lvl] {
			if e.Owner.MaxSQN() > max {
				max = e.Owner.MaxSQN()
			}
		}
	}
	return max
}

// scanMaxFileNum seeds the per-file-number counter so freshly written
// files never collide with ones already on disk after a restart.
// Filenames follow `<sqn>_<level>_<n>.sst`; n is the counter's domain.
func scanMaxFileNum(cfg *Config) uint64 {
	names, err := cfg.FS.List(cfg.sstDir())
	if err != nil {
		return 0
	}
	var max uint64
	for _, n := range names {
		if !strings.HasSuffix(n, ".sst") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(n, ".sst"), "_")
		if len(parts) != 3 {
			continue
		}
		if v, err := strconv.ParseUint(parts[2], 10, 64); err == nil && v > max {
			max = v
		}
	}
	return max
}

func (s *Server) nextFileNum() uint64 {
	return atomic.AddUint64(&s.fileNum, 1)
}

// GetStartupSQN implements spec.md §6's `get_startup_sqn`: the max SQN
// present in any persisted file, computed at Open and raised again by each
// ManifestChange commit (spec.md §8's restart-recovery law).
func (s *Server) GetStartupSQN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistedSQN
}

// Push implements spec.md §6's `push_mem` and §4.2's admission state
// machine. It replies before the (possibly asynchronous) L0 flush
// completes, per spec.md §4.5's "replies to push before any heavy
// cache-merging work ... but only after the decision to accept is
// final".
func (s *Server) Push(records []keycodec.Record) (PushResult, error) {
	start := time.Now()
	defer func() { s.metrics.recordPush(time.Since(start).Microseconds()) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PushResult{}, ErrClosed
	}

	var batchMax uint64
	for _, r := range records {
		if r.Value.SQN > batchMax {
			batchMax = r.Value.SQN
		}
	}
	if len(records) > 0 && batchMax < s.ledgerSQN {
		return PushResult{}, ErrSQNRegression
	}

	if s.l0 == stateFlushing || s.workBacklog {
		return PushResult{Returned: true}, nil
	}

	s.cache.Push(records)
	if batchMax > s.ledgerSQN {
		s.ledgerSQN = batchMax
	}

	if shouldTriggerFlush(
		s.cache.Size(),
		s.cfg.MaxTableSize,
		s.cfg.MaxTableSizeHardLimit,
		s.mf.Level0Present(),
		s.workOngoing,
		s.cfg.L0FlushJitterEnabled,
		func() bool { return s.cfg.Rand.Intn(5) == 0 },
	) {
		s.beginL0FlushLocked()
	}
	return PushResult{}, nil
}

// beginL0FlushLocked freezes the cache's current contents into an
// asynchronous L0 build (spec.md §4.2's `sst_newlevelzero`). Must be
// called with s.mu held; the flush itself runs without the lock, since
// sstable.NewLevelZero spawns its own goroutine.
func (s *Server) beginL0FlushLocked() {
	s.l0 = stateFlushing
	nBatches := s.cache.NumBatches()
	maxSQN := s.cache.MaxSQN()
	// Filename is fixed now, at the manifest_sqn the flush will commit
	// against: spec.md §4.1's L0 probe convention reads
	// <manifest_sqn+1>_0_0.sst, so the writer's output must match that
	// exact name for restart recovery to rediscover it.
	filename := fmt.Sprintf("%d_0_0.sst", s.mf.ManifestSQN+1)
	cache := s.cache

	fetch := func(slot int) ([]keycodec.Record, error) {
		return cache.BatchAt(slot), nil
	}
	notify := func(res sstable.L0WriteResult) {
		s.handleL0Complete(res)
	}
	sstable.NewLevelZero(s.cfg.FS, s.cfg.sstDir(), filename, nBatches, fetch, notify, maxSQN, s.cfg.Compression)
}

// handleL0Complete implements spec.md §6's `confirm_l0_complete`: the L0
// writer's notify callback, reacquiring the lock to commit the new file
// into L0 of the manifest, clear the cache and its hash index, and move
// the L0 state to stateL0Resident (spec.md §4.2).
func (s *Server) handleL0Complete(res sstable.L0WriteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.Err != nil {
		s.log.Errorf("penciller: L0 flush failed: %v", res.Err)
		// The cache was never cleared, so the frozen batches are still
		// there; retry admission is simply resuming normal pushes once
		// back to idle, mirroring the teacher's tolerance of a failed
		// background job leaving durable state untouched.
		s.l0 = stateIdle
		return
	}

	newSQN := s.mf.ManifestSQN + 1
	entry := manifest.Entry{
		Start: res.Start, End: res.End, Filename: res.Filename, Owner: res.Handle,
	}
	if err := s.mf.Insert(0, entry, newSQN); err != nil {
		s.log.Errorf("penciller: insert L0 entry: %v", err)
		s.l0 = stateIdle
		return
	}
	s.cache.Clear()
	s.l0 = stateL0Resident
}

// Fetch implements spec.md §6's `fetch(with_hash)`: a point lookup
// served entirely within the penciller actor (spec.md §5: "Reads may run
// fully in the penciller actor (point lookups)").
func (s *Server) Fetch(key keycodec.UserKey, hash keycodec.Hash) (keycodec.Record, bool, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.recordFetch(time.Since(start).Microseconds()) }()
	if s.closed {
		return keycodec.Record{}, false, ErrClosed
	}
	return reader.Fetch(s.cache, s.mf, key, hash, s.cfg.SlowFetchThreshold, s.log)
}

// CheckSQN implements spec.md §6's `check_sqn`.
func (s *Server) CheckSQN(key keycodec.UserKey, hash keycodec.Hash, sqn uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return reader.CheckSQN(s.cache, s.mf, key, hash, sqn, s.cfg.SlowFetchThreshold, s.log)
}

// FetchKeys implements spec.md §6's `fetch_keys`. Per spec.md §5 ("range
// queries must use a snapshot, never the live penciller, to avoid
// blocking"), this takes a momentary internal snapshot, runs the fold
// against that frozen view outside the lock, and releases it -- the live
// actor is only held long enough to clone.
func (s *Server) FetchKeys(start, end keycodec.UserKey, acc reader.AccFunc, init interface{}, max int) (interface{}, error) {
	snap, err := s.RegisterSnapshot(SnapshotNoLookup, start, end, s.cfg.DefaultSnapshotTimeout)
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return snap.FetchKeys(start, end, acc, init, max), nil
}

// FetchNextKey implements spec.md §6's `fetch_next_key`, with the same
// snapshot-delegation rule as FetchKeys.
func (s *Server) FetchNextKey(start, end keycodec.UserKey) (keycodec.Record, bool, error) {
	snap, err := s.RegisterSnapshot(SnapshotNoLookup, start, end, s.cfg.DefaultSnapshotTimeout)
	if err != nil {
		return keycodec.Record{}, false, err
	}
	defer snap.Release()
	rec, ok := snap.FetchNextKey(start, end)
	return rec, ok, nil
}

// WorkForClerk implements spec.md §6's `work_for_clerk`/§4.4 step 1: the
// compaction worker's "ask for work" cast. Exposed so an external
// compactor implementation can drive the schedule directly; the built-in
// compactionLoop goroutine is the default driver started by Open.
func (s *Server) WorkForClerk() (compactor.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return compactor.Decision{}, ErrClosed
	}
	d := compactor.Decide(s.mf)
	s.workBacklog = d.Backlog
	if d.HasWork {
		s.workOngoing = true
	}
	return d, nil
}

// ManifestChange implements spec.md §6's `manifest_change`/§4.4 step 3:
// the compaction worker's result cast. It merges the worker's manifest
// into the live one, renames .pnd -> .crr (the actual commit, since the
// worker only persisted the uncommitted .pnd), clears work_ongoing, and
// sweeps pending deletes.
func (s *Server) ManifestChange(res compactor.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workOngoing = false
	if res.Err != nil {
		s.log.Errorf("penciller: compaction on level %d failed: %v", res.Level, res.Err)
		return res.Err
	}

	s.mf.MergeCompactionResult(res.Manifest)
	for _, e := range res.RemovedEntries {
		s.pendingDeleteHandles[e.Filename] = e.Owner
	}

	crrFrom := res.Manifest.ManifestSQN
	pndPath := s.cfg.FS.PathJoin(s.cfg.manifestDir(), manifest.GenerationFilename(crrFrom, "pnd"))
	crrPath := s.cfg.FS.PathJoin(s.cfg.manifestDir(), manifest.GenerationFilename(crrFrom, "crr"))
	if err := s.cfg.FS.Rename(pndPath, crrPath); err != nil {
		s.log.Errorf("penciller: commit compaction manifest: %v", err)
		return err
	}

	s.persistedSQN = maxPersistedSQN(s.mf)
	s.sweepPendingDeletesLocked()
	return nil
}

// ConfirmDelete implements spec.md §6's `confirm_delete`/§4.4 step 4: a
// file polls the penciller asking whether it may physically delete
// itself. It answers true only when work_ongoing=false and the
// manifest's ready_to_delete agrees -- otherwise the caller is expected
// to poll again later.
func (s *Server) ConfirmDelete(filename string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.workOngoing {
		return false, nil
	}
	if !s.mf.ReadyToDelete(filename) {
		return false, nil
	}
	if h, ok := s.pendingDeleteHandles[filename]; ok {
		delete(s.pendingDeleteHandles, filename)
		if err := h.DeleteConfirmed(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// sweepPendingDeletesLocked proactively retries ConfirmDelete's decision
// for every outstanding pending-delete handle, rather than waiting for
// each file to poll on its own -- a file's "keep polling" loop in
// spec.md §4.4 step 4 still works if it calls ConfirmDelete directly,
// but most of the time this sweep resolves it first. Snapshot
// registrations past their deadline are dropped first. Must be called
// with s.mu held.
func (s *Server) sweepPendingDeletesLocked() {
	s.mf.ExpireSnapshots(time.Now())
	if s.workOngoing {
		return
	}
	for filename, h := range s.pendingDeleteHandles {
		if s.mf.ReadyToDelete(filename) {
			delete(s.pendingDeleteHandles, filename)
			if err := h.DeleteConfirmed(); err != nil {
				s.log.Errorf("penciller: delete %s: %v", filename, err)
			}
		}
	}
}

// compactionLoop is the background worker driver: it repeatedly asks for
// work, runs a compaction synchronously when there is any, and backs off
// for Config.MaxCompactionWorkWait otherwise (spec.md §4.4: "the worker
// sleeps and re-asks" when idle). Matches the teacher's pattern of a
// single dedicated background goroutine per long-running duty rather
// than a pool.
func (s *Server) compactionLoop() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.stopWorker:
			return
		default:
		}

		decision, err := s.WorkForClerk()
		if err != nil {
			return // ErrClosed: server is shutting down
		}
		if !decision.HasWork {
			select {
			case <-s.stopWorker:
				return
			case <-time.After(s.cfg.MaxCompactionWorkWait):
			}
			continue
		}

		s.runCompaction(decision.Level)
	}
}

func (s *Server) runCompaction(level int) {
	start := time.Now()
	defer func() { s.metrics.recordCompaction(time.Since(start).Microseconds()) }()

	s.mu.Lock()
	mfClone := s.mf.Clone()
	rng := rand.New(rand.NewSource(s.cfg.Rand.Int63()))
	s.mu.Unlock()

	res := compactor.Run(mfClone, level, rng, s.cfg.FS, s.cfg.sstDir(), s.cfg.manifestDir(), s.nextFileNum, s.cfg.Compression)
	if err := s.ManifestChange(res); err != nil {
		s.log.Errorf("penciller: compaction commit failed: %v", err)
	}
}

// Metrics implements SPEC_FULL.md's Supplemented Features metrics
// snapshot, consumed by pencil/metrics.go's Prometheus collector.
func (s *Server) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m Metrics
	for lvl := 0; lvl < manifest.MaxLevels; lvl++ {
		m.LevelSizes[lvl] = len(s.mf.Levels[lvl])
	}
	m.CacheSize = s.cache.Size()
	m.ManifestSQN = s.mf.ManifestSQN
	m.LedgerSQN = s.ledgerSQN
	m.PersistedSQN = s.persistedSQN
	m.SnapshotCount = len(s.mf.Snapshots)
	m.PendingDeletes = len(s.mf.PendingDeletes)
	return m
}

// Close implements spec.md §6's `close`/§5's cancellation rule:
// best-effort shutdown. If no L0 flush is pending and the cache holds
// data, it is flushed synchronously; otherwise the cache is discarded
// (the upstream journal will replay it). Every live SST file handle in
// the manifest is closed. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var flushErr error
	if s.l0 == stateIdle && s.cache.Size() > 0 {
		flushErr = s.flushSyncLocked()
	}
	s.mu.Unlock()

	close(s.stopWorker)
	select {
	case <-s.workerDone:
	case <-time.After(s.cfg.CloseFetchTimeout):
		s.log.Warningf("penciller: compaction worker did not stop within %s", s.cfg.CloseFetchTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for lvl := 0; lvl < manifest.MaxLevels; lvl++ {
		for _, e := range s.mf.Levels[lvl] {
			_ = e.Owner.Close()
		}
	}
	return flushErr
}

// flushSyncLocked is Close's synchronous variant of beginL0FlushLocked:
// spec.md §5 requires the final flush on a controlled shutdown to
// complete before Close returns, unlike the normal asynchronous path.
// Must be called with s.mu held.
func (s *Server) flushSyncLocked() error {
	nBatches := s.cache.NumBatches()
	maxSQN := s.cache.MaxSQN()
	filename := fmt.Sprintf("%d_0_0.sst", s.mf.ManifestSQN+1)
	cache := s.cache

	done := make(chan sstable.L0WriteResult, 1)
	sstable.NewLevelZero(s.cfg.FS, s.cfg.sstDir(), filename, nBatches, func(slot int) ([]keycodec.Record, error) {
		return cache.BatchAt(slot), nil
	}, func(res sstable.L0WriteResult) { done <- res }, maxSQN, s.cfg.Compression)

	var res sstable.L0WriteResult
	select {
	case res = <-done:
	case <-time.After(s.cfg.CloseFetchTimeout):
		return errors.New("penciller: close: L0 flush slot fetch timed out")
	}
	if res.Err != nil {
		return res.Err
	}
	newSQN := s.mf.ManifestSQN + 1
	entry := manifest.Entry{Start: res.Start, End: res.End, Filename: res.Filename, Owner: res.Handle}
	if err := s.mf.Insert(0, entry, newSQN); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

// Doom implements spec.md §6's `doom`: an abrupt teardown that discards
// any unflushed cache outright rather than attempting Close's
// best-effort synchronous flush, then removes every on-disk file this
// penciller owns (SPEC_FULL.md's Supplemented Features: useful for test
// teardown, since a bare Close leaves manifest/SST state behind for the
// next Open to recover). Used when the caller already knows the upstream
// journal will replay everything (e.g. the bookie itself crashed and is
// restarting the penciller fresh on a throwaway directory).
func (s *Server) Doom() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cache.Clear()
	s.mu.Unlock()

	close(s.stopWorker)
	<-s.workerDone

	s.mu.Lock()
	defer s.mu.Unlock()
	for lvl := 0; lvl < manifest.MaxLevels; lvl++ {
		for _, e := range s.mf.Levels[lvl] {
			_ = e.Owner.Close()
		}
	}
	return s.removeAllFilesLocked()
}

// removeAllFilesLocked deletes every file under the manifest and SST
// directories. vfs.FS deliberately exposes only single-file Remove (see
// vfs/vfs.go), so this lists each directory and removes entries one at a
// time rather than relying on a RemoveAll the interface doesn't have.
func (s *Server) removeAllFilesLocked() error {
	for _, dir := range []string{s.cfg.manifestDir(), s.cfg.sstDir()} {
		names, err := s.cfg.FS.List(dir)
		if err != nil {
			return err
		}
		for _, n := range names {
			if err := s.cfg.FS.Remove(s.cfg.FS.PathJoin(dir, n)); err != nil {
				return err
			}
		}
	}
	return nil
}
