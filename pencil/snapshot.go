package pencil

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ledgerkv/penciller/internal/l0cache"
	"github.com/ledgerkv/penciller/internal/manifest"
	"github.com/ledgerkv/penciller/internal/reader"
	"github.com/ledgerkv/penciller/internal/keycodec"
)

// SnapshotMode selects one of spec.md §4.6's three registration modes.
type SnapshotMode int

const (
	// SnapshotFull is the `undefined` mode: full clone, point + range.
	SnapshotFull SnapshotMode = iota
	// SnapshotNoLookup is the range-only clone without a hash index.
	SnapshotNoLookup
	// SnapshotRange is the `{start, end}` pre-materialized range clone.
	SnapshotRange
)

// ErrSnapshotNotPointLookable is returned by Fetch/CheckSQN on a snapshot
// registered in SnapshotNoLookup or SnapshotRange mode (spec.md §4.6:
// "the clone cannot service point lookups").
var ErrSnapshotNotPointLookable = errors.New("penciller: snapshot mode does not support point lookup")

// Snapshot is a consistent, point-in-time view of the penciller (spec.md
// §4.6): a clone seeded from a copy of the manifest plus either a clone
// of the L0 cache or a pre-materialized range fold. It holds no locks on
// the parent; once registered it is entirely independent, and its files
// stay alive via the parent's pending-delete protocol until Release (or
// deadline expiry) drops its manifest_sqn pin.
type Snapshot struct {
	server   *Server
	holderID string
	mode     SnapshotMode

	mf *manifest.Manifest

	// cache backs SnapshotFull/SnapshotNoLookup; memRecords backs
	// SnapshotRange (pre-materialized, no live Cache object at all).
	cache      *l0cache.Cache
	memRecords []keycodec.Record

	scanWidth     int
	slowThreshold time.Duration
	log           reader.Logger

	released bool
}

// RegisterSnapshot implements spec.md §6's `register_snapshot`. mode
// selects one of the three clone strategies; start/end are only consulted
// for SnapshotRange. timeout is the caller-chosen deadline; callers
// wanting the "long-running" class pass Config.LongRunningSnapshotTimeout
// explicitly rather than this method picking one for them.
func (s *Server) RegisterSnapshot(mode SnapshotMode, start, end keycodec.UserKey, timeout time.Duration) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	holder := uuid.NewString()
	snap := &Snapshot{
		server:        s,
		holderID:      holder,
		mode:          mode,
		mf:            s.mf.Clone(),
		scanWidth:     s.cfg.IteratorScanWidth,
		slowThreshold: s.cfg.SlowFetchThreshold,
		log:           s.log,
	}
	switch mode {
	case SnapshotFull:
		snap.cache = s.cache.Clone()
	case SnapshotNoLookup:
		snap.cache = s.cache.CloneNoIndex()
	case SnapshotRange:
		snap.memRecords = s.cache.Fold(start, end)
	default:
		return nil, errors.Newf("penciller: unknown snapshot mode %d", mode)
	}

	s.mf.AddSnapshot(holder, timeout, time.Now())
	return snap, nil
}

// Fetch implements spec.md §4.3's `fetch(key, hash)` against the
// snapshot's frozen view. Only SnapshotFull supports point lookup.
func (sn *Snapshot) Fetch(key keycodec.UserKey, hash keycodec.Hash) (keycodec.Record, bool, error) {
	if sn.mode != SnapshotFull {
		return keycodec.Record{}, false, ErrSnapshotNotPointLookable
	}
	return reader.Fetch(sn.cache, sn.mf, key, hash, sn.slowThreshold, sn.log)
}

// CheckSQN implements spec.md §4.3's `check_sqn` against the snapshot.
func (sn *Snapshot) CheckSQN(key keycodec.UserKey, hash keycodec.Hash, sqn uint64) (bool, error) {
	if sn.mode != SnapshotFull {
		return false, ErrSnapshotNotPointLookable
	}
	return reader.CheckSQN(sn.cache, sn.mf, key, hash, sqn, sn.slowThreshold, sn.log)
}

// FetchKeys implements spec.md §4.3's `fetch_keys` against the snapshot.
// All three modes support range folds.
func (sn *Snapshot) FetchKeys(start, end keycodec.UserKey, acc reader.AccFunc, init interface{}, max int) interface{} {
	return reader.FetchKeys(sn.memoryFold(start, end), sn.mf, start, end, acc, init, max, sn.scanWidth)
}

// FetchNextKey implements spec.md §4.3's `fetch_next_key` against the
// snapshot.
func (sn *Snapshot) FetchNextKey(start, end keycodec.UserKey) (keycodec.Record, bool) {
	return reader.FetchNextKey(sn.memoryFold(start, end), sn.mf, start, end, sn.scanWidth)
}

// memoryFold returns the in-memory records relevant to [start, end]: the
// pre-materialized slice for SnapshotRange (already folded at
// registration time, independent of the requested window), or a fresh
// Fold of the cloned cache otherwise.
func (sn *Snapshot) memoryFold(start, end keycodec.UserKey) []keycodec.Record {
	if sn.mode == SnapshotRange {
		return sn.memRecords
	}
	return sn.cache.Fold(start, end)
}

// Release implements spec.md §6's `release_snapshot`: drops the pin on
// the parent's manifest_sqn, which may make previously-superseded files
// immediately ready_to_delete.
func (sn *Snapshot) Release() {
	sn.server.ReleaseSnapshot(sn.holderID)
}

// ReleaseSnapshot implements spec.md §4.1's `release_snapshot(holder)` at
// the server level; Snapshot.Release is the usual entry point but the raw
// holder ID is exposed for callers recovering a snapshot registration
// across a restart boundary (e.g. a long-running export job resuming
// after a crash, already holding the ID it registered with).
func (s *Server) ReleaseSnapshot(holderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mf.ReleaseSnapshot(holderID)
	s.sweepPendingDeletesLocked()
}
