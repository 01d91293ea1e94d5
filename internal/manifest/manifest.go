package manifest

import (
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ledgerkv/penciller/internal/keycodec"
)

// SnapshotRegistration is one entry in Manifest.Snapshots (spec.md §3:
// "(holder_id, observed_manifest_sqn, deadline)").
type SnapshotRegistration struct {
	HolderID    string
	ObservedSQN uint64
	Deadline    time.Time
}

// Manifest is `{levels[0..7], manifest_sqn, snapshots, pending_deletes,
// basement}` (spec.md §3). All mutating operations are pure
// transformations returning a new logical state (implemented here as
// in-place mutation of a single owned Manifest value, since the penciller
// server is the manifest's sole owner per spec.md §3 "Ownership" and there
// is never a concurrent mutator to race against); persistence is explicit
// via Save.
type Manifest struct {
	Levels         [MaxLevels]Level
	ManifestSQN    uint64
	Basement       int
	Snapshots      []SnapshotRegistration
	PendingDeletes map[string]uint64 // filename -> manifest_sqn at which it was superseded
	minSnapshotSQN uint64
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{PendingDeletes: make(map[string]uint64)}
}

func (m *Manifest) recomputeBasement() {
	for lvl := MaxLevels - 1; lvl >= 0; lvl-- {
		if len(m.Levels[lvl]) > 0 {
			m.Basement = lvl
			return
		}
	}
	m.Basement = 0
}

// KeyLookup implements spec.md §4.1's `key_lookup(level, key) → file_handle
// | none`.
func (m *Manifest) KeyLookup(level int, key keycodec.UserKey) (Entry, bool) {
	return keyLookupLevel(m.Levels[level], level, key)
}

// RangeLookup implements spec.md §4.1's `range_lookup(level, start_key,
// end_key) → [file_handle]`.
func (m *Manifest) RangeLookup(level int, start, end keycodec.UserKey) []Entry {
	return rangeLookupLevel(m.Levels[level], start, end)
}

// Level0Present reports whether L0 already holds an entry, the gate used
// by the L0 admission state machine (spec.md §4.2: `free =
// ¬manifest.level0_present()`).
func (m *Manifest) Level0Present() bool {
	return len(m.Levels[0]) > 0
}

// Insert implements spec.md §4.1's `insert(level, entry, new_sqn)`: for
// L0, this simply appends (L0 holds at most one entry — callers are
// expected to only insert into an empty L0, see spec.md §3's L0
// invariant). For L1+, the entry is inserted and the level is re-sorted by
// Start.
func (m *Manifest) Insert(level int, entry Entry, newSQN uint64) error {
	if level == 0 && len(m.Levels[0]) > 0 {
		return errors.New("manifest: L0 already holds an entry")
	}
	m.Levels[level] = append(m.Levels[level], entry)
	if level != 0 {
		m.Levels[level].sortByStart()
	}
	if level > m.Basement {
		m.Basement = level
	}
	m.ManifestSQN = newSQN
	return nil
}

// Remove implements spec.md §4.1's `remove(level, entry_or_contiguous_entries,
// new_sqn)`: removes the contiguous run starting at the entry whose Start
// equals firstStart and spanning count entries, marks each filename
// pending-delete at newSQN, and recomputes Basement.
func (m *Manifest) Remove(level int, firstStart keycodec.UserKey, count int, newSQN uint64) error {
	lvl := m.Levels[level]
	idx := -1
	for i, e := range lvl {
		if keycodec.Compare(e.Start, firstStart) == 0 {
			idx = i
			break
		}
	}
	if idx < 0 || idx+count > len(lvl) {
		return errors.Newf("manifest: remove: no contiguous run of %d starting at given key on level %d", count, level)
	}
	removed := lvl[idx : idx+count]
	for _, e := range removed {
		m.PendingDeletes[e.Filename] = newSQN
	}
	m.Levels[level] = append(append(Level{}, lvl[:idx]...), lvl[idx+count:]...)
	m.recomputeBasement()
	m.ManifestSQN = newSQN
	return nil
}

// Switch implements spec.md §4.1's `switch(src_level, entry, new_sqn)`:
// move entry from src to src+1 without marking it pending-delete (the file
// is being promoted, not superseded).
func (m *Manifest) Switch(src int, entry Entry, newSQN uint64) error {
	lvl := m.Levels[src]
	idx := -1
	for i, e := range lvl {
		if e.Filename == entry.Filename {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Newf("manifest: switch: entry %s not found on level %d", entry.Filename, src)
	}
	m.Levels[src] = append(append(Level{}, lvl[:idx]...), lvl[idx+1:]...)
	return m.Insert(src+1, entry, newSQN)
}

// LevelThreshold implements spec.md §3's target size: `8^n` for n >= 1, 1
// for L0.
func LevelThreshold(level int) int {
	if level == 0 {
		return 1
	}
	t := 1
	for i := 0; i < level; i++ {
		t *= 8
	}
	return t
}

// CheckForWork implements spec.md §4.1's `check_for_work(thresholds) →
// ([levels_over], total_excess)`.
func (m *Manifest) CheckForWork() (overLevels []int, totalExcess int) {
	for lvl := 0; lvl < MaxLevels; lvl++ {
		threshold := LevelThreshold(lvl)
		n := len(m.Levels[lvl])
		if n > threshold {
			overLevels = append(overLevels, lvl)
			totalExcess += n - threshold
		}
	}
	return overLevels, totalExcess
}

// MergefileSelector implements spec.md §4.1's `mergefile_selector(level) →
// entry`: a uniformly random victim, to avoid worst-case accumulation
// under adversarial write patterns (spec.md §9). rng is owned by the
// caller (one per penciller, per spec.md §9's reproducibility note).
func (m *Manifest) MergefileSelector(level int, rng *rand.Rand) (Entry, error) {
	lvl := m.Levels[level]
	if len(lvl) == 0 {
		return Entry{}, errors.Newf("manifest: no entries to compact on level %d", level)
	}
	return lvl[rng.Intn(len(lvl))], nil
}

// AddSnapshot implements spec.md §4.1's `add_snapshot(holder, timeout)`.
func (m *Manifest) AddSnapshot(holder string, timeout time.Duration, now time.Time) {
	m.Snapshots = append(m.Snapshots, SnapshotRegistration{
		HolderID:    holder,
		ObservedSQN: m.ManifestSQN,
		Deadline:    now.Add(timeout),
	})
	m.recomputeMinSnapshotSQN()
}

// ReleaseSnapshot implements spec.md §4.1's `release_snapshot(holder)`.
func (m *Manifest) ReleaseSnapshot(holder string) {
	out := m.Snapshots[:0]
	for _, s := range m.Snapshots {
		if s.HolderID != holder {
			out = append(out, s)
		}
	}
	m.Snapshots = out
	m.recomputeMinSnapshotSQN()
}

// ExpireSnapshots drops any snapshot registrations whose deadline has
// passed (spec.md §7: "Snapshot deadline exceeded — silently removed from
// the snapshot set").
func (m *Manifest) ExpireSnapshots(now time.Time) {
	out := m.Snapshots[:0]
	for _, s := range m.Snapshots {
		if now.Before(s.Deadline) {
			out = append(out, s)
		}
	}
	m.Snapshots = out
	m.recomputeMinSnapshotSQN()
}

func (m *Manifest) recomputeMinSnapshotSQN() {
	if len(m.Snapshots) == 0 {
		m.minSnapshotSQN = 0
		return
	}
	min := m.Snapshots[0].ObservedSQN
	for _, s := range m.Snapshots[1:] {
		if s.ObservedSQN < min {
			min = s.ObservedSQN
		}
	}
	m.minSnapshotSQN = min
}

// MinSnapshotSQN returns the minimum observed_manifest_sqn across live
// snapshots, or 0 if none are registered.
func (m *Manifest) MinSnapshotSQN() uint64 { return m.minSnapshotSQN }

// ReadyToDelete implements spec.md §4.1's `ready_to_delete(filename) →
// bool`: false if filename is not in pending_deletes; otherwise true when
// no snapshot is registered or min_snapshot_sqn >= pending_deletes[filename].
// On true, the entry is removed from pending_deletes.
func (m *Manifest) ReadyToDelete(filename string) bool {
	sqn, ok := m.PendingDeletes[filename]
	if !ok {
		return false
	}
	if len(m.Snapshots) > 0 && m.minSnapshotSQN < sqn {
		return false
	}
	delete(m.PendingDeletes, filename)
	return true
}

// Clone returns a copy of the manifest's levels and generation counter
// suitable for either a compaction worker snapshot (which needs the live
// levels but must not see or mutate global fields) or a client snapshot
// (spec.md §4.1 "Copy for snapshot": "a snapshot receives a copy with
// snapshots and pending_deletes blanked out"). Entry slices are copied;
// *sstable.Handle values are shared, since handles are reference-counted
// by the pending-delete mechanism, not by the Go copy itself.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		ManifestSQN:    m.ManifestSQN,
		Basement:       m.Basement,
		PendingDeletes: make(map[string]uint64),
	}
	for lvl := 0; lvl < MaxLevels; lvl++ {
		out.Levels[lvl] = m.Levels[lvl].clone()
	}
	return out
}

// MergeCompactionResult folds a compaction worker's returned manifest
// (built from a Clone, per spec.md §4.4 step 2) back into the live
// manifest: spec.md §4.4 step 3, "The penciller merges the new manifest
// with its own (copying over snapshots/pending_deletes which the worker's
// copy lacked)". The worker's levels/basement/manifest_sqn are taken as
// authoritative (they reflect the committed compaction); snapshots and
// pending_deletes, which the worker's clone never had, are preserved from
// the live manifest plus whatever new pending-deletes the compaction
// itself produced.
func (m *Manifest) MergeCompactionResult(worker *Manifest) {
	for lvl := 0; lvl < MaxLevels; lvl++ {
		m.Levels[lvl] = worker.Levels[lvl]
	}
	m.Basement = worker.Basement
	m.ManifestSQN = worker.ManifestSQN
	for fn, sqn := range worker.PendingDeletes {
		m.PendingDeletes[fn] = sqn
	}
}
