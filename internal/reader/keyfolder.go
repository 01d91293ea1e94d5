package reader

import (
	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/manifest"
	"github.com/ledgerkv/penciller/internal/sstable"
)

// levelStream walks one level's overlapping entries in key order. Since
// L1+ entries are disjoint and sorted (spec.md §3), and L0 holds at most
// one entry, a single active *sstable.Pointer plus an index into the
// entries slice is enough to produce the level's front element — advancing
// to the next entry only when the current one is exhausted.
type levelStream struct {
	entries []manifest.Entry
	idx     int
	ptr     *sstable.Pointer
	start   keycodec.UserKey
	end     keycodec.UserKey
}

func newLevelStream(entries []manifest.Entry, start, end keycodec.UserKey) *levelStream {
	// entries from RangeLookup on an L1+ level are already in Start order
	// (the level itself is sorted); on L0 there is at most one.
	return &levelStream{entries: entries, start: start, end: end}
}

func (s *levelStream) ensurePointer() {
	for s.ptr == nil && s.idx < len(s.entries) {
		e := s.entries[s.idx]
		s.ptr = sstable.NewPointer(e.Owner, s.start, s.end)
		if _, ok := s.ptr.Peek(); !ok {
			s.ptr = nil
			s.idx++
		}
	}
}

// peek returns the smallest unresolved record in this level, without
// consuming it.
func (s *levelStream) peek() (keycodec.Record, bool) {
	s.ensurePointer()
	if s.ptr == nil {
		return keycodec.Record{}, false
	}
	return s.ptr.Peek()
}

// expand pulls up to width concrete records starting at the level's
// current front position (spec.md §4.3 step 4: "expand up to
// ITERATOR_SCANWIDTH=4 at a time to amortize cost") and advancing the
// level past them. Nothing is consumed here: KeyFolder.levelFront buffers
// every returned record, and consumeLevelFront/dropLevelFrontKey remove
// them one at a time.
func (s *levelStream) expand(width int) []keycodec.Record {
	s.ensurePointer()
	if s.ptr == nil {
		return nil
	}
	records, tail := sstable.ExpandPointer(s.ptr, width)
	s.ptr = tail
	if s.ptr == nil {
		s.idx++
	}
	return records
}

// memStream walks the pre-materialized in-memory (cache) record list in
// order.
type memStream struct {
	records []keycodec.Record
	idx     int
}

func (s *memStream) peek() (keycodec.Record, bool) {
	if s.idx >= len(s.records) {
		return keycodec.Record{}, false
	}
	return s.records[s.idx], true
}

func (s *memStream) pop() keycodec.Record {
	r := s.records[s.idx]
	s.idx++
	return r
}

// KeyFolder drives spec.md §4.3's fetch_keys merge: "a k-way merge where,
// at each step, the smallest key among the in-memory stream and the
// per-level front elements is emitted; ties between levels are resolved
// by highest SQN wins, loser is dropped ... ties between in-memory and
// SST resolve via an explicit dominance comparator."
type KeyFolder struct {
	mem        *memStream
	levels     [manifest.MaxLevels]*levelStream
	scanWidth  int
	bufferPool [manifest.MaxLevels][]keycodec.Record // records pulled ahead by expand, awaiting emission
}

// NewKeyFolder builds a folder over the in-memory records (already
// restricted to [start, end], per spec.md §4.3 step 1) and the manifest's
// per-level overlapping entries for the same range.
func NewKeyFolder(memRecords []keycodec.Record, mf *manifest.Manifest, start, end keycodec.UserKey, scanWidth int) *KeyFolder {
	kf := &KeyFolder{mem: &memStream{records: memRecords}, scanWidth: scanWidth}
	for lvl := 0; lvl < manifest.MaxLevels; lvl++ {
		entries := mf.RangeLookup(lvl, start, end)
		kf.levels[lvl] = newLevelStream(entries, start, end)
	}
	return kf
}

func (kf *KeyFolder) levelFront(lvl int) (keycodec.Record, bool) {
	if len(kf.bufferPool[lvl]) > 0 {
		return kf.bufferPool[lvl][0], true
	}
	ls := kf.levels[lvl]
	rec, ok := ls.peek()
	if !ok {
		return keycodec.Record{}, false
	}
	kf.bufferPool[lvl] = ls.expand(kf.scanWidth)
	if len(kf.bufferPool[lvl]) == 0 {
		return keycodec.Record{}, false
	}
	return rec, true
}

func (kf *KeyFolder) consumeLevelFront(lvl int) {
	if len(kf.bufferPool[lvl]) > 0 {
		kf.bufferPool[lvl] = kf.bufferPool[lvl][1:]
	}
}

// dropLevelFrontKey discards the level's current front record only —
// used when it loses a cross-level SQN tie (spec.md: "the loser's key is
// discarded from its level, because it is shadowed").
func (kf *KeyFolder) dropLevelFrontKey(lvl int) {
	kf.consumeLevelFront(lvl)
}

// Next returns the next emitted record in the fold, or false when every
// stream is exhausted. It implements the full dominance resolution of
// spec.md §4.3 step 3.
func (kf *KeyFolder) Next() (keycodec.Record, bool) {
	for {
		// Find the level with the smallest front key, if any.
		bestLevel := -1
		var bestRec keycodec.Record
		for lvl := 0; lvl < manifest.MaxLevels; lvl++ {
			rec, ok := kf.levelFront(lvl)
			if !ok {
				continue
			}
			if bestLevel == -1 || keycodec.Compare(rec.Key, bestRec.Key) < 0 {
				bestLevel = lvl
				bestRec = rec
			}
		}

		memRec, memOK := kf.mem.peek()

		switch {
		case bestLevel == -1 && !memOK:
			return keycodec.Record{}, false
		case bestLevel == -1:
			return kf.mem.pop(), true
		case !memOK:
			return kf.emitLevelWinner(bestLevel, bestRec)
		}

		c := keycodec.Compare(memRec.Key, bestRec.Key)
		switch {
		case c < 0:
			return kf.mem.pop(), true
		case c > 0:
			return kf.emitLevelWinner(bestLevel, bestRec)
		default:
			// Same key in memory and in the SST levels: resolve the
			// levels first (every level's copy is consumed), then
			// in-memory dominates at equal-or-lower SQN (spec.md §4.3).
			lvlRec, _ := kf.emitLevelWinner(bestLevel, bestRec)
			kf.mem.pop()
			if keycodec.KeyDominates(memRec, lvlRec, true) == keycodec.LeftDominant {
				return memRec, true
			}
			// lvlRec has a strictly higher SQN than memRec; the shadowed
			// in-memory record is dropped and the SST one emitted.
			return lvlRec, true
		}
	}
}

// emitLevelWinner checks bestRec against every other level sharing the
// same key and resolves cross-level ties by highest-SQN-wins (spec.md:
// "ties between levels are resolved by highest SQN wins, loser is
// dropped").
func (kf *KeyFolder) emitLevelWinner(bestLevel int, bestRec keycodec.Record) (keycodec.Record, bool) {
	winner := bestRec
	kf.consumeLevelFront(bestLevel)

	for lvl := bestLevel + 1; lvl < manifest.MaxLevels; lvl++ {
		rec, ok := kf.levelFront(lvl)
		if !ok || keycodec.Compare(rec.Key, bestRec.Key) != 0 {
			continue
		}
		// Every level's record for this key is consumed: the highest-SQN
		// one is emitted, the rest are shadowed.
		kf.dropLevelFrontKey(lvl)
		if rec.Value.SQN > winner.Value.SQN {
			winner = rec
		}
	}
	return winner, true
}
