// Package manifest implements the leveled manifest of spec.md §4.1: the
// authoritative mapping from level to ordered set of sorted files, its
// persistence, generation counter, pending-delete set, and snapshot
// registry.
package manifest

import (
	"sort"

	"golang.org/x/exp/slices"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/sstable"
)

// MaxLevels is the number of levels the manifest tracks (L0..L7, spec.md
// §3).
const MaxLevels = 8

// Entry is a manifest entry (spec.md §3): `{start_key, end_key, filename,
// owner}`, inclusive on both ends.
type Entry struct {
	Start    keycodec.UserKey
	End      keycodec.UserKey
	Filename string
	Owner    *sstable.Handle
}

func (e Entry) contains(key keycodec.UserKey) bool {
	return keycodec.Compare(key, e.Start) >= 0 && keycodec.Compare(key, e.End) <= 0
}

func (e Entry) overlaps(start, end keycodec.UserKey) bool {
	return keycodec.Compare(e.Start, end) <= 0 && keycodec.Compare(e.End, start) >= 0
}

// Level is an ordered sequence of manifest entries (spec.md §3). L0 may
// hold at most one entry with an unconstrained range; L1+ entries are
// disjoint and sorted by Start.
type Level []Entry

// clone returns a shallow copy of the level slice (entries themselves,
// including their *sstable.Handle, are shared — only the slice header is
// copied). Used by Manifest.Clone for snapshotting.
func (l Level) clone() Level {
	if l == nil {
		return nil
	}
	out := make(Level, len(l))
	copy(out, l)
	return out
}

func (l Level) sortByStart() {
	sort.Slice(l, func(i, j int) bool {
		return keycodec.Compare(l[i].Start, l[j].Start) < 0
	})
}

// keyLookupLevel implements manifest.key_lookup for one level. L1+ entries
// are disjoint and sorted, so a binary search on Start followed by a
// boundary check suffices; L0 (at most one entry, unconstrained range) is
// scanned directly — both paths share this function since a linear scan
// of a 0-or-1-entry L0 costs nothing extra.
func keyLookupLevel(level Level, levelNum int, key keycodec.UserKey) (Entry, bool) {
	if levelNum == 0 {
		for _, e := range level {
			if e.contains(key) {
				return e, true
			}
		}
		return Entry{}, false
	}
	i, found := slices.BinarySearchFunc(level, key, func(e Entry, k keycodec.UserKey) int {
		return keycodec.Compare(e.Start, k)
	})
	if found {
		return level[i], true
	}
	// i is the insertion point: the entry that might contain key, if any,
	// is the one immediately before it.
	if i == 0 {
		return Entry{}, false
	}
	candidate := level[i-1]
	if candidate.contains(key) {
		return candidate, true
	}
	return Entry{}, false
}

// rangeLookupLevel implements manifest.range_lookup for one level: every
// entry whose range intersects [start, end].
func rangeLookupLevel(level Level, start, end keycodec.UserKey) []Entry {
	var out []Entry
	for _, e := range level {
		if e.overlaps(start, end) {
			out = append(out, e)
		}
	}
	return out
}
