// Package l0cache implements the L0 cache of spec.md §4.2: a staging
// buffer of pushed batches plus a hash index, which converts to a single
// L0 file when saturated.
package l0cache

import "github.com/ledgerkv/penciller/internal/keycodec"

// indexEntry is one element of a hash bucket: spec.md §3's "(cache_position,
// key_hint)" — cache_position is counted from the oldest batch (position 0
// is the first batch pushed, and a position stays stable across later
// pushes; Cache.BatchAt maps it to the slice index), key_hint is the full
// key so a hash collision can be resolved without touching the batch's
// tree.
type indexEntry struct {
	position int
	key      keycodec.UserKey
}

// HashIndex is the cache's "merged 256-bucket hash-position index"
// (spec.md §3).
type HashIndex struct {
	buckets [keycodec.IndexBuckets][]indexEntry
}

func newHashIndex() *HashIndex {
	return &HashIndex{}
}

// addBatch records every lookable key in a newly pushed batch at the
// given position. Non-lookable keys (NoLookup) are never indexed — they
// can only be found via range scan, per spec.md §3.
func (h *HashIndex) addBatch(position int, records []keycodec.Record) {
	for _, r := range records {
		if r.Value.Hash.IsNoLookup() {
			continue
		}
		b := r.Value.Hash.Bucket()
		h.buckets[b] = append(h.buckets[b], indexEntry{position: position, key: r.Key})
	}
}

// reset clears every bucket. Cache batches are "destroyed when their batch
// has been folded into a written L0 file" (spec.md §3); since a folded
// cache is always folded in its entirety (the whole cache becomes one L0
// file, spec.md §4.2), the index never needs partial eviction — only a
// full reset.
func (h *HashIndex) reset() {
	for i := range h.buckets {
		h.buckets[i] = nil
	}
}

// candidates returns every (position, key) pair recorded in hash's
// bucket, for the caller to confirm against.
func (h *HashIndex) candidates(hash keycodec.Hash) []indexEntry {
	b := hash.Bucket()
	if b < 0 {
		return nil
	}
	return h.buckets[b]
}
