package keycodec

import "github.com/cespare/xxhash/v2"

// IndexBuckets is the fixed bucket count of the L0 cache's merged
// hash-position index (spec.md §3, "merged 256-bucket hash-position
// index").
const IndexBuckets = 256

// MagicHash computes the point-lookup hash for key, using xxhash as the
// teacher's own go.mod dependency for fast non-cryptographic hashing
// (cespare/xxhash/v2). A zero-length key is treated as not point-lookable,
// matching the NO_LOOKUP convention for index-only entries that have no
// natural hashable user key.
func MagicHash(key UserKey) Hash {
	if len(key) == 0 {
		return NoLookup
	}
	return Lookup(uint32(xxhash.Sum64(key)))
}

// Bucket maps a lookable hash to its slot in the L0 cache's hash-position
// index.
func (h Hash) Bucket() int {
	v, ok := h.Value()
	if !ok {
		return -1
	}
	return int(v % IndexBuckets)
}
