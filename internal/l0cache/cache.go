package l0cache

import (
	"sort"

	"github.com/ledgerkv/penciller/internal/keycodec"
)

// Batch is one pushed, immutable snapshot: spec.md §3's `(tree_i, index_i,
// min_sqn_i, max_sqn_i)`. "tree" in the source design is a sorted
// in-memory structure; here it is simply a sorted slice, since the cache
// is capped at a few thousand batches of bounded size (spec.md §4.2's
// MaxTableSize/hard ceiling).
type Batch struct {
	Records []keycodec.Record // sorted by key
	MinSQN  uint64
	MaxSQN  uint64
}

// Cache is the L0 cache of spec.md §4.2: "An ordered list of up to a few
// immutable pushed batches ... newest-first, plus a merged 256-bucket
// hash-position index."
type Cache struct {
	batches []Batch // batches[0] is newest
	index   *HashIndex
	size    int
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{index: newHashIndex()}
}

// Push appends a new batch to the front of the cache (spec.md §4.2:
// "each successful push prepends a new batch tuple") and folds its
// lookable keys into the merged hash index. records need not be
// pre-sorted.
func (c *Cache) Push(records []keycodec.Record) {
	sorted := make([]keycodec.Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return keycodec.Compare(sorted[i].Key, sorted[j].Key) < 0
	})

	var min, max uint64
	if len(sorted) > 0 {
		min, max = sorted[0].Value.SQN, sorted[0].Value.SQN
		for _, r := range sorted[1:] {
			if r.Value.SQN < min {
				min = r.Value.SQN
			}
			if r.Value.SQN > max {
				max = r.Value.SQN
			}
		}
	}

	// The new batch goes to slice index 0 (newest first), but its index
	// position is len(batches)-1, counted from the oldest end. Rather than
	// renumber every indexed entry on each push (expensive), positions stay
	// fixed and BatchAt maps a position to its slice index.
	c.batches = append([]Batch{{Records: sorted, MinSQN: min, MaxSQN: max}}, c.batches...)
	c.index.addBatch(len(c.batches)-1, sorted) // position counted from the oldest end, stable across pushes
	c.size += len(sorted)
}

// Size returns the total number of records across all batches (spec.md
// §4.2's `S`).
func (c *Cache) Size() int { return c.size }

// NumBatches returns the batch count, used by the L0 writer
// (sst_newlevelzero's n_batches).
func (c *Cache) NumBatches() int { return len(c.batches) }

// BatchAt returns the records of the i-th oldest batch — the indexing
// convention the hash index's "position" uses, and the slot numbering
// sst_newlevelzero's fetch_fn(i) callback expects.
func (c *Cache) BatchAt(i int) []keycodec.Record {
	// batches is newest-first; position i (oldest-relative, assigned at
	// push time) maps to slice index len(batches)-1-i.
	idx := len(c.batches) - 1 - i
	if idx < 0 || idx >= len(c.batches) {
		return nil
	}
	return c.batches[idx].Records
}

// Clear empties the cache (spec.md §4.2: "clears the cache and hash
// index" on L0 writer completion).
func (c *Cache) Clear() {
	c.batches = nil
	c.index.reset()
	c.size = 0
}

// Get implements the cache-probe step of spec.md §4.3's fetch: "Probe the
// L0 cache's hash index: for each position the bucket returns, consult
// that batch's tree. First hit wins — within the cache newest-first order
// already implies highest SQN."
func (c *Cache) Get(key keycodec.UserKey, hash keycodec.Hash) (keycodec.Record, bool) {
	candidates := c.index.candidates(hash)
	if len(candidates) == 0 {
		return keycodec.Record{}, false
	}
	// Newest-first: scan positions from the highest (most recently
	// pushed) downward so the first confirmed match is the dominant one.
	best := -1
	for _, cand := range candidates {
		if keycodec.Compare(cand.key, key) != 0 {
			continue
		}
		if cand.position > best {
			best = cand.position
		}
	}
	if best < 0 {
		return keycodec.Record{}, false
	}
	records := c.BatchAt(best)
	i := sort.Search(len(records), func(i int) bool {
		return keycodec.Compare(records[i].Key, key) >= 0
	})
	if i < len(records) && keycodec.Compare(records[i].Key, key) == 0 {
		return records[i], true
	}
	return keycodec.Record{}, false
}

// Fold materializes every batch into a single sorted sequence restricted
// to [start, end], applying highest-SQN-wins across batches for duplicate
// keys (spec.md §4.3 step 1: "Materialize the cache into a single sorted
// sequence restricted to [start, end]."). This is also how a `{start,
// end}` snapshot pre-materializes its `levelzero_astree` (spec.md §4.6).
func (c *Cache) Fold(start, end keycodec.UserKey) []keycodec.Record {
	best := make(map[string]keycodec.Record)
	var order []string
	for _, b := range c.batches {
		lo := sort.Search(len(b.Records), func(i int) bool {
			return keycodec.Compare(b.Records[i].Key, start) >= 0
		})
		hi := sort.Search(len(b.Records), func(i int) bool {
			return keycodec.Compare(b.Records[i].Key, end) > 0
		})
		for _, r := range b.Records[lo:hi] {
			k := string(r.Key)
			if existing, ok := best[k]; !ok {
				order = append(order, k)
				best[k] = r
			} else if r.Value.SQN > existing.Value.SQN {
				best[k] = r
			}
		}
	}
	sort.Strings(order)
	out := make([]keycodec.Record, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// Clone performs the full-clone snapshot copy of spec.md §4.6's
// `undefined` registration mode: copy manifest, fold the cache into a
// clone of the L0 cache and index. Batches are immutable once pushed, so
// sharing the underlying slices is safe; only the batches slice header
// and the index are duplicated.
func (c *Cache) Clone() *Cache {
	out := &Cache{
		batches: append([]Batch(nil), c.batches...),
		index:   newHashIndex(),
		size:    c.size,
	}
	for i := range out.batches {
		pos := len(out.batches) - 1 - i
		out.index.addBatch(pos, out.batches[i].Records)
	}
	return out
}

// CloneNoIndex is the `no_lookup` snapshot mode's cheaper clone (spec.md
// §4.6): batches are shared exactly as Clone does, but the hash index is
// left empty, since a no_lookup snapshot only ever serves range folds
// and building the index would be wasted work.
func (c *Cache) CloneNoIndex() *Cache {
	return &Cache{
		batches: append([]Batch(nil), c.batches...),
		index:   newHashIndex(),
		size:    c.size,
	}
}

// MaxSQN returns the highest SQN across every batch, or 0 if empty.
func (c *Cache) MaxSQN() uint64 {
	var max uint64
	for _, b := range c.batches {
		if b.MaxSQN > max {
			max = b.MaxSQN
		}
	}
	return max
}
