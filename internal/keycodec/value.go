package keycodec

// Status marks whether a Value is a live record or a tombstone, and
// carries an optional TTL the way spec.md §3 describes
// ("{active, ttl} or tombstone").
type Status struct {
	Tombstone bool
	TTL       int64 // unix seconds, 0 means no expiry
}

// Value is the opaque payload spec.md §3 describes: an SQN, a status, an
// optional cached hash, and opaque metadata/payload bytes. The core only
// ever reads SQN (via StripToSeqOnly); everything else passes through
// untouched.
type Value struct {
	SQN      uint64
	Status   Status
	Hash     Hash
	Metadata []byte
	Payload  []byte
}

// StripToSeqOnly is the injected accessor spec.md §6 names
// (`strip_to_seqonly(value) → sqn`): the one field the core is allowed to
// read out of an otherwise-opaque Value.
func StripToSeqOnly(v Value) uint64 { return v.SQN }

// Record is a single (Key, Value) pair (spec.md §3).
type Record struct {
	Key   UserKey
	Value Value
}

// Dominance is the result of KeyDominates: which side of a merge-fold
// comparison should be emitted (spec.md §6, key_dominates).
type Dominance int

const (
	// LeftFirst means the left record's key sorts first; neither dominates.
	LeftFirst Dominance = iota
	// RightFirst means the right record's key sorts first; neither dominates.
	RightFirst
	// LeftDominant means both records share a key and the left one has the
	// higher (or equal, with in-memory precedence) SQN and should be kept,
	// discarding the right.
	LeftDominant
	// RightDominant is the symmetric case: the right record wins.
	RightDominant
)

// KeyDominates implements spec.md §6's `key_dominates((k1,v1),(k2,v2))`.
// leftIsMemory indicates the left side is the in-memory cache stream,
// which shadows an SST record of equal-or-lower SQN per spec.md §4.3
// ("in-memory always shadows equal SST keys of lower or equal SQN").
func KeyDominates(left, right Record, leftIsMemory bool) Dominance {
	c := Compare(left.Key, right.Key)
	switch {
	case c < 0:
		return LeftFirst
	case c > 0:
		return RightFirst
	}
	// Same key: resolve by SQN, with the in-memory side winning ties.
	switch {
	case left.Value.SQN > right.Value.SQN:
		return LeftDominant
	case right.Value.SQN > left.Value.SQN:
		return RightDominant
	case leftIsMemory:
		return LeftDominant
	default:
		return RightDominant
	}
}
