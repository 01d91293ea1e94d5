// Package keycodec implements the key/value codec that spec.md §1 lists as
// out of core scope ("key codec details: magic hash, tombstone encoding,
// end-of-range comparison") but which the core must link against to be a
// runnable module. It is deliberately small and concrete, mirroring how the
// teacher links against its own internal/base rather than leaving key
// comparison abstract.
package keycodec

import "bytes"

// UserKey is the opaque, totally-ordered byte-string key spec.md §3 describes.
type UserKey []byte

// Compare returns -1, 0, or 1 the way bytes.Compare does. This is the one
// total order the reader (§4.3) and manifest (§4.1) require.
func Compare(a, b UserKey) int {
	return bytes.Compare(a, b)
}

// rangeTailSentinel is a 0xFF tail byte for sentinel-suffixed upper bounds
// (spec.md §3, "end-of-range comparison using sentinel components"). No
// code in this module uses it: range bounds are inclusive end keys checked
// with EndKeyPassed, and no key is ever suffixed with the sentinel.
const rangeTailSentinel = 0xff

// EndKeyPassed reports whether probe has advanced beyond end, for the
// half-open range upper bound convention used by fetch_keys (spec.md
// §4.3). end is inclusive; EndKeyPassed(end, probe) is true iff probe
// sorts strictly after end.
func EndKeyPassed(end, probe UserKey) bool {
	return Compare(probe, end) > 0
}

// Hash is the result of MagicHash: either a 32-bit lookup hash, or the
// NoLookup sentinel meaning the key is not point-lookable (spec.md §3,
// e.g. index entries).
type Hash struct {
	value    uint32
	lookable bool
}

// NoLookup is the hash value of a key whose codec declines to hash it.
var NoLookup = Hash{}

// Lookup constructs a lookable hash.
func Lookup(v uint32) Hash { return Hash{value: v, lookable: true} }

// IsNoLookup reports whether h is the NoLookup sentinel.
func (h Hash) IsNoLookup() bool { return !h.lookable }

// Value returns the 32-bit hash and whether it is meaningful.
func (h Hash) Value() (uint32, bool) { return h.value, h.lookable }

func (h Hash) String() string {
	if !h.lookable {
		return "NoLookup"
	}
	return "Hash"
}
