// Package reader implements the merged read path of spec.md §4.3: point
// lookup across cache + levels using a hash-gated probe, and range
// iteration across cache + all levels with per-level dominance resolution.
package reader

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/l0cache"
	"github.com/ledgerkv/penciller/internal/manifest"
)

// ErrNotPointLookable is returned by Fetch/CheckSQN when handed
// keycodec.NoLookup (spec.md §4.3 step 1: "If hash = NO_LOOKUP, reject —
// point lookups require a hashable key.").
var ErrNotPointLookable = errors.New("penciller: key is not point-lookable (NO_LOOKUP hash)")

// Logger is the narrow logging surface Fetch uses to report slow probes,
// matching the ambient Logger interface the penciller server exposes
// (see pencil/config.go) without creating an import cycle back to it.
type Logger interface {
	Warningf(format string, args ...interface{})
}

// NopLogger discards everything; used when callers don't care about slow
// fetch logging (e.g. in package-internal tests).
type NopLogger struct{}

func (NopLogger) Warningf(string, ...interface{}) {}

// SlowFetchThreshold is the default spec.md §4.3 names ("~20 ms").
const SlowFetchThreshold = 20 * time.Millisecond

// Fetch implements spec.md §4.3's `fetch(key, hash)`: return the
// highest-SQN live record for key, or "not present".
func Fetch(
	cache *l0cache.Cache,
	mf *manifest.Manifest,
	key keycodec.UserKey,
	hash keycodec.Hash,
	slowThreshold time.Duration,
	log Logger,
) (keycodec.Record, bool, error) {
	if hash.IsNoLookup() {
		return keycodec.Record{}, false, ErrNotPointLookable
	}

	if rec, ok := cache.Get(key, hash); ok {
		return rec, true, nil
	}

	for level := 0; level < manifest.MaxLevels; level++ {
		entry, ok := mf.KeyLookup(level, key)
		if !ok {
			continue
		}
		start := time.Now()
		rec, found := entry.Owner.Get(key, hash)
		if elapsed := time.Since(start); elapsed > slowThreshold && log != nil {
			// key is ledger data, not marked redact.Safe, so it stays
			// redactable; level and elapsed are just probe bookkeeping.
			log.Warningf("penciller: slow fetch of %q on level %d took %s", key, redact.Safe(level), redact.Safe(elapsed))
		}
		if found {
			return rec, true, nil
		}
	}
	return keycodec.Record{}, false, nil
}

// CheckSQN implements spec.md §4.3's `check_sqn(key, hash, sqn)`: true iff
// the live record's SQN <= sqn. A missing key returns false ("assume a
// later tombstone existed").
func CheckSQN(
	cache *l0cache.Cache,
	mf *manifest.Manifest,
	key keycodec.UserKey,
	hash keycodec.Hash,
	sqn uint64,
	slowThreshold time.Duration,
	log Logger,
) (bool, error) {
	rec, found, err := Fetch(cache, mf, key, hash, slowThreshold, log)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return rec.Value.SQN <= sqn, nil
}
