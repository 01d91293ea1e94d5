package reader

import (
	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/manifest"
)

// AccFunc accumulates one folded record into a caller-owned result,
// spec.md §4.3's `acc_fn`.
type AccFunc func(acc interface{}, rec keycodec.Record) interface{}

// FetchKeys implements spec.md §4.3's `fetch_keys(start, end, acc_fn,
// init, max)`. max = -1 means unbounded; max = 1 implements
// fetch_next_key when start is the successor of the previous result.
// memRecords is the caller's already-materialized cache fold (spec.md
// §4.3 step 1) — callers hold the *l0cache.Cache (or a snapshot's frozen
// substitute), not this package, so Fold is their responsibility.
func FetchKeys(
	memRecords []keycodec.Record,
	mf *manifest.Manifest,
	start, end keycodec.UserKey,
	acc AccFunc,
	init interface{},
	max int,
	scanWidth int,
) interface{} {
	kf := NewKeyFolder(memRecords, mf, start, end, scanWidth)

	result := init
	count := 0
	for {
		if max >= 0 && count >= max {
			return result
		}
		rec, ok := kf.Next()
		if !ok {
			return result
		}
		if keycodec.EndKeyPassed(end, rec.Key) {
			return result
		}
		result = acc(result, rec)
		count++
	}
}

// FetchNextKey implements spec.md §4.3's `fetch_next_key`: FetchKeys with
// max=1, returning the single record found (if any).
func FetchNextKey(memRecords []keycodec.Record, mf *manifest.Manifest, start, end keycodec.UserKey, scanWidth int) (keycodec.Record, bool) {
	type box struct {
		rec   keycodec.Record
		found bool
	}
	out := FetchKeys(memRecords, mf, start, end, func(acc interface{}, rec keycodec.Record) interface{} {
		return box{rec: rec, found: true}
	}, box{}, 1, scanWidth).(box)
	return out.rec, out.found
}
