package sstable

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/vfs"
)

// New implements spec.md §6's `sst_new(root, filename, level, kv_list,
// max_sqn) → (handle, start_key, end_key)`: a synchronous write of a new
// SST file. kvs need not be pre-sorted; New sorts and de-duplicates to the
// highest-SQN record per key, since spec.md §3 requires "within any single
// SST file a key appears at most once".
func New(
	fsys vfs.FS,
	dir, filename string,
	level int,
	kvs []keycodec.Record,
	maxSQN uint64,
	compression Compression,
) (*Handle, keycodec.UserKey, keycodec.UserKey, error) {
	records := dedupeHighestSQN(kvs)
	if len(records) == 0 {
		return nil, nil, nil, errors.New("sstable: refusing to write an empty file")
	}

	path := fsys.PathJoin(dir, filename)
	data, err := encodeFile(records, compression)
	if err != nil {
		return nil, nil, nil, err
	}
	f, err := fsys.Create(path)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "sstable: create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, nil, nil, errors.Wrapf(err, "sstable: write %s", path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, nil, nil, err
	}
	if err := f.Close(); err != nil {
		return nil, nil, nil, err
	}

	h := &Handle{fs: fsys, path: path, level: level, records: records, maxSQN: maxSQN}
	return h, h.StartKey(), h.EndKey(), nil
}

// MergeHighestSQN sorts kvs by key and collapses duplicate keys to the
// highest-SQN record, the rule spec.md §3 requires within a single SST
// file and that compaction must re-establish when merging multiple
// source files.
func MergeHighestSQN(kvs []keycodec.Record) []keycodec.Record {
	return dedupeHighestSQN(kvs)
}

func dedupeHighestSQN(kvs []keycodec.Record) []keycodec.Record {
	if len(kvs) == 0 {
		return nil
	}
	sorted := make([]keycodec.Record, len(kvs))
	copy(sorted, kvs)
	sort.Slice(sorted, func(i, j int) bool {
		c := keycodec.Compare(sorted[i].Key, sorted[j].Key)
		if c != 0 {
			return c < 0
		}
		return sorted[i].Value.SQN > sorted[j].Value.SQN
	})
	out := sorted[:0:0]
	for i, r := range sorted {
		if i == 0 || keycodec.Compare(r.Key, sorted[i-1].Key) != 0 {
			out = append(out, r)
		}
	}
	return out
}

// SlotFetchFunc pulls one L0 cache batch's worth of records, the way
// spec.md §4.2 describes ("The writer reads cache batches one slot at a
// time via a callback to avoid a single large transfer.").
type SlotFetchFunc func(slot int) ([]keycodec.Record, error)

// L0WriteResult is what NotifyFunc receives on completion (spec.md §4.2:
// "(filename, start_key, end_key)").
type L0WriteResult struct {
	Filename string
	Start    keycodec.UserKey
	End      keycodec.UserKey
	Handle   *Handle
	Err      error
}

// NotifyFunc is called exactly once, from the writer goroutine, with the
// outcome of an asynchronous L0 build.
type NotifyFunc func(L0WriteResult)

// NewLevelZero implements spec.md §6's
// `sst_newlevelzero(root, filename, n_batches, fetch_fn, notify, max_sqn)`:
// an asynchronous L0 build. The call returns at once and the build runs in
// its own goroutine, so the penciller may call it while holding its lock,
// matching the cyclic-reference design in spec.md §9 (the writer pulls
// slots from the penciller via callback while the penciller awaits
// completion via notify).
func NewLevelZero(
	fsys vfs.FS,
	dir, filename string,
	nBatches int,
	fetch SlotFetchFunc,
	notify NotifyFunc,
	maxSQN uint64,
	compression Compression,
) {
	go func() {
		var all []keycodec.Record
		for i := 0; i < nBatches; i++ {
			batch, err := fetch(i)
			if err != nil {
				notify(L0WriteResult{Err: errors.Wrapf(err, "sstable: fetch slot %d", i)})
				return
			}
			all = append(all, batch...)
		}
		h, start, end, err := New(fsys, dir, filename, 0, all, maxSQN, compression)
		if err != nil {
			notify(L0WriteResult{Err: err})
			return
		}
		notify(L0WriteResult{Filename: filename, Start: start, End: end, Handle: h})
	}()
}
