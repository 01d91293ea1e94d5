package sstable

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/vfs"
)

// Open implements spec.md §6's `sst_open(root, filename) → (handle,
// start_key, end_key)`.
func Open(fsys vfs.FS, dir, filename string, level int) (*Handle, keycodec.UserKey, keycodec.UserKey, error) {
	path := fsys.PathJoin(dir, filename)
	f, err := fsys.Open(path)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "sstable: open %s", path)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "sstable: read %s", path)
	}
	records, err := decodeFile(data)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "sstable: decode %s", path)
	}
	var maxSQN uint64
	for _, r := range records {
		if r.Value.SQN > maxSQN {
			maxSQN = r.Value.SQN
		}
	}
	h := &Handle{fs: fsys, path: path, level: level, records: records, maxSQN: maxSQN}
	return h, h.StartKey(), h.EndKey(), nil
}

// Pointer is the lazy per-level front element spec.md §4.3 describes for
// fetch_keys: "Per-level front elements are lazy pointers; resolving a
// pointer may fault in a block and produce several concrete records."
// Here "faulting in a block" means reading the next width records out of
// the handle's already-loaded slice, since this stand-in keeps a whole
// file in memory rather than paging blocks off disk.
type Pointer struct {
	handle *Handle
	end    keycodec.UserKey
	next   int // index into handle.records of the next unresolved record
}

// NewPointer seeds a lazy pointer over h's records, bounded by the query
// range's end key.
func NewPointer(h *Handle, start, end keycodec.UserKey) *Pointer {
	p := &Pointer{handle: h, end: end}
	for p.next < len(h.records) && keycodec.Compare(h.records[p.next].Key, start) < 0 {
		p.next++
	}
	return p
}

// Peek returns the first still-unresolved record without consuming it, or
// false if the pointer is exhausted.
func (p *Pointer) Peek() (keycodec.Record, bool) {
	if p == nil || p.next >= len(p.handle.records) {
		return keycodec.Record{}, false
	}
	r := p.handle.records[p.next]
	if p.end != nil && keycodec.EndKeyPassed(p.end, r.Key) {
		return keycodec.Record{}, false
	}
	return r, true
}

// ExpandPointer implements spec.md §6's `sst_expand_pointer(pointer, tail,
// width)`: it materializes up to width concrete records starting at the
// pointer's current position ("expand up to ITERATOR_SCANWIDTH=4 at a time
// to amortize cost", spec.md §4.3), advancing the pointer past them, and
// returns the expanded records plus the (possibly now-exhausted) tail
// pointer for the remaining records.
func ExpandPointer(p *Pointer, width int) ([]keycodec.Record, *Pointer) {
	if p == nil {
		return nil, nil
	}
	out := make([]keycodec.Record, 0, width)
	for len(out) < width {
		r, ok := p.Peek()
		if !ok {
			return out, nil
		}
		out = append(out, r)
		p.next++
	}
	if _, ok := p.Peek(); !ok {
		return out, nil
	}
	return out, p
}
