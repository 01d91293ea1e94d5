// Package sstable is a concrete stand-in for the sorted-string-table
// collaborator spec.md §1 places out of core scope ("the sorted-string-table
// (SST) file implementation: block layout, bloom filters, block cache").
// The core only depends on the interface in spec.md §6
// (sst_new/sst_open/sst_get/...); this package gives that interface a
// working, on-disk-backed implementation so the penciller is a runnable
// module rather than one built against an interface with no body.
//
// It intentionally skips the teacher's block layout, bloom filters, and
// block cache — those are the parts spec.md explicitly excludes — but
// reuses the teacher's compression dependency set (golang/snappy,
// DataDog/zstd, klauspost/compress) so a real block codec could be dropped
// in without touching the penciller core.
package sstable

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/vfs"
)

// Compression selects the block codec used when persisting a file. Every
// codec the teacher's go.mod carries is wired to a value here.
type Compression int

const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
	FlateCompression // via klauspost/compress
)

// Handle is an open SST file: spec.md §6's opaque `handle` returned by
// sst_new/sst_open, held strongly by the manifest and weakly (but pinning)
// by snapshots.
type Handle struct {
	fs      vfs.FS
	path    string
	level   int
	records []keycodec.Record // sorted by key; at most one per key
	maxSQN  uint64
	closed  bool
}

// StartKey returns the smallest key in the file.
func (h *Handle) StartKey() keycodec.UserKey {
	if len(h.records) == 0 {
		return nil
	}
	return h.records[0].Key
}

// EndKey returns the largest key in the file.
func (h *Handle) EndKey() keycodec.UserKey {
	if len(h.records) == 0 {
		return nil
	}
	return h.records[len(h.records)-1].Key
}

// MaxSQN implements sst_max_sqn.
func (h *Handle) MaxSQN() uint64 { return h.maxSQN }

// Path returns the on-disk filename backing this handle.
func (h *Handle) Path() string { return h.path }

// Get implements sst_get: point lookup within this one file.
//
// hash is accepted for interface parity with spec.md §6 (a real block-level
// implementation would use it to skip a bloom filter check); this
// in-memory stand-in does a binary search directly.
func (h *Handle) Get(key keycodec.UserKey, _ keycodec.Hash) (keycodec.Record, bool) {
	i := sort.Search(len(h.records), func(i int) bool {
		return keycodec.Compare(h.records[i].Key, key) >= 0
	})
	if i < len(h.records) && keycodec.Compare(h.records[i].Key, key) == 0 {
		return h.records[i], true
	}
	return keycodec.Record{}, false
}

// RangeLookup returns the slice of records in [start, end], inclusive on
// both ends per spec.md §3's manifest entry convention.
func (h *Handle) RangeLookup(start, end keycodec.UserKey) []keycodec.Record {
	lo := sort.Search(len(h.records), func(i int) bool {
		return keycodec.Compare(h.records[i].Key, start) >= 0
	})
	hi := sort.Search(len(h.records), func(i int) bool {
		return keycodec.Compare(h.records[i].Key, end) > 0
	})
	if lo >= hi {
		return nil
	}
	out := make([]keycodec.Record, hi-lo)
	copy(out, h.records[lo:hi])
	return out
}

// AllRecords returns every record in the file, in sorted order. Used by
// the compactor to merge a whole file's contents rather than a bounded
// range (spec.md §4.4: "merges them into a new set of files").
func (h *Handle) AllRecords() []keycodec.Record {
	out := make([]keycodec.Record, len(h.records))
	copy(out, h.records)
	return out
}

// Close implements sst_close. Idempotent.
func (h *Handle) Close() error {
	h.closed = true
	return nil
}

// DeleteConfirmed implements sst_delete_confirmed: the manifest's
// pending-delete protocol has established no live manifest or snapshot
// still needs this file, so its backing storage may be physically removed.
func (h *Handle) DeleteConfirmed() error {
	if !h.closed {
		if err := h.Close(); err != nil {
			return err
		}
	}
	return h.fs.Remove(h.path)
}

// wireRecord is the on-disk encoding of a Record; gob needs exported
// fields, and UserKey/Value carry unexported internals (Hash), so the
// format is flattened here rather than gob-encoding keycodec types
// directly.
type wireRecord struct {
	Key       []byte
	SQN       uint64
	Tombstone bool
	TTL       int64
	HasHash   bool
	HashValue uint32
	Metadata  []byte
	Payload   []byte
}

func toWire(r keycodec.Record) wireRecord {
	hv, ok := r.Value.Hash.Value()
	return wireRecord{
		Key:       r.Key,
		SQN:       r.Value.SQN,
		Tombstone: r.Value.Status.Tombstone,
		TTL:       r.Value.Status.TTL,
		HasHash:   ok,
		HashValue: hv,
		Metadata:  r.Value.Metadata,
		Payload:   r.Value.Payload,
	}
}

func fromWire(w wireRecord) keycodec.Record {
	h := keycodec.NoLookup
	if w.HasHash {
		h = keycodec.Lookup(w.HashValue)
	}
	return keycodec.Record{
		Key: keycodec.UserKey(w.Key),
		Value: keycodec.Value{
			SQN:      w.SQN,
			Status:   keycodec.Status{Tombstone: w.Tombstone, TTL: w.TTL},
			Hash:     h,
			Metadata: w.Metadata,
			Payload:  w.Payload,
		},
	}
}

const fileMagic = "PNCLSST1"

func encodeFile(records []keycodec.Record, compression Compression) ([]byte, error) {
	wire := make([]wireRecord, len(records))
	for i, r := range records {
		wire[i] = toWire(r)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, errors.Wrap(err, "sstable: encode")
	}
	body, err := compress(buf.Bytes(), compression)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(fileMagic)+1+4+4+len(body))
	out = append(out, []byte(fileMagic)...)
	out = append(out, byte(compression))
	crc := crc32.ChecksumIEEE(body)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	return out, nil
}

func decodeFile(data []byte) ([]keycodec.Record, error) {
	if len(data) < len(fileMagic)+1+4+4 || string(data[:len(fileMagic)]) != fileMagic {
		return nil, errors.New("sstable: corrupt file header")
	}
	off := len(fileMagic)
	compression := Compression(data[off])
	off++
	crc := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	n := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if uint32(len(data)-off) < n {
		return nil, errors.New("sstable: truncated file body")
	}
	body := data[off : off+int(n)]
	if crc32.ChecksumIEEE(body) != crc {
		return nil, errors.New("sstable: body checksum mismatch")
	}
	raw, err := decompress(body, compression)
	if err != nil {
		return nil, err
	}
	var wire []wireRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wire); err != nil {
		return nil, errors.Wrap(err, "sstable: decode")
	}
	records := make([]keycodec.Record, len(wire))
	for i, w := range wire {
		records[i] = fromWire(w)
	}
	return records, nil
}
