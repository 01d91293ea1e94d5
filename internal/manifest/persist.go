package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/sstable"
	"github.com/ledgerkv/penciller/vfs"
)

// persistedEntry is the on-disk form of an Entry: spec.md §6 says the
// manifest file body contains only `{levels, manifest_sqn, basement}`, and
// a level entry is `{start_key, end_key, filename}` — the live *sstable.Handle
// is not serializable (and not needed: Load reopens it).
type persistedEntry struct {
	Start    []byte
	End      []byte
	Filename string
}

// persistedBody is the serialized form spec.md §6 specifies: "body is a
// serialized manifest record containing only {levels, manifest_sqn,
// basement}" — explicitly excluding the volatile snapshots/pending_deletes
// fields (spec.md §4.1's "Copy for snapshot" blanking applies to the
// in-memory clone; the on-disk form never carries them at all).
type persistedBody struct {
	Levels      [MaxLevels][]persistedEntry
	ManifestSQN uint64
	Basement    int
}

func manifestFilename(sqn uint64, ext string) string {
	return fmt.Sprintf("nonzero_%d.%s", sqn, ext)
}

// GenerationFilename exposes manifestFilename's naming convention to
// callers outside this package (the penciller server needs it to commit
// a compaction worker's .pnd into a .crr without duplicating the format
// string).
func GenerationFilename(sqn uint64, ext string) string {
	return manifestFilename(sqn, ext)
}

// SavePending writes nonzero_<sqn>.pnd without committing it (spec.md
// §4.4 step 2: "writes new SSTs ... persists the new manifest as
// .pnd. It does not rename .pnd -> .crr: that commit step belongs to the
// penciller" per worker.go). Callers that want the full atomic
// write-then-commit in one step should use Save instead.
func (m *Manifest) SavePending(fsys vfs.FS, dir string) error {
	body := persistedBody{ManifestSQN: m.ManifestSQN, Basement: m.Basement}
	// L0 is never persisted (spec.md §4.1): its presence is reconstructed
	// on load by probing the filesystem, not by reading it back out of
	// the manifest body.
	for lvl := 1; lvl < MaxLevels; lvl++ {
		for _, e := range m.Levels[lvl] {
			body.Levels[lvl] = append(body.Levels[lvl], persistedEntry{
				Start:    []byte(e.Start),
				End:      []byte(e.End),
				Filename: e.Filename,
			})
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		return errors.Wrap(err, "manifest: encode")
	}
	crc := crc32.ChecksumIEEE(buf.Bytes())

	var out bytes.Buffer
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out.Write(crcBuf[:])
	out.Write(buf.Bytes())

	pndName := manifestFilename(m.ManifestSQN, "pnd")
	pndPath := fsys.PathJoin(dir, pndName)

	f, err := fsys.Create(pndPath)
	if err != nil {
		return errors.Wrapf(err, "manifest: create %s", pndPath)
	}
	if _, err := f.Write(out.Bytes()); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "manifest: write %s", pndPath)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Save implements spec.md §6's manifest persistence protocol end-to-end:
// write nonzero_<sqn>.pnd, then rename to nonzero_<sqn>.crr — the rename
// is the commit point (spec.md §4.1, §5 "Ordering guarantees"). Used
// wherever a caller owns both halves of the protocol itself (unlike the
// compaction worker, which only ever writes the pending half via
// SavePending).
func (m *Manifest) Save(fsys vfs.FS, dir string) error {
	if err := m.SavePending(fsys, dir); err != nil {
		return err
	}
	pndPath := fsys.PathJoin(dir, manifestFilename(m.ManifestSQN, "pnd"))
	crrPath := fsys.PathJoin(dir, manifestFilename(m.ManifestSQN, "crr"))
	return fsys.Rename(pndPath, crrPath)
}

// candidateGenerations lists every *.crr generation number present in dir,
// sorted highest-first, the order Load tries them in.
func candidateGenerations(fsys vfs.FS, dir string) ([]uint64, error) {
	names, err := fsys.List(dir)
	if err != nil {
		return nil, err
	}
	var gens []uint64
	for _, n := range names {
		if !strings.HasPrefix(n, "nonzero_") || !strings.HasSuffix(n, ".crr") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(n, "nonzero_"), ".crr")
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, num)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	return gens, nil
}

// Load implements spec.md §6/§4.1's manifest open protocol: "list
// directory, extract numeric suffixes of *.crr, try highest first; on CRC
// mismatch fall back to next-highest; if none pass, start from empty."
// sstDir is where Load reopens each entry's SST file handle (spec.md's L0
// files live alongside L1+ files per the §6 on-disk layout). If
// allowEmptyRecovery is false and every candidate fails, Load returns an
// error instead of silently degrading to an empty manifest (DESIGN.md
// Open Question #2).
func Load(fsys vfs.FS, manifestDir, sstDir string, allowEmptyRecovery bool, logf func(format string, args ...interface{})) (*Manifest, error) {
	gens, err := candidateGenerations(fsys, manifestDir)
	if err != nil {
		return nil, err
	}
	for _, gen := range gens {
		m, err := loadGeneration(fsys, manifestDir, sstDir, gen)
		if err == nil {
			return m, nil
		}
		if logf != nil {
			logf("manifest: generation %d failed to load: %v", gen, err)
		}
	}
	if !allowEmptyRecovery && len(gens) > 0 {
		return nil, errors.Newf("manifest: all %d candidate generations failed CRC/decode and empty-manifest recovery is disabled", len(gens))
	}
	// An empty manifest has manifest_sqn 0, so an L0 file written before
	// any generation was committed is probed for as 1_0_0.sst.
	m := New()
	if h, start, end, err := sstable.Open(fsys, sstDir, l0ProbeFilename(0), 0); err == nil {
		m.Levels[0] = append(m.Levels[0], Entry{
			Start:    keycodec.UserKey(start),
			End:      keycodec.UserKey(end),
			Filename: l0ProbeFilename(0),
			Owner:    h,
		})
	}
	return m, nil
}

func loadGeneration(fsys vfs.FS, manifestDir, sstDir string, gen uint64) (*Manifest, error) {
	path := fsys.PathJoin(manifestDir, manifestFilename(gen, "crr"))
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, errors.New("manifest: truncated file")
	}
	wantCRC := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, errors.New("manifest: CRC mismatch")
	}
	var pb persistedBody
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&pb); err != nil {
		return nil, errors.Wrap(err, "manifest: decode")
	}

	m := New()
	m.ManifestSQN = pb.ManifestSQN
	m.Basement = pb.Basement
	for lvl := 0; lvl < MaxLevels; lvl++ {
		for _, pe := range pb.Levels[lvl] {
			h, start, end, err := sstable.Open(fsys, sstDir, pe.Filename, lvl)
			if err != nil {
				return nil, errors.Wrapf(err, "manifest: reopen %s", pe.Filename)
			}
			m.Levels[lvl] = append(m.Levels[lvl], Entry{
				Start:    keycodec.UserKey(start),
				End:      keycodec.UserKey(end),
				Filename: pe.Filename,
				Owner:    h,
			})
		}
	}
	// L0 is not persisted in the manifest body (spec.md §4.1); its
	// presence is detected by probing for <manifest_sqn+1>_0_0.sst.
	if h, start, end, err := sstable.Open(fsys, sstDir, l0ProbeFilename(pb.ManifestSQN), 0); err == nil {
		m.Levels[0] = append(m.Levels[0], Entry{
			Start:    keycodec.UserKey(start),
			End:      keycodec.UserKey(end),
			Filename: l0ProbeFilename(pb.ManifestSQN),
			Owner:    h,
		})
	}
	return m, nil
}

// l0ProbeFilename implements spec.md §4.1's L0 detection convention:
// "L0 presence is detected by probing the filesystem for a file named
// <manifest_sqn+1>_0_0.sst".
func l0ProbeFilename(manifestSQN uint64) string {
	return fmt.Sprintf("%d_0_0.sst", manifestSQN+1)
}

// PruneOldGenerations deletes every *.crr/*.pnd generation strictly older
// than keep, the opt-in GC spec.md §3 allows ("older files may be
// garbage-collected but aren't required for correctness"). Never called
// automatically — see SPEC_FULL.md's Supplemented Features.
func PruneOldGenerations(fsys vfs.FS, dir string, keep uint64) error {
	names, err := fsys.List(dir)
	if err != nil {
		return err
	}
	for _, n := range names {
		var gen uint64
		var ext string
		switch {
		case strings.HasSuffix(n, ".crr"):
			ext = "crr"
		case strings.HasSuffix(n, ".pnd"):
			ext = "pnd"
		default:
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(n, "nonzero_"), "."+ext)
		gen, err = strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if gen < keep {
			if err := fsys.Remove(fsys.PathJoin(dir, n)); err != nil {
				return err
			}
		}
	}
	return nil
}
