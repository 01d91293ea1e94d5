package compactor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/manifest"
	"github.com/ledgerkv/penciller/internal/sstable"
	"github.com/ledgerkv/penciller/vfs"
)

func writeSST(t *testing.T, fsys vfs.FS, dir, filename string, level int, kvs map[string]uint64) *sstable.Handle {
	t.Helper()
	var recs []keycodec.Record
	for k, sqn := range kvs {
		uk := keycodec.UserKey(k)
		recs = append(recs, keycodec.Record{Key: uk, Value: keycodec.Value{SQN: sqn, Hash: keycodec.MagicHash(uk)}})
	}
	h, _, _, err := sstable.New(fsys, dir, filename, level, recs, 0, sstable.NoCompression)
	require.NoError(t, err)
	return h
}

func TestRunMergesOverlappingLevelsAndRemovesSources(t *testing.T) {
	fsys := vfs.NewMem()
	const sstDir, manifestDir = "sst", "manifest"

	mf := manifest.New()
	victim := writeSST(t, fsys, sstDir, "v.sst", 0, map[string]uint64{"b": 10, "d": 1})
	require.NoError(t, mf.Insert(0, manifest.Entry{
		Start: keycodec.UserKey("b"), End: keycodec.UserKey("d"), Filename: "v.sst", Owner: victim,
	}, 1))

	target := writeSST(t, fsys, sstDir, "t.sst", 1, map[string]uint64{"b": 2, "c": 5})
	require.NoError(t, mf.Insert(1, manifest.Entry{
		Start: keycodec.UserKey("b"), End: keycodec.UserKey("c"), Filename: "t.sst", Owner: target,
	}, 2))

	var fileCounter uint64
	nextFileNum := func() uint64 { fileCounter++; return fileCounter }

	rng := rand.New(rand.NewSource(1))
	res := Run(mf.Clone(), 0, rng, fsys, sstDir, manifestDir, nextFileNum, sstable.NoCompression)

	require.NoError(t, res.Err)
	require.Equal(t, 0, res.Level)
	require.Len(t, res.RemovedEntries, 2, "victim plus one overlapping target entry")
	require.Len(t, res.Manifest.Levels[0], 0, "L0 source consumed")
	require.Len(t, res.Manifest.Levels[1], 1, "merged into a single new L1 file")

	newEntry := res.Manifest.Levels[1][0]
	recs := newEntry.Owner.AllRecords()
	byKey := make(map[string]uint64, len(recs))
	for _, r := range recs {
		byKey[string(r.Key)] = r.Value.SQN
	}
	require.Equal(t, uint64(10), byKey["b"], "higher sqn from the L0 victim wins over the L1 target's")
	require.Equal(t, uint64(1), byKey["d"])
	require.Equal(t, uint64(5), byKey["c"])
}

func TestRunWithNoOverlappingTargetEntriesPromotesVictimAlone(t *testing.T) {
	fsys := vfs.NewMem()
	const sstDir, manifestDir = "sst", "manifest"

	mf := manifest.New()
	uk := keycodec.UserKey("a")
	victim := writeSST(t, fsys, sstDir, "v.sst", 1, map[string]uint64{"a": 1})
	require.NoError(t, mf.Insert(1, manifest.Entry{Start: uk, End: uk, Filename: "v.sst", Owner: victim}, 1))

	var fileCounter uint64
	nextFileNum := func() uint64 { fileCounter++; return fileCounter }
	rng := rand.New(rand.NewSource(2))
	res := Run(mf.Clone(), 1, rng, fsys, sstDir, manifestDir, nextFileNum, sstable.NoCompression)

	require.NoError(t, res.Err)
	require.Len(t, res.Manifest.Levels[2], 1, "victim promoted into the empty target level")
	require.Empty(t, res.Manifest.Levels[1])
}

func TestRunReturnsErrorWhenLevelHasNoEntries(t *testing.T) {
	fsys := vfs.NewMem()
	mf := manifest.New()
	rng := rand.New(rand.NewSource(3))
	res := Run(mf.Clone(), 1, rng, fsys, "sst", "manifest", func() uint64 { return 1 }, sstable.NoCompression)
	require.Error(t, res.Err)
}
