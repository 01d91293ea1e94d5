package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/sstable"
	"github.com/ledgerkv/penciller/vfs"
)

func writeSST(t *testing.T, fsys vfs.FS, dir, filename string, level int, keys ...string) *sstable.Handle {
	t.Helper()
	recs := make([]keycodec.Record, len(keys))
	for i, k := range keys {
		uk := keycodec.UserKey(k)
		recs[i] = keycodec.Record{Key: uk, Value: keycodec.Value{SQN: uint64(i + 1), Hash: keycodec.MagicHash(uk)}}
	}
	h, _, _, err := sstable.New(fsys, dir, filename, level, recs, uint64(len(keys)), sstable.NoCompression)
	require.NoError(t, err)
	return h
}

func TestSavePendingLeavesPndUncommitted(t *testing.T) {
	fsys := vfs.NewMem()
	const manifestDir = "manifest"

	m := New()
	m.ManifestSQN = 7
	require.NoError(t, m.SavePending(fsys, manifestDir))

	names, err := fsys.List(manifestDir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{manifestFilename(7, "pnd")}, names, "SavePending must not rename to .crr")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	fsys := vfs.NewMem()
	const manifestDir, sstDir = "manifest", "sst"

	m := New()
	h1 := writeSST(t, fsys, sstDir, "l1-a.sst", 1, "a", "b")
	require.NoError(t, m.Insert(1, Entry{Start: keycodec.UserKey("a"), End: keycodec.UserKey("b"), Filename: "l1-a.sst", Owner: h1}, 3))

	require.NoError(t, m.Save(fsys, manifestDir))

	loaded, err := Load(fsys, manifestDir, sstDir, false, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), loaded.ManifestSQN)
	require.Len(t, loaded.Levels[1], 1)
	require.Equal(t, "l1-a.sst", loaded.Levels[1][0].Filename)
	require.Equal(t, "a", string(loaded.Levels[1][0].Start))
}

func TestLoadL0IsNotPersistedButDetectedByProbe(t *testing.T) {
	fsys := vfs.NewMem()
	const manifestDir, sstDir = "manifest", "sst"

	m := New()
	require.NoError(t, m.Save(fsys, manifestDir)) // ManifestSQN starts at 0

	// L0 presence is detected by probing for <manifest_sqn+1>_0_0.sst.
	writeSST(t, fsys, sstDir, l0ProbeFilename(0), 0, "x")

	loaded, err := Load(fsys, manifestDir, sstDir, false, nil)
	require.NoError(t, err)
	require.Len(t, loaded.Levels[0], 1)
	require.Equal(t, l0ProbeFilename(0), loaded.Levels[0][0].Filename)
}

func TestLoadFallsBackOnCRCMismatch(t *testing.T) {
	fsys := vfs.NewMem()
	const manifestDir, sstDir = "manifest", "sst"

	good := New()
	require.NoError(t, good.Save(fsys, manifestDir))

	bad := New()
	bad.ManifestSQN = 1
	require.NoError(t, bad.Save(fsys, manifestDir))

	// Corrupt the higher-generation file's body so its CRC no longer matches.
	path := fsys.PathJoin(manifestDir, manifestFilename(1, "crr"))
	f, err := fsys.Open(path)
	require.NoError(t, err)
	data := make([]byte, 64)
	n, _ := f.Read(data)
	_ = f.Close()
	require.NoError(t, fsys.Remove(path))
	data[n-1] ^= 0xFF
	w, err := fsys.Create(path)
	require.NoError(t, err)
	_, err = w.Write(data[:n])
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var failed []uint64
	loaded, err := Load(fsys, manifestDir, sstDir, true, func(format string, args ...interface{}) {
		failed = append(failed, args[0].(uint64))
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), loaded.ManifestSQN, "falls back to the next-highest good generation")
	require.Equal(t, []uint64{1}, failed)
}

func TestLoadWithNoCandidatesAndEmptyRecoveryDisabledStillReturnsEmpty(t *testing.T) {
	fsys := vfs.NewMem()
	loaded, err := Load(fsys, "manifest", "sst", false, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), loaded.ManifestSQN)
}

func TestPruneOldGenerationsDeletesOnlyOlderThanKeep(t *testing.T) {
	fsys := vfs.NewMem()
	const dir = "manifest"

	for _, sqn := range []uint64{1, 2, 3} {
		m := New()
		m.ManifestSQN = sqn
		require.NoError(t, m.Save(fsys, dir))
	}

	require.NoError(t, PruneOldGenerations(fsys, dir, 3))

	names, err := fsys.List(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{manifestFilename(3, "crr")}, names)
}
