package reader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/l0cache"
	"github.com/ledgerkv/penciller/internal/manifest"
	"github.com/ledgerkv/penciller/internal/sstable"
	"github.com/ledgerkv/penciller/vfs"
)

func rec(key string, sqn uint64) keycodec.Record {
	uk := keycodec.UserKey(key)
	return keycodec.Record{Key: uk, Value: keycodec.Value{SQN: sqn, Hash: keycodec.MagicHash(uk)}}
}

func TestFetchRejectsNoLookupHash(t *testing.T) {
	_, _, err := Fetch(l0cache.New(), manifest.New(), keycodec.UserKey("a"), keycodec.NoLookup, time.Second, NopLogger{})
	require.ErrorIs(t, err, ErrNotPointLookable)
}

func TestFetchPrefersCacheOverLevels(t *testing.T) {
	fsys := vfs.NewMem()
	h, _, _, err := sstable.New(fsys, "sst", "f.sst", 1, []keycodec.Record{rec("a", 1)}, 1, sstable.NoCompression)
	require.NoError(t, err)
	mf := manifest.New()
	require.NoError(t, mf.Insert(1, manifest.Entry{Start: keycodec.UserKey("a"), End: keycodec.UserKey("a"), Filename: "f.sst", Owner: h}, 1))

	cache := l0cache.New()
	cache.Push([]keycodec.Record{rec("a", 5)})

	got, ok, err := Fetch(cache, mf, keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")), time.Second, NopLogger{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), got.Value.SQN)
}

func TestFetchFallsThroughToLevelsWhenCacheMisses(t *testing.T) {
	fsys := vfs.NewMem()
	h, _, _, err := sstable.New(fsys, "sst", "f.sst", 1, []keycodec.Record{rec("a", 1)}, 1, sstable.NoCompression)
	require.NoError(t, err)
	mf := manifest.New()
	require.NoError(t, mf.Insert(1, manifest.Entry{Start: keycodec.UserKey("a"), End: keycodec.UserKey("a"), Filename: "f.sst", Owner: h}, 1))

	got, ok, err := Fetch(l0cache.New(), mf, keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")), time.Second, NopLogger{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Value.SQN)
}

func TestFetchNotFound(t *testing.T) {
	_, ok, err := Fetch(l0cache.New(), manifest.New(), keycodec.UserKey("missing"), keycodec.MagicHash(keycodec.UserKey("missing")), time.Second, NopLogger{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckSQN(t *testing.T) {
	cache := l0cache.New()
	cache.Push([]keycodec.Record{rec("a", 7)})
	mf := manifest.New()

	ok, err := CheckSQN(cache, mf, keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")), 10, time.Second, NopLogger{})
	require.NoError(t, err)
	require.True(t, ok, "live sqn 7 <= 10")

	ok, err = CheckSQN(cache, mf, keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")), 3, time.Second, NopLogger{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckSQNMissingKeyIsFalse(t *testing.T) {
	ok, err := CheckSQN(l0cache.New(), manifest.New(), keycodec.UserKey("missing"), keycodec.MagicHash(keycodec.UserKey("missing")), 100, time.Second, NopLogger{})
	require.NoError(t, err)
	require.False(t, ok)
}
