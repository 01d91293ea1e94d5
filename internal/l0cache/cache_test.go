package l0cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
)

func mkRec(key string, sqn uint64) keycodec.Record {
	k := keycodec.UserKey(key)
	return keycodec.Record{Key: k, Value: keycodec.Value{SQN: sqn, Hash: keycodec.MagicHash(k)}}
}

func TestCachePushAndGet(t *testing.T) {
	c := New()
	c.Push([]keycodec.Record{mkRec("b", 1), mkRec("a", 1)})

	rec, ok := c.Get(keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")))
	require.True(t, ok)
	require.Equal(t, uint64(1), rec.Value.SQN)

	_, ok = c.Get(keycodec.UserKey("z"), keycodec.MagicHash(keycodec.UserKey("z")))
	require.False(t, ok)
}

func TestCacheGetNewestBatchWins(t *testing.T) {
	c := New()
	c.Push([]keycodec.Record{mkRec("a", 1)})
	c.Push([]keycodec.Record{mkRec("a", 2)})

	rec, ok := c.Get(keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")))
	require.True(t, ok)
	require.Equal(t, uint64(2), rec.Value.SQN)
}

func TestCacheSizeAndClear(t *testing.T) {
	c := New()
	c.Push([]keycodec.Record{mkRec("a", 1), mkRec("b", 1)})
	require.Equal(t, 2, c.Size())
	require.Equal(t, 1, c.NumBatches())

	c.Clear()
	require.Equal(t, 0, c.Size())
	require.Equal(t, 0, c.NumBatches())
	_, ok := c.Get(keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")))
	require.False(t, ok)
}

func TestCacheFoldDedupesHighestSQNWithinRange(t *testing.T) {
	c := New()
	c.Push([]keycodec.Record{mkRec("a", 1), mkRec("m", 1), mkRec("z", 1)})
	c.Push([]keycodec.Record{mkRec("a", 5)})

	out := c.Fold(keycodec.UserKey("a"), keycodec.UserKey("m"))
	require.Len(t, out, 2)
	require.Equal(t, "a", string(out[0].Key))
	require.Equal(t, uint64(5), out[0].Value.SQN)
	require.Equal(t, "m", string(out[1].Key))
}

func TestCacheBatchAtOrderingAcrossPushes(t *testing.T) {
	c := New()
	c.Push([]keycodec.Record{mkRec("first", 1)})
	c.Push([]keycodec.Record{mkRec("second", 2)})
	c.Push([]keycodec.Record{mkRec("third", 3)})

	// Position is assigned oldest-first and is stable across later pushes.
	require.Equal(t, "first", string(c.BatchAt(0)[0].Key))
	require.Equal(t, "second", string(c.BatchAt(1)[0].Key))
	require.Equal(t, "third", string(c.BatchAt(2)[0].Key))
}

func TestCacheCloneIsIndependent(t *testing.T) {
	c := New()
	c.Push([]keycodec.Record{mkRec("a", 1)})
	clone := c.Clone()

	c.Push([]keycodec.Record{mkRec("b", 1)})
	require.Equal(t, 1, clone.Size())
	require.Equal(t, 2, c.Size())

	_, ok := clone.Get(keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")))
	require.True(t, ok)
}

func TestCacheCloneNoIndexServesRangeNotPoint(t *testing.T) {
	c := New()
	c.Push([]keycodec.Record{mkRec("a", 1), mkRec("b", 1)})
	clone := c.CloneNoIndex()

	_, ok := clone.Get(keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")))
	require.False(t, ok, "no-index clone must not serve point lookups")

	out := clone.Fold(keycodec.UserKey("a"), keycodec.UserKey("z"))
	require.Len(t, out, 2)
}

func TestCacheMaxSQN(t *testing.T) {
	c := New()
	require.Equal(t, uint64(0), c.MaxSQN())
	c.Push([]keycodec.Record{mkRec("a", 3), mkRec("b", 7)})
	c.Push([]keycodec.Record{mkRec("c", 2)})
	require.Equal(t, uint64(7), c.MaxSQN())
}
