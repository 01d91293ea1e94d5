package pencil

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/vfs"
)

func testConfig(fsys vfs.FS) *Config {
	return &Config{
		RootDir:              "root",
		FS:                   fsys,
		MaxTableSize:         1_000_000, // effectively disables auto-flush unless a test overrides it
		Rand:                 rand.New(rand.NewSource(1)),
		MaxCompactionWorkWait: time.Hour, // keep the background loop quiet during assertions
	}
}

func recs(kvs ...string) []keycodec.Record {
	out := make([]keycodec.Record, 0, len(kvs))
	for i, k := range kvs {
		uk := keycodec.UserKey(k)
		out = append(out, keycodec.Record{
			Key:   uk,
			Value: keycodec.Value{SQN: uint64(i + 1), Hash: keycodec.MagicHash(uk), Payload: []byte(k)},
		})
	}
	return out
}

func waitUntil(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true within timeout")
}

func TestOpenCreatesDirectories(t *testing.T) {
	fsys := vfs.NewMem()
	cfg := testConfig(fsys)
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = fsys.List(cfg.manifestDir())
	require.NoError(t, err)
	_, err = fsys.List(cfg.sstDir())
	require.NoError(t, err)
}

func TestPushAndFetchFromCache(t *testing.T) {
	s, err := Open(testConfig(vfs.NewMem()))
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Push(recs("a", "b"))
	require.NoError(t, err)
	require.False(t, res.Returned)

	got, ok, err := s.Fetch(keycodec.UserKey("a"), keycodec.MagicHash(keycodec.UserKey("a")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got.Value.Payload)
}

func TestPushRejectsSQNRegression(t *testing.T) {
	s, err := Open(testConfig(vfs.NewMem()))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Push([]keycodec.Record{{Key: keycodec.UserKey("a"), Value: keycodec.Value{SQN: 10}}})
	require.NoError(t, err)

	_, err = s.Push([]keycodec.Record{{Key: keycodec.UserKey("b"), Value: keycodec.Value{SQN: 3}}})
	require.ErrorIs(t, err, ErrSQNRegression)
}

func TestPushOnClosedServerFails(t *testing.T) {
	s, err := Open(testConfig(vfs.NewMem()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Push(recs("a"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestPushReturnsReturnedWhileFlushing(t *testing.T) {
	s, err := Open(testConfig(vfs.NewMem()))
	require.NoError(t, err)
	defer s.Close()

	s.mu.Lock()
	s.l0 = stateFlushing
	s.mu.Unlock()

	res, err := s.Push(recs("a"))
	require.NoError(t, err)
	require.True(t, res.Returned)
}

func TestPushReturnsReturnedUnderWorkBacklog(t *testing.T) {
	s, err := Open(testConfig(vfs.NewMem()))
	require.NoError(t, err)
	defer s.Close()

	s.mu.Lock()
	s.workBacklog = true
	s.mu.Unlock()

	res, err := s.Push(recs("a"))
	require.NoError(t, err)
	require.True(t, res.Returned)
}

func TestAutoFlushPastThresholdBecomesL0Resident(t *testing.T) {
	fsys := vfs.NewMem()
	cfg := testConfig(fsys)
	cfg.MaxTableSize = 1
	cfg.MaxTableSizeHardLimit = 1
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Push(recs("a", "b", "c"))
	require.NoError(t, err)

	waitUntil(t, func() bool {
		return s.Metrics().LevelSizes[0] == 1
	}, 5*time.Second)

	got, ok, err := s.Fetch(keycodec.UserKey("b"), keycodec.MagicHash(keycodec.UserKey("b")))
	require.NoError(t, err)
	require.True(t, ok, "record must still be reachable once served from the flushed L0 file")
	require.Equal(t, []byte("b"), got.Value.Payload)
	require.Equal(t, 0, s.Metrics().CacheSize, "cache is cleared once the L0 build lands")
}

func TestCloseFlushesPendingCacheSynchronously(t *testing.T) {
	fsys := vfs.NewMem()
	root := "root"
	cfg1 := testConfig(fsys)
	cfg1.RootDir = root
	s1, err := Open(cfg1)
	require.NoError(t, err)

	_, err = s1.Push(recs("a", "b"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	cfg2 := testConfig(fsys)
	cfg2.RootDir = root
	s2, err := Open(cfg2)
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, uint64(2), s2.GetStartupSQN(), "the synchronous close-time flush is durable across reopen")
	require.Equal(t, 1, s2.Metrics().LevelSizes[0])
}

func TestDoomRemovesEveryFileAndIsIdempotent(t *testing.T) {
	fsys := vfs.NewMem()
	root := "root"
	cfg := testConfig(fsys)
	cfg.RootDir = root
	cfg.MaxTableSize = 1
	cfg.MaxTableSizeHardLimit = 1
	s, err := Open(cfg)
	require.NoError(t, err)

	_, err = s.Push(recs("a", "b"))
	require.NoError(t, err)
	waitUntil(t, func() bool { return s.Metrics().LevelSizes[0] == 1 }, 5*time.Second)

	require.NoError(t, s.Doom())
	require.NoError(t, s.Doom(), "Doom is idempotent")

	names, err := fsys.List(cfg.sstDir())
	require.NoError(t, err)
	require.Empty(t, names)
	names, err = fsys.List(cfg.manifestDir())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestWorkForClerkOnClosedServerFails(t *testing.T) {
	s, err := Open(testConfig(vfs.NewMem()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.WorkForClerk()
	require.ErrorIs(t, err, ErrClosed)
}

func TestFetchKeysAcrossLevelAndCache(t *testing.T) {
	fsys := vfs.NewMem()
	cfg := testConfig(fsys)
	cfg.MaxTableSize = 1
	cfg.MaxTableSizeHardLimit = 1
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Push(recs("a", "c"))
	require.NoError(t, err)
	waitUntil(t, func() bool { return s.Metrics().LevelSizes[0] == 1 }, 5*time.Second)

	_, err = s.Push([]keycodec.Record{
		{Key: keycodec.UserKey("b"), Value: keycodec.Value{SQN: 99, Payload: []byte("b")}},
	})
	require.NoError(t, err)

	out, err := s.FetchKeys(keycodec.UserKey("a"), keycodec.UserKey("c"), func(acc interface{}, r keycodec.Record) interface{} {
		return append(acc.([]string), string(r.Key))
	}, []string{}, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, out)
}

func TestConfirmDeleteWithNoPendingEntryIsFalse(t *testing.T) {
	s, err := Open(testConfig(vfs.NewMem()))
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.ConfirmDelete(fmt.Sprintf("nonexistent_%d.sst", 1))
	require.NoError(t, err)
	require.False(t, ok)
}
