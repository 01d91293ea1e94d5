package sstable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/vfs"
)

func TestMergeHighestSQNDedupesAndSorts(t *testing.T) {
	out := MergeHighestSQN([]keycodec.Record{rec("c", 1), rec("a", 5), rec("a", 2), rec("b", 1)})
	require.Len(t, out, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{string(out[0].Key), string(out[1].Key), string(out[2].Key)})
	require.Equal(t, uint64(5), out[0].Value.SQN)
}

func TestNewLevelZeroPullsSlotsAndNotifiesOnce(t *testing.T) {
	fsys := vfs.NewMem()
	batches := [][]keycodec.Record{
		{rec("b", 1)},
		{rec("a", 1)},
	}
	fetch := func(slot int) ([]keycodec.Record, error) {
		return batches[slot], nil
	}

	var mu sync.Mutex
	var result L0WriteResult
	done := make(chan struct{})
	notify := func(r L0WriteResult) {
		mu.Lock()
		result = r
		mu.Unlock()
		close(done)
	}

	NewLevelZero(fsys, "sst", "l0.sst", len(batches), fetch, notify, 1, NoCompression)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notify was never called")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, result.Err)
	require.Equal(t, "l0.sst", result.Filename)
	require.Equal(t, "a", string(result.Start))
	require.Equal(t, "b", string(result.End))
	require.NotNil(t, result.Handle)
}

func TestNewLevelZeroPropagatesFetchError(t *testing.T) {
	fsys := vfs.NewMem()
	boom := require.New(t)
	fetch := func(slot int) ([]keycodec.Record, error) {
		return nil, errTestFetch
	}
	done := make(chan L0WriteResult, 1)
	NewLevelZero(fsys, "sst", "l0.sst", 1, fetch, func(r L0WriteResult) { done <- r }, 1, NoCompression)

	select {
	case r := <-done:
		boom.Error(r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("notify was never called")
	}
}

var errTestFetch = errTest("fetch failed")

type errTest string

func (e errTest) Error() string { return string(e) }
