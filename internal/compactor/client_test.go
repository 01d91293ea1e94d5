package compactor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/internal/manifest"
)

func TestDecideNoWorkWhenWithinThresholds(t *testing.T) {
	mf := manifest.New()
	d := Decide(mf)
	require.False(t, d.HasWork)
	require.False(t, d.Backlog)
}

func TestDecideDispatchesFirstOverflowLevelWithoutBacklog(t *testing.T) {
	mf := manifest.New()
	for i := 0; i < 9; i++ { // L1 threshold is 8
		k := keycodec.UserKey(string(rune('a' + i)))
		require.NoError(t, mf.Insert(1, manifest.Entry{Start: k, End: k, Filename: "f"}, uint64(i+1)))
	}
	d := Decide(mf)
	require.True(t, d.HasWork)
	require.Equal(t, 1, d.Level)
	require.False(t, d.Backlog, "excess of 1 is within tolerance")
}

func TestDecideSetsBacklogPastTolerance(t *testing.T) {
	mf := manifest.New()
	for i := 0; i < 14; i++ { // excess = 6, past WorkQueueBacklogTolerance(4)
		k := keycodec.UserKey(string(rune('a' + i)))
		require.NoError(t, mf.Insert(1, manifest.Entry{Start: k, End: k, Filename: "f"}, uint64(i+1)))
	}
	d := Decide(mf)
	require.True(t, d.HasWork)
	require.True(t, d.Backlog)
}
