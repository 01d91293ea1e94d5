package sstable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/vfs"
)

func TestPointerPeekAndBounds(t *testing.T) {
	fsys := vfs.NewMem()
	h, _, _, err := New(fsys, "sst", "f.sst", 1, []keycodec.Record{rec("a", 1), rec("b", 1), rec("c", 1), rec("d", 1)}, 1, NoCompression)
	require.NoError(t, err)

	p := NewPointer(h, keycodec.UserKey("b"), keycodec.UserKey("c"))
	r, ok := p.Peek()
	require.True(t, ok)
	require.Equal(t, "b", string(r.Key))

	recs, tail := ExpandPointer(p, 4)
	require.Len(t, recs, 2, "expand stops at the bounded end key")
	require.Equal(t, []string{"b", "c"}, []string{string(recs[0].Key), string(recs[1].Key)})
	require.Nil(t, tail, "pointer is exhausted once past the bound")
}

func TestExpandPointerAmortizesInWidthChunks(t *testing.T) {
	fsys := vfs.NewMem()
	h, _, _, err := New(fsys, "sst", "f.sst", 1, []keycodec.Record{
		rec("a", 1), rec("b", 1), rec("c", 1), rec("d", 1), rec("e", 1),
	}, 1, NoCompression)
	require.NoError(t, err)

	p := NewPointer(h, keycodec.UserKey("a"), keycodec.UserKey("e"))
	first, tail := ExpandPointer(p, 2)
	require.Equal(t, []string{"a", "b"}, []string{string(first[0].Key), string(first[1].Key)})
	require.NotNil(t, tail)

	second, tail := ExpandPointer(tail, 2)
	require.Equal(t, []string{"c", "d"}, []string{string(second[0].Key), string(second[1].Key)})
	require.NotNil(t, tail)

	third, tail := ExpandPointer(tail, 2)
	require.Equal(t, []string{"e"}, []string{string(third[0].Key)})
	require.Nil(t, tail)
}

func TestExpandPointerOnNilPointer(t *testing.T) {
	recs, tail := ExpandPointer(nil, 4)
	require.Nil(t, recs)
	require.Nil(t, tail)
}
