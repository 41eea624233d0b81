package wos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/types"
	"github.com/htapdb/htapdb/pkg/wal"
)

func TestFacade_WriteThenGetFromDelta(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, "orders", wal.DurabilityFull)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("v1"), CommitTS: 1},
	}))

	v, ok, err := f.Get(types.Key("k1"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v.Value)
}

func TestFacade_FlushMovesDataToROS(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, "orders", wal.DurabilityFull)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("v1"), CommitTS: 1},
	}))

	seg, err := f.Flush(dir, "seg-1")
	require.NoError(t, err)
	require.NotNil(t, seg)

	require.Equal(t, int64(0), f.Delta.EntryCount(), "flushed key must be evicted from Delta")

	v, ok, err := f.Get(types.Key("k1"), 10)
	require.NoError(t, err)
	require.True(t, ok, "value must now be served from ROS")
	require.Equal(t, []byte("v1"), v.Value)
}

func TestFacade_DeleteTombstonesHideValue(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, "orders", wal.DurabilityFull)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("v1"), CommitTS: 1},
	}))
	require.NoError(t, f.Write([]wal.Entry{
		{Type: wal.EntryDelete, Table: "orders", Key: types.Key("k1"), CommitTS: 2},
	}))

	_, ok, err := f.Get(types.Key("k1"), 10)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFacade_RangeMergesDeltaOverROS(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, "orders", wal.DurabilityFull)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("old"), CommitTS: 1},
	}))
	_, err = f.Flush(dir, "seg-1")
	require.NoError(t, err)

	require.NoError(t, f.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("new"), CommitTS: 2},
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k2"), Value: []byte("v2"), CommitTS: 2},
	}))

	entries, err := f.Range(nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		if string(e.Key) == "k1" {
			require.Equal(t, []byte("new"), e.Version.Value)
		}
	}
}
