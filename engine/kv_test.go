package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := OpenInMemory(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_InsertAndGet(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Insert("orders", types.Key("k1"), []byte("v1")))

	v, ok, err := e.Get("orders", types.Key("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestEngine_GetMissingKeyReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, ok, err := e.Get("orders", types.Key("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_InsertBatchWritesAllRows(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.InsertBatch("orders", []Row{
		{Key: types.Key("k1"), Value: []byte("v1")},
		{Key: types.Key("k2"), Value: []byte("v2")},
	}))

	rows, err := e.Scan("orders")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestEngine_DeleteHidesKeyFromSubsequentReads(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Insert("orders", types.Key("k1"), []byte("v1")))
	require.NoError(t, e.Delete("orders", types.Key("k1")))

	_, ok, err := e.Get("orders", types.Key("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_GetSnapshotSeesOnlyVersionsBeforeReadTS(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Insert("orders", types.Key("k1"), []byte("v1")))

	readTS := e.oracle.BeginRead()
	defer e.oracle.EndRead(readTS)

	require.NoError(t, e.Insert("orders", types.Key("k1"), []byte("v2")))

	v, ok, err := e.GetSnapshot("orders", types.Key("k1"), readTS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	latest, ok, err := e.Get("orders", types.Key("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), latest)
}

func TestEngine_RangeUnboundedEndScansAllKeysRegardlessOfLength(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Insert("orders", types.Key("a"), []byte("1")))
	require.NoError(t, e.Insert("orders", types.Key("aaaaaaaaaaaaaaaaaaaaaaaa"), []byte("2")))
	require.NoError(t, e.Insert("orders", types.Key("zzz"), []byte("3")))

	rows, err := e.Range("orders", types.Key("a"), nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestEngine_CountReflectsLiveRowsOnly(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Insert("orders", types.Key("k1"), []byte("v1")))
	require.NoError(t, e.Insert("orders", types.Key("k2"), []byte("v2")))
	require.NoError(t, e.Delete("orders", types.Key("k1")))

	n, err := e.Count("orders")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEngine_FlushMovesDeltaIntoROSWithoutLosingData(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Insert("orders", types.Key("k1"), []byte("v1")))
	require.NoError(t, e.Flush())

	v, ok, err := e.Get("orders", types.Key("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}
