package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/types"
)

func TestEngine_CreateIndexAndLookupFindsIndexedRow(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterTable("orders", testSchema()))
	_, err := e.CreateIndex("orders", "amount")
	require.NoError(t, err)

	require.NoError(t, e.InsertRecord("orders", types.Key("k1"), types.Record{
		"id": int64(1), "amount": 42.5,
	}))

	keys, err := e.LookupIndex("orders", "amount", "42.5")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, 0, keys[0].Compare(types.Key("k1")))
}

func TestEngine_HasIndexReflectsCreatedIndexes(t *testing.T) {
	e := newTestEngine(t)
	require.False(t, e.HasIndex("orders", "amount"))
	_, err := e.CreateIndex("orders", "amount")
	require.NoError(t, err)
	require.True(t, e.HasIndex("orders", "amount"))
}

func TestEngine_DropIndexRemovesWithoutRecreatingIt(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateIndex("orders", "amount")
	require.NoError(t, err)

	require.NoError(t, e.DropIndex("orders", "amount"))
	require.False(t, e.HasIndex("orders", "amount"))
}

func TestEngine_DropIndexOnUnknownIndexReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.DropIndex("orders", "amount")
	require.Error(t, err)
	require.False(t, e.HasIndex("orders", "amount"))
}

func TestEngine_CreateCompositeIndexReturnsCompositeName(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterTable("orders", testSchema()))
	name, err := e.CreateCompositeIndex("orders", []string{"id", "amount"})
	require.NoError(t, err)
	require.Equal(t, "idx_orders_id_amount", name)
}

func TestEngine_RebuildIndexRepopulatesFromLiveScan(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Insert("orders", types.Key("k1"), []byte("v1")))
	_, err := e.CreateIndex("orders", "status")
	require.NoError(t, err)

	err = e.RebuildIndex("orders", func(key types.Key) map[string]string {
		return map[string]string{"status": "open"}
	})
	require.NoError(t, err)

	keys, err := e.LookupIndex("orders", "status", "open")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
