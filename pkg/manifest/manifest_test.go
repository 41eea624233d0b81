package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/types"
)

func newTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManifest_PutSchemaAndLatestSchema(t *testing.T) {
	m := newTestManifest(t)

	s1 := types.Schema{Version: 1, Columns: []types.Column{{Name: "id", Type: types.TypeInt64}}}
	s2 := types.Schema{Version: 2, Columns: []types.Column{{Name: "id", Type: types.TypeInt64}, {Name: "name", Type: types.TypeText}}}

	require.NoError(t, m.PutSchema("orders", s1))
	require.NoError(t, m.PutSchema("orders", s2))

	latest, err := m.LatestSchema("orders")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, latest.Columns, 2)
}

func TestManifest_SchemaVersionsOrderedOldestFirst(t *testing.T) {
	m := newTestManifest(t)

	require.NoError(t, m.PutSchema("orders", types.Schema{Version: 3}))
	require.NoError(t, m.PutSchema("orders", types.Schema{Version: 1}))
	require.NoError(t, m.PutSchema("orders", types.Schema{Version: 2}))

	versions, err := m.SchemaVersions("orders")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{versions[0].Version, versions[1].Version, versions[2].Version})
}

func TestManifest_LatestSchemaNotFound(t *testing.T) {
	m := newTestManifest(t)

	_, err := m.LatestSchema("missing")
	assert.Error(t, err)
}

func TestManifest_TablePolicyRoundTrip(t *testing.T) {
	m := newTestManifest(t)

	require.NoError(t, m.PutTablePolicy(TablePolicy{TableName: "orders", Durability: "lazy", CacheInMemory: true}))

	policy, ok := m.TablePolicyFor("orders")
	require.True(t, ok)
	assert.Equal(t, "lazy", policy.Durability)
	assert.True(t, policy.CacheInMemory)

	_, ok = m.TablePolicyFor("missing")
	assert.False(t, ok)
}

func TestManifest_TablesListsRegisteredTables(t *testing.T) {
	m := newTestManifest(t)

	require.NoError(t, m.PutTablePolicy(TablePolicy{TableName: "orders"}))
	require.NoError(t, m.PutTablePolicy(TablePolicy{TableName: "customers"}))

	tables, err := m.Tables()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "customers"}, tables)
}

func TestManifest_SegmentLifecycle(t *testing.T) {
	m := newTestManifest(t)

	require.NoError(t, m.RecordSegment(SegmentRecord{Table: "orders", ID: "seg-1", Level: 0, RowCount: 100}))
	require.NoError(t, m.RecordSegment(SegmentRecord{Table: "orders", ID: "seg-2", Level: 0, RowCount: 50}))

	segs, err := m.Segments("orders")
	require.NoError(t, err)
	assert.Len(t, segs, 2)

	require.NoError(t, m.RemoveSegment("orders", "seg-1"))
	segs, err = m.Segments("orders")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "seg-2", segs[0].ID)
}

func TestManifest_CheckpointRoundTrip(t *testing.T) {
	m := newTestManifest(t)

	_, ok := m.CheckpointFor("orders")
	assert.False(t, ok)

	require.NoError(t, m.PutCheckpoint(Checkpoint{Table: "orders", UpToCommitTS: 42}))
	cp, ok := m.CheckpointFor("orders")
	require.True(t, ok)
	assert.Equal(t, uint64(42), cp.UpToCommitTS)

	require.NoError(t, m.PutCheckpoint(Checkpoint{Table: "orders", UpToCommitTS: 100}))
	cp, ok = m.CheckpointFor("orders")
	require.True(t, ok)
	assert.Equal(t, uint64(100), cp.UpToCommitTS)
}
