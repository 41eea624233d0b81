package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/columnar"
	"github.com/htapdb/htapdb/pkg/oracle"
	"github.com/htapdb/htapdb/pkg/types"
	"github.com/htapdb/htapdb/pkg/wal"
	"github.com/htapdb/htapdb/pkg/wos"
)

func newTestTable(t *testing.T, dir, name string) *Table {
	t.Helper()
	f, err := wos.New(dir, name, wal.DurabilityFull)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	cache := columnar.New(columnar.SyncBatchedAsync, func() []columnar.Row { return nil })
	return &Table{Name: name, WOS: f, Cache: cache}
}

func TestCoordinator_FlushLoopMovesDataOnceThresholdCrossed(t *testing.T) {
	dir := t.TempDir()
	tbl := newTestTable(t, dir, "orders")
	require.NoError(t, tbl.WOS.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("v1"), CommitTS: 1},
	}))

	cfg := DefaultConfig(dir)
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.FlushMaxEntries = 1
	cfg.FlushMaxBytes = 1 << 30

	c := NewCoordinator(cfg, oracle.New())
	c.Register(tbl)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return tbl.WOS.Delta.EntryCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_CacheSyncLoopDrainsPending(t *testing.T) {
	dir := t.TempDir()
	tbl := newTestTable(t, dir, "orders")
	tbl.Cache.Stage([]columnar.Row{{Key: types.Key("a"), CommitTS: 1}})
	require.Equal(t, int64(0), tbl.Cache.RowCount())

	cfg := DefaultConfig(dir)
	cfg.FlushInterval = time.Hour
	cfg.CompactionInterval = time.Hour
	cfg.GCInterval = time.Hour
	cfg.CacheSyncInterval = 20 * time.Millisecond

	c := NewCoordinator(cfg, oracle.New())
	c.Register(tbl)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return tbl.Cache.RowCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_GCLoopPrunesDeadVersions(t *testing.T) {
	dir := t.TempDir()
	tbl := newTestTable(t, dir, "orders")
	o := oracle.New()

	ts1, err := o.AllocateCommitTS()
	require.NoError(t, err)
	ts2, err := o.AllocateCommitTS()
	require.NoError(t, err)

	require.NoError(t, tbl.WOS.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("old"), CommitTS: ts1},
	}))
	require.NoError(t, tbl.WOS.Write([]wal.Entry{
		{Type: wal.EntryPut, Table: "orders", Key: types.Key("k1"), Value: []byte("new"), CommitTS: ts2},
	}))
	require.Len(t, tbl.WOS.Delta.Versions(types.Key("k1")), 2)

	// No active readers: oldest_live_read_ts tracks the oracle's current
	// counter, which sits at ts2 after two allocations.

	cfg := DefaultConfig(dir)
	cfg.FlushInterval = time.Hour
	cfg.CompactionInterval = time.Hour
	cfg.CacheSyncInterval = time.Hour
	cfg.GCInterval = 20 * time.Millisecond

	c := NewCoordinator(cfg, o)
	c.Register(tbl)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(tbl.WOS.Delta.Versions(types.Key("k1"))) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_UnregisterStopsTrackingTable(t *testing.T) {
	dir := t.TempDir()
	tbl := newTestTable(t, dir, "orders")

	c := NewCoordinator(DefaultConfig(dir), oracle.New())
	c.Register(tbl)
	require.Len(t, c.snapshotTables(), 1)

	c.Unregister("orders")
	require.Len(t, c.snapshotTables(), 0)
}
