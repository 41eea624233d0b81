package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/oracle"
	"github.com/htapdb/htapdb/pkg/types"
	"github.com/htapdb/htapdb/pkg/wal"
	"github.com/htapdb/htapdb/pkg/wos"
)

type fakeTables struct {
	facades map[string]*wos.Facade
}

func (f *fakeTables) Facade(table string) (*wos.Facade, bool) {
	fac, ok := f.facades[table]
	return fac, ok
}

func newTestManager(t *testing.T) (*Manager, *fakeTables) {
	t.Helper()
	dir := t.TempDir()
	f, err := wos.New(dir, "orders", wal.DurabilityFull)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	tables := &fakeTables{facades: map[string]*wos.Facade{"orders": f}}
	return New(oracle.New(), tables), tables
}

func TestTxn_BasicCommit(t *testing.T) {
	m, _ := newTestManager(t)

	tx := m.Begin()
	require.NoError(t, tx.Put("orders", types.Key("k1"), []byte("v1")))
	require.NoError(t, tx.Commit())

	tx2 := m.Begin()
	v, ok, err := tx2.Get("orders", types.Key("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
	tx2.Rollback()
}

func TestTxn_ReadYourOwnWrites(t *testing.T) {
	m, _ := newTestManager(t)

	tx := m.Begin()
	require.NoError(t, tx.Put("orders", types.Key("k1"), []byte("staged")))

	v, ok, err := tx.Get("orders", types.Key("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("staged"), v)

	require.NoError(t, tx.Commit())
}

func TestTxn_WriteWriteConflictAborts(t *testing.T) {
	m, _ := newTestManager(t)

	t1 := m.Begin()
	t2 := m.Begin()

	require.NoError(t, t1.Put("orders", types.Key("k1"), []byte("from-t1")))
	require.NoError(t, t1.Commit())

	require.NoError(t, t2.Put("orders", types.Key("k1"), []byte("from-t2")))
	err := t2.Commit()
	require.Error(t, err)
	require.IsType(t, &htaperr.ErrWriteConflict{}, err)
}

func TestTxn_RollbackOnDropDiscardsWrites(t *testing.T) {
	m, _ := newTestManager(t)

	tx := m.Begin()
	require.NoError(t, tx.Put("orders", types.Key("k1"), []byte("never-committed")))
	tx.Rollback()

	tx2 := m.Begin()
	_, ok, err := tx2.Get("orders", types.Key("k1"))
	require.NoError(t, err)
	require.False(t, ok)
	tx2.Rollback()
}

func TestTxn_CancelBlocksFurtherOps(t *testing.T) {
	m, _ := newTestManager(t)

	tx := m.Begin()
	tx.Cancel()

	err := tx.Put("orders", types.Key("k1"), []byte("v1"))
	require.Error(t, err)
	require.IsType(t, &htaperr.ErrCancelled{}, err)
}

func TestTxn_ActiveCountTracksOpenTransactions(t *testing.T) {
	m, _ := newTestManager(t)
	require.Equal(t, 0, m.ActiveCount())

	tx := m.Begin()
	require.Equal(t, 1, m.ActiveCount())

	require.NoError(t, tx.Commit())
	require.Equal(t, 0, m.ActiveCount())
}
