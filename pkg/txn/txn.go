// Package txn implements the Transaction Manager (C8): begin/commit/
// rollback, write-set buffering, and write-write conflict detection under
// snapshot isolation. Manager's active-transaction bookkeeping (an XID-
// keyed map guarded by one RWMutex, commit removing the transaction from
// the active set, a no-retry first-committer-wins conflict check) is
// grounded on service/mvcc/manager.go's Manager; "best-effort cancellation"
// (spec.md §5) and "no retries" (spec.md §4) are this package's own
// requirements, absent from the teacher's implementation.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/oracle"
	"github.com/htapdb/htapdb/pkg/types"
	"github.com/htapdb/htapdb/pkg/wal"
	"github.com/htapdb/htapdb/pkg/wos"
)

// TableProvider resolves a table name to its WOS facade. The engine
// package implements this over its table registry.
type TableProvider interface {
	Facade(table string) (*wos.Facade, bool)
}

// writeEntry is one staged mutation in a transaction's write set.
type writeEntry struct {
	table     string
	key       types.Key
	value     []byte
	tombstone bool
}

// Transaction is an in-flight unit of work. Not safe for concurrent use by
// multiple goroutines (spec.md assumes one foreground thread per
// transaction).
type Transaction struct {
	ID       uint64
	ReadTS   uint64
	manager  *Manager
	writes   []writeEntry
	writeIdx map[string]int // "table\x00key" -> index into writes, for read-your-writes
	done     bool
	cancel   atomic.Bool
}

// Manager is the process-wide transaction coordinator.
type Manager struct {
	mu         sync.Mutex
	oracle     *oracle.Oracle
	tables     TableProvider
	active     map[uint64]*Transaction
	nextTxID   uint64
	onCommit   func()
	onAbort    func()
	onWrite    func(table string, key types.Key, value []byte, tombstone bool)
}

// New creates a Manager bound to an Oracle and a table resolver.
func New(o *oracle.Oracle, tables TableProvider) *Manager {
	return &Manager{oracle: o, tables: tables, active: make(map[uint64]*Transaction)}
}

// SetHooks installs optional metrics callbacks invoked on commit/abort.
func (m *Manager) SetHooks(onCommit, onAbort func()) {
	m.onCommit, m.onAbort = onCommit, onAbort
}

// SetWriteHook installs a callback invoked once per durably-committed
// write, after the WAL append succeeds but still under the Manager's
// commit lock — used by callers (e.g. the engine package) to keep the
// Columnar Cache and secondary indexes in step with committed
// transactions without this package importing either.
func (m *Manager) SetWriteHook(onWrite func(table string, key types.Key, value []byte, tombstone bool)) {
	m.onWrite = onWrite
}

// Begin starts a new transaction at the Oracle's current read_ts (spec.md
// §4.8: "Begin: assign read_ts = oracle.now(); register as an active
// reader").
func (m *Manager) Begin() *Transaction {
	readTS := m.oracle.BeginRead()

	m.mu.Lock()
	m.nextTxID++
	id := m.nextTxID
	txn := &Transaction{ID: id, ReadTS: readTS, manager: m, writeIdx: make(map[string]int)}
	m.active[id] = txn
	m.mu.Unlock()

	return txn
}

// Cancel sets the transaction's best-effort cancellation flag (spec.md §5:
// "setting a cancel flag causes the next read/write inside the transaction
// to return cancelled").
func (t *Transaction) Cancel() { t.cancel.Store(true) }

func (t *Transaction) checkLive() error {
	if t.done {
		return htaperr.NewErrCancelled("transaction already finalized")
	}
	if t.cancel.Load() {
		return htaperr.NewErrCancelled("transaction cancelled")
	}
	return nil
}

func writeKey(table string, key types.Key) string {
	return table + "\x00" + string(key)
}

// Put stages a write. Visible to subsequent reads within the same
// transaction (read-your-own-writes) but not externally until commit.
func (t *Transaction) Put(table string, key types.Key, value []byte) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	wk := writeKey(table, key)
	entry := writeEntry{table: table, key: key.Clone(), value: value}
	if idx, ok := t.writeIdx[wk]; ok {
		t.writes[idx] = entry
	} else {
		t.writeIdx[wk] = len(t.writes)
		t.writes = append(t.writes, entry)
	}
	return nil
}

// Delete stages a tombstone write.
func (t *Transaction) Delete(table string, key types.Key) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	wk := writeKey(table, key)
	entry := writeEntry{table: table, key: key.Clone(), tombstone: true}
	if idx, ok := t.writeIdx[wk]; ok {
		t.writes[idx] = entry
	} else {
		t.writeIdx[wk] = len(t.writes)
		t.writes = append(t.writes, entry)
	}
	return nil
}

// Get reads a key as of the transaction's snapshot, first checking the
// transaction's own uncommitted write set.
func (t *Transaction) Get(table string, key types.Key) ([]byte, bool, error) {
	if err := t.checkLive(); err != nil {
		return nil, false, err
	}
	if idx, ok := t.writeIdx[writeKey(table, key)]; ok {
		e := t.writes[idx]
		if e.tombstone {
			return nil, false, nil
		}
		return e.value, true, nil
	}

	f, ok := t.manager.tables.Facade(table)
	if !ok {
		return nil, false, htaperr.NewErrNotFound(table, key.String())
	}
	v, found, err := f.Get(key, t.ReadTS)
	if err != nil || !found {
		return nil, false, err
	}
	return v.Value, true, nil
}

// Commit validates the write set for write-write conflicts, allocates a
// commit_ts, and installs the writes durably. Commit: allocate commit_ts;
// for each written key, if any committed version exists with
// commit_ts ∈ (read_ts, commit_ts), abort with write conflict (spec.md
// §4.8). The validation+install critical section is serialized by
// Manager's mutex, matching the teacher's single-lock commit path.
func (t *Transaction) Commit() error {
	if err := t.checkLive(); err != nil {
		return err
	}

	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(t.writes) == 0 {
		t.finish(m)
		return nil
	}

	commitTS, err := m.oracle.AllocateCommitTS()
	if err != nil {
		return err
	}

	facades := make(map[string]*wos.Facade)
	for _, w := range t.writes {
		if _, ok := facades[w.table]; ok {
			continue
		}
		f, ok := m.tables.Facade(w.table)
		if !ok {
			t.abort(m)
			return htaperr.NewErrNotFound(w.table, "")
		}
		facades[w.table] = f
	}

	for _, w := range t.writes {
		f := facades[w.table]
		versions := f.Delta.Versions(w.key)
		for _, v := range versions {
			if v.CommitTS > t.ReadTS && v.CommitTS < commitTS {
				t.abort(m)
				return htaperr.NewErrWriteConflict(w.table, w.key.String())
			}
		}
	}

	byTable := make(map[string][]wal.Entry)
	for _, w := range t.writes {
		entryType := wal.EntryPut
		if w.tombstone {
			entryType = wal.EntryDelete
		}
		byTable[w.table] = append(byTable[w.table], wal.Entry{
			Type:     entryType,
			Table:    w.table,
			Key:      w.key,
			Value:    w.value,
			CommitTS: commitTS,
			TxnID:    t.ID,
		})
	}

	for table, entries := range byTable {
		if err := facades[table].Write(entries); err != nil {
			return err
		}
	}

	if m.onWrite != nil {
		for _, w := range t.writes {
			m.onWrite(w.table, w.key, w.value, w.tombstone)
		}
	}

	t.finish(m)
	if m.onCommit != nil {
		m.onCommit()
	}
	return nil
}

// Rollback discards the write set without touching durable state. Safe to
// call on an already-finished transaction (no-op).
func (t *Transaction) Rollback() {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.done {
		return
	}
	t.abort(m)
	if m.onAbort != nil {
		m.onAbort()
	}
}

func (t *Transaction) abort(m *Manager) {
	t.finish(m)
}

func (t *Transaction) finish(m *Manager) {
	if t.done {
		return
	}
	t.done = true
	delete(m.active, t.ID)
	m.oracle.EndRead(t.ReadTS)
}

// ActiveCount returns the number of currently open transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
