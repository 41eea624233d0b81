package engine

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/htapdb/htapdb/pkg/columnar"
	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/types"
	"github.com/htapdb/htapdb/pkg/wal"
)

// gob requires every concrete type that crosses an interface{} boundary to
// be registered up front; types.Record values hold exactly these Go kinds.
func init() {
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(false)
	gob.Register([]byte(nil))
}

// encodeRecord gob-encodes a schema-typed record to bytes (spec.md §6
// "with a schema, values are serialised as self-describing records keyed
// by column name"), matching the gob framing pkg/wal already uses for WAL
// entries. Schema-less inserts pass their byte value through unchanged.
func encodeRecord(rec types.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("engine: failed to encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (types.Record, error) {
	var rec types.Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("engine: failed to decode record: %w", err)
	}
	return rec, nil
}

// Insert writes a single key/value pair, allocating a fresh commit_ts
// outside any transaction (an implicit single-operation transaction).
func (e *Engine) Insert(table string, key types.Key, value []byte) error {
	return e.InsertBatch(table, []Row{{Key: key, Value: value}})
}

// Row is one (key, value) pair for InsertBatch.
type Row struct {
	Key   types.Key
	Value []byte
}

// InsertBatch writes rows atomically at a single commit_ts.
func (e *Engine) InsertBatch(table string, rows []Row) error {
	t, err := e.ensureTable(table)
	if err != nil {
		return err
	}

	ts, err := e.oracle.AllocateCommitTS()
	if err != nil {
		return err
	}

	entries := make([]wal.Entry, len(rows))
	for i, r := range rows {
		entries[i] = wal.Entry{Type: wal.EntryPut, Table: table, Key: r.Key, Value: r.Value, CommitTS: ts}
	}
	if err := t.facade.Write(entries); err != nil {
		return err
	}

	cacheRows := make([]columnar.Row, len(rows))
	for i, r := range rows {
		cacheRows[i] = columnar.Row{Key: r.Key, Value: r.Value, CommitTS: ts}
	}
	t.cache.Stage(cacheRows)
	for _, r := range rows {
		e.indexes.OnCommit(table, r.Key, nil)
	}
	e.metrics.RecordWrite()
	return nil
}

// InsertVersioned installs a row at an explicit commit_ts, bypassing the
// oracle (spec.md §6 "versioned primitives"). Nothing inside the engine
// calls it; LoadSnapshot reopens the copied files instead.
func (e *Engine) InsertVersioned(table string, key types.Key, value []byte, commitTS uint64) error {
	t, err := e.ensureTable(table)
	if err != nil {
		return err
	}
	return t.facade.Write([]wal.Entry{{Type: wal.EntryPut, Table: table, Key: key, Value: value, CommitTS: commitTS}})
}

// Get performs a snapshot read at a freshly allocated read_ts.
func (e *Engine) Get(table string, key types.Key) ([]byte, bool, error) {
	readTS := e.oracle.BeginRead()
	defer e.oracle.EndRead(readTS)
	return e.GetSnapshot(table, key, readTS)
}

// GetSnapshot reads key as of readTS (spec.md §6 versioned primitives).
func (e *Engine) GetSnapshot(table string, key types.Key, readTS uint64) ([]byte, bool, error) {
	e.metrics.RecordRead()
	t, ok := e.getTable(table)
	if !ok {
		return nil, false, nil
	}
	v, ok, err := t.facade.Get(key, readTS)
	if err != nil || !ok {
		return nil, false, err
	}
	return v.Value, true, nil
}

// Delete removes key (installs a tombstone at a fresh commit_ts).
func (e *Engine) Delete(table string, key types.Key) error {
	t, err := e.ensureTable(table)
	if err != nil {
		return err
	}
	ts, err := e.oracle.AllocateCommitTS()
	if err != nil {
		return err
	}
	if err := t.facade.Write([]wal.Entry{{Type: wal.EntryDelete, Table: table, Key: key, CommitTS: ts}}); err != nil {
		return err
	}
	e.metrics.RecordWrite()
	return nil
}

// Count returns the number of live (non-tombstoned) rows visible at a
// fresh snapshot. Since the engine keeps no running total, this performs
// a full scan; callers needing a fast approximate count should track it
// themselves at the application layer.
func (e *Engine) Count(table string) (int64, error) {
	rows, err := e.Scan(table)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// Scan returns every live row in table at a fresh snapshot, key order.
func (e *Engine) Scan(table string) ([]Row, error) {
	return e.Range(table, nil, nil)
}

// Range returns every live row in [start, end) (end == nil means
// unbounded) at a fresh snapshot, key order.
func (e *Engine) Range(table string, start, end types.Key) ([]Row, error) {
	t, ok := e.getTable(table)
	if !ok {
		return nil, nil
	}
	readTS := e.oracle.BeginRead()
	defer e.oracle.EndRead(readTS)

	entries, err := t.facade.Range(start, end, readTS)
	if err != nil {
		return nil, err
	}

	out := make([]Row, len(entries))
	for i, en := range entries {
		out[i] = Row{Key: en.Key, Value: en.Version.Value}
	}
	return out, nil
}

// Flush forces every registered table's Delta Store to the WOS facade's
// Flush, regardless of the Tier Coordinator's threshold schedule.
func (e *Engine) Flush() error {
	e.mu.RLock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	e.mu.RUnlock()

	for _, name := range names {
		if _, err := e.coordinator.FlushNow(context.Background(), name); err != nil {
			return fmt.Errorf("engine: flush of table %q failed: %w", name, err)
		}
		e.metrics.RecordFlush()
	}
	return nil
}

// validateAgainstSchema checks rec against schema, used by schema-aware
// inserts (spec.md §6 "schema mismatch / validation"): every non-nullable
// column must be present and non-nil. Value types are not checked against
// the columns' logical types.
func validateAgainstSchema(table string, schema types.Schema, rec types.Record) error {
	for _, col := range schema.Columns {
		v, present := rec[col.Name]
		if !present {
			if !col.Nullable {
				return htaperr.NewErrSchemaMismatch(table, fmt.Sprintf("missing required column %q", col.Name))
			}
			continue
		}
		if v == nil {
			if !col.Nullable {
				return htaperr.NewErrSchemaMismatch(table, fmt.Sprintf("column %q is not nullable", col.Name))
			}
			continue
		}
	}
	return nil
}
