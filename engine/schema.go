package engine

import (
	"fmt"

	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/types"
)

// RegisterTable creates table (if absent) and records schema as its
// version 1. Calling RegisterTable on an already-registered table is an
// error; use AlterTable to evolve an existing schema.
func (e *Engine) RegisterTable(table string, schema types.Schema) error {
	if _, err := e.ensureTable(table); err != nil {
		return err
	}
	if existing, err := e.manifest.SchemaVersions(table); err == nil && len(existing) > 0 {
		return htaperr.NewErrSchemaMismatch(table, "table already registered")
	}
	schema.Version = 1
	schema.CreatedAt = int64(e.oracle.Now())
	return e.manifest.PutSchema(table, schema)
}

// AlterTable appends a new schema version for table (schema-versioning
// feature, SPEC_FULL.md §6.1). description documents the change.
func (e *Engine) AlterTable(table string, schema types.Schema, description string) error {
	if !e.flags.Enabled("schema-versioning") {
		return htaperr.NewErrSchemaMismatch(table, "schema-versioning feature flag is disabled")
	}
	latest, err := e.manifest.LatestSchema(table)
	if err != nil {
		return err
	}
	schema.Version = latest.Version + 1
	schema.CreatedAt = int64(e.oracle.Now())
	schema.Description = description
	return e.manifest.PutSchema(table, schema)
}

// SchemaCurrent returns table's highest-versioned schema.
func (e *Engine) SchemaCurrent(table string) (types.Schema, error) {
	return e.manifest.LatestSchema(table)
}

// SchemaAt returns table's schema as of a specific version.
func (e *Engine) SchemaAt(table string, version int) (types.Schema, error) {
	versions, err := e.manifest.SchemaVersions(table)
	if err != nil {
		return types.Schema{}, err
	}
	for _, s := range versions {
		if s.Version == version {
			return s, nil
		}
	}
	return types.Schema{}, htaperr.NewErrNotFound(table, fmt.Sprintf("schema version %d", version))
}

// SchemaRollback appends a new schema version whose column definition is a
// copy of an earlier version (schema history is append-only: rollback
// never deletes intervening versions, it replays one forward).
func (e *Engine) SchemaRollback(table string, version int) error {
	target, err := e.SchemaAt(table, version)
	if err != nil {
		return err
	}
	return e.AlterTable(table, types.Schema{Columns: target.Columns}, fmt.Sprintf("rollback to version %d", version))
}

// SchemaHistory returns every schema version recorded for table, oldest
// first.
func (e *Engine) SchemaHistory(table string) ([]types.Schema, error) {
	return e.manifest.SchemaVersions(table)
}

// InsertRecord validates rec against table's current schema and inserts it
// gob-encoded (spec.md §6 "with a schema, values are serialised as
// self-describing records keyed by column name"). Unlike the raw Insert
// path, InsertRecord's column values are known, so secondary indexes
// registered on table are updated in the same call (spec.md §4.9 "On
// commit of a version touching indexed columns, the affected key is
// hashed into the corresponding filter").
func (e *Engine) InsertRecord(table string, key types.Key, rec types.Record) error {
	schema, err := e.manifest.LatestSchema(table)
	if err != nil {
		return err
	}
	if err := validateAgainstSchema(table, schema, rec); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := e.Insert(table, key, data); err != nil {
		return err
	}
	e.indexes.OnCommit(table, key, recordColumnValues(rec))
	return nil
}

// recordColumnValues stringifies a record's values for secondary-index
// hashing; nil values are omitted so they never satisfy an indexed lookup.
func recordColumnValues(rec types.Record) map[string]string {
	out := make(map[string]string, len(rec))
	for col, v := range rec {
		if v == nil {
			continue
		}
		out[col] = fmt.Sprint(v)
	}
	return out
}

// GetRecord reads and decodes a schema-typed record written by InsertRecord.
func (e *Engine) GetRecord(table string, key types.Key) (types.Record, bool, error) {
	data, ok, err := e.Get(table, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}
