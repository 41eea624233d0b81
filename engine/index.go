package engine

import (
	"github.com/htapdb/htapdb/pkg/secindex"
	"github.com/htapdb/htapdb/pkg/types"
)

// CreateIndex builds a secondary index over a single column (spec.md §6
// "create_index(table, column)"); use CreateCompositeIndex for multi-column
// indexes (SPEC_FULL.md §3.1 supplemented feature).
func (e *Engine) CreateIndex(table, column string) (string, error) {
	return e.CreateCompositeIndex(table, []string{column})
}

// CreateCompositeIndex builds a secondary index over one or more columns.
func (e *Engine) CreateCompositeIndex(table string, columns []string) (string, error) {
	return e.indexes.CreateIndex(table, columns)
}

// DropIndex removes a single-column index.
func (e *Engine) DropIndex(table, column string) error {
	return e.indexes.DropIndex(table, secindex.IndexName(table, []string{column}))
}

// HasIndex reports whether table carries a single-column index on column.
func (e *Engine) HasIndex(table, column string) bool {
	for _, info := range e.indexes.Indexes(table) {
		if len(info.Columns) == 1 && info.Columns[0] == column {
			return true
		}
	}
	return false
}

// RebuildIndex rebuilds every index registered on table from a live
// key-ordered scan, used after bulk loads or corruption recovery.
func (e *Engine) RebuildIndex(table string, columnValues func(key types.Key) map[string]string) error {
	rows, err := e.Scan(table)
	if err != nil {
		return err
	}

	secRows := make([]secindex.Row, len(rows))
	for i, r := range rows {
		secRows[i] = secindex.Row{Key: r.Key, ColumnValues: columnValues(r.Key)}
	}

	for _, info := range e.indexes.Indexes(table) {
		if err := e.indexes.Rebuild(table, info.Name, secRows); err != nil {
			return err
		}
	}
	return nil
}

// LookupIndex returns the candidate row keys for an equality lookup on a
// single-column index (spec.md §6 analytical surface companion).
func (e *Engine) LookupIndex(table, column, value string) ([]types.Key, error) {
	for _, info := range e.indexes.Indexes(table) {
		if len(info.Columns) == 1 && info.Columns[0] == column {
			return e.indexes.Lookup(table, info.Name, []string{value})
		}
	}
	return nil, nil
}
