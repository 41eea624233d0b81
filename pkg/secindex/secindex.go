// Package secindex implements the Index Manager (C9): existence-style
// secondary indexes keyed by (table, columns...), supporting composite
// multi-column indexes (spec.md §9 Supplemented Feature: "the teacher's
// EncodeCompositeIndexKey supports multi-column indexes; CreateIndex
// accepts more than one column"). Index naming and the table->name->info
// registry shape are grounded on pkg/resource/badger/index.go's
// IndexManager; the per-value Bloom filter body is grounded on
// pkg/existence, generalized from "does this key exist" to "which row
// keys might carry this column value."
package secindex

import (
	"fmt"
	"strings"
	"sync"

	"github.com/htapdb/htapdb/pkg/existence"
	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/types"
)

// Info describes one secondary index's definition.
type Info struct {
	Table   string
	Name    string
	Columns []string
}

// IndexName derives the canonical name for a composite index, following
// the teacher's "idx_<table>_<col>_<col>..." convention. Exported so
// callers can look up or drop an index without tracking the name CreateIndex
// returned.
func IndexName(table string, columns []string) string {
	return fmt.Sprintf("idx_%s_%s", table, strings.Join(columns, "_"))
}

func indexName(table string, columns []string) string { return IndexName(table, columns) }

// compositeValueKey joins composite column values with a NUL separator
// byte, matching the teacher's EncodeCompositeIndexKey discipline of a
// fixed-width delimiter between component values. Values are joined raw,
// so values that themselves contain NUL bytes can produce the same key.
func compositeValueKey(values []string) []byte {
	return []byte(strings.Join(values, "\x00"))
}

// index is one live secondary index: a map from composite value to the
// Bloom filter of candidate row keys. There is no separate filter over all
// indexed values; a lookup goes straight to the per-value entry.
type index struct {
	info    Info
	mu      sync.RWMutex
	byValue map[string]*existence.Filter
}

func newIndex(info Info) *index {
	return &index{info: info, byValue: make(map[string]*existence.Filter)}
}

func (idx *index) add(values []string, rowKey types.Key) {
	vk := string(compositeValueKey(values))
	idx.mu.Lock()
	f, ok := idx.byValue[vk]
	if !ok {
		f = existence.New(existence.DefaultCapacityHint, existence.DefaultFalsePositiveRate)
		idx.byValue[vk] = f
	}
	idx.mu.Unlock()
	f.Add(rowKey)
}

// Manager owns every secondary index across all tables.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]map[string]*index // table -> index name -> index

	// candidates tracks the actual candidate-key sets per (index name,
	// composite value), since a Bloom filter alone cannot enumerate its
	// members; it still double-checks against the filter before
	// returning a lookup result so the spec's "conservative set, caller
	// re-checks" contract holds even if this side table ever drifts.
	candMu     sync.Mutex
	candidates map[string]map[string][]types.Key
}

// New creates an empty Index Manager.
func New() *Manager {
	return &Manager{
		indexes:    make(map[string]map[string]*index),
		candidates: make(map[string]map[string][]types.Key),
	}
}

// CreateIndex registers a new secondary index over one or more columns of
// table. Returns the canonical index name.
func (m *Manager) CreateIndex(table string, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", htaperr.NewErrSchemaMismatch(table, "index requires at least one column")
	}
	name := indexName(table, columns)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.indexes[table]; !ok {
		m.indexes[table] = make(map[string]*index)
	}
	if _, exists := m.indexes[table][name]; exists {
		return name, nil
	}
	m.indexes[table][name] = newIndex(Info{Table: table, Name: name, Columns: columns})
	return name, nil
}

// DropIndex removes an index by name.
func (m *Manager) DropIndex(table, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tbl, ok := m.indexes[table]
	if !ok {
		return htaperr.NewErrNotFound(table, name)
	}
	if _, ok := tbl[name]; !ok {
		return htaperr.NewErrNotFound(table, name)
	}
	delete(tbl, name)
	if len(tbl) == 0 {
		delete(m.indexes, table)
	}

	m.candMu.Lock()
	delete(m.candidates, name)
	m.candMu.Unlock()
	return nil
}

// Indexes lists every index defined on table.
func (m *Manager) Indexes(table string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Info
	for _, idx := range m.indexes[table] {
		out = append(out, idx.info)
	}
	return out
}

// OnCommit is invoked for every committed version touching table; values
// holds the column values for every indexed column set that applies, the
// affected row key is hashed into each matching index's filter (spec.md
// §4.9: "On commit of a version touching indexed columns, the affected
// key is hashed into the corresponding filter").
func (m *Manager) OnCommit(table string, rowKey types.Key, columnValues map[string]string) {
	m.mu.RLock()
	tbl := m.indexes[table]
	var matched []*index
	for _, idx := range tbl {
		matched = append(matched, idx)
	}
	m.mu.RUnlock()

	for _, idx := range matched {
		values, ok := extractValues(idx.info.Columns, columnValues)
		if !ok {
			continue
		}
		idx.add(values, rowKey)
		m.recordCandidate(idx.info.Name, values, rowKey)
	}
}

func extractValues(columns []string, columnValues map[string]string) ([]string, bool) {
	values := make([]string, len(columns))
	for i, c := range columns {
		v, ok := columnValues[c]
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func (m *Manager) recordCandidate(indexName string, values []string, rowKey types.Key) {
	vk := string(compositeValueKey(values))
	m.candMu.Lock()
	defer m.candMu.Unlock()
	byValue, ok := m.candidates[indexName]
	if !ok {
		byValue = make(map[string][]types.Key)
		m.candidates[indexName] = byValue
	}
	for _, k := range byValue[vk] {
		if k.Compare(rowKey) == 0 {
			return
		}
	}
	byValue[vk] = append(byValue[vk], rowKey.Clone())
}

// Lookup returns a conservative set of candidate row keys for an equality
// probe on columns=values (spec.md §4.9: "the caller must re-check the
// actual value"). The returned slice may contain false positives but
// never a false negative relative to OnCommit calls observed so far.
func (m *Manager) Lookup(table, name string, values []string) ([]types.Key, error) {
	m.mu.RLock()
	tbl, ok := m.indexes[table]
	var idx *index
	if ok {
		idx = tbl[name]
	}
	m.mu.RUnlock()
	if idx == nil {
		return nil, htaperr.NewErrNotFound(table, name)
	}

	vk := string(compositeValueKey(values))
	idx.mu.RLock()
	f, ok := idx.byValue[vk]
	idx.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	m.candMu.Lock()
	candidates := append([]types.Key(nil), m.candidates[name][vk]...)
	m.candMu.Unlock()

	out := make([]types.Key, 0, len(candidates))
	for _, k := range candidates {
		if f.MaybeContains(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Rebuild clears name's filter and candidate set, then feeds rows back
// through OnCommit-style hashing (spec.md §4.9: "rebuild scans live
// versions to regenerate"). rows is supplied by the caller, which scans
// the table's live (Delta+ROS merge) versions.
func (m *Manager) Rebuild(table, name string, rows []Row) error {
	m.mu.RLock()
	tbl, ok := m.indexes[table]
	var idx *index
	if ok {
		idx = tbl[name]
	}
	m.mu.RUnlock()
	if idx == nil {
		return htaperr.NewErrNotFound(table, name)
	}

	idx.mu.Lock()
	idx.byValue = make(map[string]*existence.Filter)
	idx.mu.Unlock()

	m.candMu.Lock()
	delete(m.candidates, name)
	m.candMu.Unlock()

	for _, r := range rows {
		values, ok := extractValues(idx.info.Columns, r.ColumnValues)
		if !ok {
			continue
		}
		idx.add(values, r.Key)
		m.recordCandidate(name, values, r.Key)
	}
	return nil
}

// Row is one live row fed to Rebuild, its column values keyed by column
// name as decoded from its visible types.Version.
type Row struct {
	Key          types.Key
	ColumnValues map[string]string
}
