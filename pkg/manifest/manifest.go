// Package manifest persists the engine's durable metadata: per-table
// schema version chains, table-level persistence-policy overrides, the
// set of sealed ROS segments, and checkpoint records marking the last
// safely truncatable commit_ts per WAL partition. Backed by Badger, with
// the key-prefix scheme (tbl:, schema:, seg:, ckpt:) grounded on
// pkg/resource/badger/types.go's PrefixTable/PrefixConfig/PrefixIndex
// constants, generalized from "one flat KV namespace per row" to the
// manifest's own small set of metadata record kinds.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/types"
)

const (
	prefixTable  = "tbl:"
	prefixSchema = "schema:"
	prefixSeg    = "seg:"
	prefixCkpt   = "ckpt:"
)

// TablePolicy is a table's persistence-policy override of the engine-wide
// durability level and cache sync mode (SPEC_FULL.md §3 Supplemented
// Feature, generalizing the teacher's TableConfig
// Persistent/SyncOnWrite/CacheInMemory fields).
type TablePolicy struct {
	TableName     string `json:"table_name"`
	Durability    string `json:"durability,omitempty"`  // "", "full", "lazy", "off" ("" = engine default)
	CacheInMemory bool   `json:"cache_in_memory"`
}

// SegmentRecord is one sealed ROS segment's manifest entry.
type SegmentRecord struct {
	Table    string `json:"table"`
	ID       string `json:"id"`
	Level    int    `json:"level"`
	RowCount int    `json:"row_count"`
}

// Checkpoint records the last commit_ts a table's WAL partition has
// safely truncated up to.
type Checkpoint struct {
	Table          string `json:"table"`
	UpToCommitTS   uint64 `json:"up_to_commit_ts"`
}

// Manifest is the Badger-backed metadata store for one engine instance.
type Manifest struct {
	db *badger.DB
}

// Open opens (creating if necessary) the manifest database under dir.
func Open(dir string) (*Manifest, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open badger: %w", err)
	}
	return &Manifest{db: db}, nil
}

// OpenInMemory opens an ephemeral, non-persistent manifest (open_in_memory()).
func OpenInMemory() (*Manifest, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open in-memory badger: %w", err)
	}
	return &Manifest{db: db}, nil
}

// DB exposes the underlying Badger handle for components that need their
// own namespaced sequences or transactions (e.g. pkg/oracle.NewDurable).
func (m *Manifest) DB() *badger.DB { return m.db }

// Close releases the manifest's Badger handle.
func (m *Manifest) Close() error { return m.db.Close() }

func putJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// PutSchema appends a new schema version for table. Versions are
// immutable once written: callers bump types.Schema.Version themselves
// (spec.md schema-versioning feature flag).
func (m *Manifest) PutSchema(table string, schema types.Schema) error {
	key := fmt.Sprintf("%s%s:%d", prefixSchema, table, schema.Version)
	return m.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, schema)
	})
}

// SchemaVersions returns every schema version recorded for table, oldest
// first.
func (m *Manifest) SchemaVersions(table string) ([]types.Schema, error) {
	prefix := []byte(fmt.Sprintf("%s%s:", prefixSchema, table))
	var out []types.Schema
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s types.Schema
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LatestSchema returns table's highest-versioned schema.
func (m *Manifest) LatestSchema(table string) (types.Schema, error) {
	versions, err := m.SchemaVersions(table)
	if err != nil {
		return types.Schema{}, err
	}
	if len(versions) == 0 {
		return types.Schema{}, htaperr.NewErrNotFound(table, "schema")
	}
	return versions[len(versions)-1], nil
}

// PutTablePolicy persists table's persistence-policy override.
func (m *Manifest) PutTablePolicy(policy TablePolicy) error {
	key := prefixTable + policy.TableName
	return m.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, policy)
	})
}

// TablePolicyFor returns table's override, or (TablePolicy{}, false) if
// none was set (the engine default applies).
func (m *Manifest) TablePolicyFor(table string) (TablePolicy, bool) {
	var policy TablePolicy
	err := m.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixTable+table, &policy)
	})
	if err != nil {
		return TablePolicy{}, false
	}
	return policy, true
}

// Tables lists every table with a recorded policy.
func (m *Manifest) Tables() ([]string, error) {
	prefix := []byte(prefixTable)
	var out []string
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// RecordSegment registers a sealed ROS segment in the manifest.
func (m *Manifest) RecordSegment(seg SegmentRecord) error {
	key := fmt.Sprintf("%s%s:%s", prefixSeg, seg.Table, seg.ID)
	return m.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, seg)
	})
}

// RemoveSegment deregisters a segment, called after it is unlinked from disk.
func (m *Manifest) RemoveSegment(table, id string) error {
	key := fmt.Sprintf("%s%s:%s", prefixSeg, table, id)
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Segments lists every segment recorded for table.
func (m *Manifest) Segments(table string) ([]SegmentRecord, error) {
	prefix := []byte(fmt.Sprintf("%s%s:", prefixSeg, table))
	var out []SegmentRecord
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s SegmentRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// PutCheckpoint records the last safely truncatable commit_ts for table's
// WAL partition.
func (m *Manifest) PutCheckpoint(cp Checkpoint) error {
	key := prefixCkpt + cp.Table
	return m.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, cp)
	})
}

// CheckpointFor returns table's last recorded checkpoint, or
// (Checkpoint{}, false) if none exists.
func (m *Manifest) CheckpointFor(table string) (Checkpoint, bool) {
	var cp Checkpoint
	err := m.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixCkpt+table, &cp)
	})
	if err != nil {
		return Checkpoint{}, false
	}
	return cp, true
}
