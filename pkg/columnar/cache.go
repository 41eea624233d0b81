// Package columnar implements the Columnar Cache (C6): Arrow-format
// batches of current-version rows derived from Delta and ROS, consumed by
// analytical and GPU-dispatched operations. The lazy-warm-up-plus-
// background-append shape is grounded on pkg/resource/badger/maintenance.go's
// ticker-driven background goroutines, generalized from Badger GC/compaction
// ticks to cache-sync ticks; the atomic-pointer-swap publish discipline
// follows spec.md §5's requirement that readers "pin a snapshot list of
// batches" without observing a torn list.
package columnar

import (
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/htapdb/htapdb/pkg/types"
)

// SyncMode controls when the cache is refreshed from Delta + ROS
// (spec.md §9 Open Questions: "immediate / batched-async / threshold").
type SyncMode int

const (
	// SyncImmediate appends a batch on every Stage call.
	SyncImmediate SyncMode = iota
	// SyncBatchedAsync defers appends to the Tier Coordinator's background
	// goroutine, which drains pending rows on a timer.
	SyncBatchedAsync
	// SyncThreshold defers appends until a row-count threshold is crossed.
	// Decision (DESIGN.md Open Question 3): this is the default.
	SyncThreshold
)

// DefaultSyncThreshold is the pending-row count that triggers a
// SyncThreshold batch append.
const DefaultSyncThreshold = 1000

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.Binary},
	{Name: "value", Type: arrow.BinaryTypes.Binary},
	{Name: "commit_ts", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "tombstone", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// Row is one row staged for inclusion in the cache.
type Row struct {
	Key       types.Key
	Value     []byte
	CommitTS  uint64
	Tombstone bool
}

// Cache holds the current batch list for one table.
type Cache struct {
	mode      SyncMode
	threshold int

	warmOnce sync.Once
	warmFn   func() []Row

	batches atomic.Pointer[[]arrow.Record]

	pendingMu sync.Mutex
	pending   []Row
}

// New creates a Cache. warmFn performs the one-time full WOS scan used to
// populate the first batch.
func New(mode SyncMode, warmFn func() []Row) *Cache {
	c := &Cache{mode: mode, threshold: DefaultSyncThreshold, warmFn: warmFn}
	empty := make([]arrow.Record, 0)
	c.batches.Store(&empty)
	return c
}

func buildBatch(rows []Row) arrow.Record {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	keyB := b.Field(0).(*array.BinaryBuilder)
	valB := b.Field(1).(*array.BinaryBuilder)
	tsB := b.Field(2).(*array.Uint64Builder)
	tombB := b.Field(3).(*array.BooleanBuilder)

	for _, r := range rows {
		keyB.Append(r.Key)
		if r.Tombstone {
			valB.AppendNull()
		} else {
			valB.Append(r.Value)
		}
		tsB.Append(r.CommitTS)
		tombB.Append(r.Tombstone)
	}
	return b.NewRecord()
}

// ensureWarm populates the first batch from a full WOS scan, exactly once.
func (c *Cache) ensureWarm() {
	c.warmOnce.Do(func() {
		if c.warmFn == nil {
			return
		}
		rows := c.warmFn()
		if len(rows) == 0 {
			return
		}
		batch := buildBatch(rows)
		batches := []arrow.Record{batch}
		c.batches.Store(&batches)
	})
}

// Stage records rows pending inclusion in the cache, per the configured
// sync mode: immediate appends synchronously, threshold appends once
// pending crosses DefaultSyncThreshold, batched-async leaves them for the
// Tier Coordinator's Drain call.
func (c *Cache) Stage(rows []Row) {
	c.ensureWarm()

	switch c.mode {
	case SyncImmediate:
		c.appendBatch(rows)
		return
	case SyncThreshold:
		c.pendingMu.Lock()
		c.pending = append(c.pending, rows...)
		shouldFlush := len(c.pending) >= c.threshold
		var toFlush []Row
		if shouldFlush {
			toFlush = c.pending
			c.pending = nil
		}
		c.pendingMu.Unlock()
		if shouldFlush {
			c.appendBatch(toFlush)
		}
	case SyncBatchedAsync:
		c.pendingMu.Lock()
		c.pending = append(c.pending, rows...)
		c.pendingMu.Unlock()
	}
}

// Drain flushes any pending rows into a new batch immediately, used by the
// Tier Coordinator's background sync tick under SyncBatchedAsync.
func (c *Cache) Drain() {
	c.pendingMu.Lock()
	toFlush := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	if len(toFlush) > 0 {
		c.appendBatch(toFlush)
	}
}

func (c *Cache) appendBatch(rows []Row) {
	if len(rows) == 0 {
		return
	}
	batch := buildBatch(rows)

	for {
		old := c.batches.Load()
		next := make([]arrow.Record, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = batch
		if c.batches.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Snapshot returns the current immutable batch list. Readers pin this
// slice and never observe a torn list: appends always publish via a fresh
// slice and an atomic pointer swap.
func (c *Cache) Snapshot() []arrow.Record {
	c.ensureWarm()
	return *c.batches.Load()
}

// RowCount returns the total number of rows across every published batch,
// for metrics/admission control.
func (c *Cache) RowCount() int64 {
	var n int64
	for _, b := range c.Snapshot() {
		n += b.NumRows()
	}
	return n
}

// Release drops references to every published batch. Call when the table
// is dropped or the engine is closing.
func (c *Cache) Release() {
	batches := c.batches.Load()
	for _, b := range *batches {
		b.Release()
	}
	empty := make([]arrow.Record, 0)
	c.batches.Store(&empty)
}
