// Package tier implements the Tier Coordinator (C11): the background
// loops that move data between Delta, ROS, and the Columnar Cache, and
// reclaim garbage-collectible versions. Four independent ticker-driven
// goroutines, all stopped by closing one shared channel, are grounded on
// pkg/resource/badger/maintenance.go's MaintenanceManager
// (StartAutoMaintenance spawning one goroutine per maintenance concern,
// each on its own time.Ticker, stopped by closing a shared stopCh).
package tier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/htapdb/htapdb/internal/htaplog"
	"github.com/htapdb/htapdb/pkg/columnar"
	"github.com/htapdb/htapdb/pkg/oracle"
	"github.com/htapdb/htapdb/pkg/ros"
	"github.com/htapdb/htapdb/pkg/wos"
)

// Table bundles one table's WOS facade with the Columnar Cache view that
// must stay in sync with it.
type Table struct {
	Name  string
	WOS   *wos.Facade
	Cache *columnar.Cache
}

// Config tunes the coordinator's background intervals and thresholds.
// Mirrors the teacher's MaintenanceConfig shape (per-concern enable flag
// and interval), generalized from GC/compaction to this engine's four
// inter-tier movements.
type Config struct {
	BaseDir string

	FlushInterval      time.Duration
	FlushMaxEntries    int64
	FlushMaxBytes      int64
	CompactionInterval time.Duration
	CacheSyncInterval  time.Duration
	GCInterval         time.Duration
}

// DefaultConfig returns reasonable background-loop intervals.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:            baseDir,
		FlushInterval:      5 * time.Second,
		FlushMaxEntries:    100_000,
		FlushMaxBytes:      64 << 20,
		CompactionInterval: 30 * time.Second,
		CacheSyncInterval:  2 * time.Second,
		GCInterval:         10 * time.Second,
	}
}

// Coordinator runs the four background loops over a registered set of
// tables.
type Coordinator struct {
	cfg    Config
	oracle *oracle.Oracle
	log    htaplog.Logger

	mu     sync.RWMutex
	tables map[string]*Table

	wg      sync.WaitGroup
	stopCh  chan struct{}
	running bool
}

// NewCoordinator creates a Coordinator bound to o for oldest-live-read_ts
// lookups during GC.
func NewCoordinator(cfg Config, o *oracle.Oracle) *Coordinator {
	return &Coordinator{cfg: cfg, oracle: o, tables: make(map[string]*Table), log: htaplog.Default("tier")}
}

// Register adds a table to the coordinator's scope. Safe to call before
// or after Start.
func (c *Coordinator) Register(t *Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[t.Name] = t
}

// Unregister removes a table (on drop) from the coordinator's scope.
func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, name)
}

func (c *Coordinator) snapshotTables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	return out
}

// Start spawns the four background loops. Each loop ticks independently
// and is stopped by closing stopCh, matching the teacher's
// StartAutoMaintenance/StopAutoMaintenance discipline.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	c.wg.Add(4)
	go c.flushLoop(stop)
	go c.compactionLoop(stop)
	go c.cacheSyncLoop(stop)
	go c.gcLoop(stop)
}

// Stop halts every background loop and waits for them to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

// flushLoop implements "Delta→WOS flush" (spec.md §4.11 item 1): when a
// table's Delta crosses its size/entry threshold, snapshot it into a new
// level-0 ROS segment and only then evict the flushed prefix.
func (c *Coordinator) flushLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, t := range c.snapshotTables() {
				if !t.WOS.FlushThresholdReached(c.cfg.FlushMaxEntries, c.cfg.FlushMaxBytes) {
					continue
				}
				if _, err := t.WOS.Flush(c.cfg.BaseDir, uuid.NewString()); err != nil {
					c.log.Printf("flush: table %s: %v", t.Name, err)
				}
			}
		}
	}
}

// compactionLoop implements "leveled compaction" (spec.md §4.11 item 2):
// periodically merge overlapping segments across levels. The merge keeps
// every version, dropping only exact duplicates of a key's commit_ts, so
// GC-eligible versions are not removed from ROS. Every registered table
// compacts concurrently, since each owns an independent ROS tree with no
// cross-table state to serialize on.
func (c *Coordinator) compactionLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var g errgroup.Group
			for _, t := range c.snapshotTables() {
				t := t
				g.Go(func() error {
					c.compactTable(t)
					return nil
				})
			}
			_ = g.Wait()
		}
	}
}

func (c *Coordinator) compactTable(t *Table) {
	for {
		level, ok := t.WOS.ROS.NeedsCompaction()
		if !ok {
			return
		}
		if _, _, err := t.WOS.ROS.CompactLevel(level); err != nil {
			c.log.Printf("compaction: table %s level %d: %v", t.Name, level, err)
			return
		}
	}
}

// cacheSyncLoop implements "Delta→Cache sync" (spec.md §4.11 item 3): for
// tables using SyncBatchedAsync, drain pending rows into a published
// batch on a timer rather than per-write, trading freshness for reduced
// publish overhead.
func (c *Coordinator) cacheSyncLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CacheSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, t := range c.snapshotTables() {
				if t.Cache != nil {
					t.Cache.Drain()
				}
			}
		}
	}
}

// gcLoop implements "GC" (spec.md §4.11 item 4): recompute
// oldest_live_read_ts and drop Delta versions strictly dominated by a
// newer version at or below that watermark. Only Delta is swept: versions
// already flushed to ROS are not garbage-collected.
func (c *Coordinator) gcLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			watermark := c.oracle.OldestLiveReadTS()
			for _, t := range c.snapshotTables() {
				t.WOS.Delta.PruneDeadVersions(watermark)
			}
		}
	}
}

// FlushNow forces an immediate Delta→ROS flush for table, regardless of
// threshold, used by administration operations (spec.md §6).
func (c *Coordinator) FlushNow(ctx context.Context, name string) (*ros.Segment, error) {
	c.mu.RLock()
	t, ok := c.tables[name]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return t.WOS.Flush(c.cfg.BaseDir, uuid.NewString())
}

// GCNow forces an immediate dead-version prune across every registered
// table at the Oracle's current oldest-live-read_ts watermark, regardless
// of the gcLoop interval, used by administration operations (spec.md §6
// "gc()").
func (c *Coordinator) GCNow() int64 {
	watermark := c.oracle.OldestLiveReadTS()
	var total int64
	for _, t := range c.snapshotTables() {
		total += t.WOS.Delta.PruneDeadVersions(watermark)
	}
	return total
}
