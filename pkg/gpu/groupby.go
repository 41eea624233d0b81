package gpu

import (
	"context"
	"sync"

	"github.com/htapdb/htapdb/pkg/workerpool"
)

// AggOp selects the per-group aggregate computed alongside the count.
type AggOp int

const (
	AggSum AggOp = iota
	AggMin
	AggMax
)

// HashStrategy selects the open-addressing discipline used to build each
// block's local table (spec.md §4.10). All three guarantee a correctly
// merged aggregate for concurrent inserts of the same key; they differ
// only in how a collision is resolved before the slot is claimed.
type HashStrategy int

const (
	// StrategyLinearProbe walks forward from the primary slot until an
	// empty slot or the matching key is found.
	StrategyLinearProbe HashStrategy = iota
	// StrategyCuckooHybrid tries a primary and secondary hash slot; on a
	// double collision it falls back to bounded linear probing from the
	// primary slot for a fixed displacement count. True key-kicking is
	// not implemented: atomic aggregate updates during a kick are unsafe
	// without a wider CAS than this simulation provides (spec.md §4.10).
	StrategyCuckooHybrid
	// StrategyRobinHoodDerived uses a single hash function and the same
	// linear probe sequence as StrategyLinearProbe: slots are never swapped,
	// since atomic swap of both key and aggregate together is not available
	// (spec.md §4.10). Each slot records its distance from the home slot,
	// but no probe reads it.
	StrategyRobinHoodDerived
)

const cuckooMaxDisplacement = 8

// groupSlot is one open-addressing table slot, guarded by its own mutex
// to simulate an atomic compare-and-swap claim on the key and an atomic
// add on the aggregate.
type groupSlot struct {
	mu       sync.Mutex
	occupied bool
	key      int64
	count    int64
	agg      float64
	distance int // home-slot distance, recorded by the Robin-Hood-derived strategy; not read
}

// groupTable is a fixed-size open-addressing hash table, shared by every
// block that targets the same simulated device.
type groupTable struct {
	slots    []groupSlot
	strategy HashStrategy
	aggOp    AggOp
}

func newGroupTable(size int, strategy HashStrategy, aggOp AggOp) *groupTable {
	if size < 16 {
		size = 16
	}
	return &groupTable{slots: make([]groupSlot, size), strategy: strategy, aggOp: aggOp}
}

func hash1(key int64, size int) int {
	h := uint64(key) * 2654435761
	return int(h % uint64(size))
}

func hash2(key int64, size int) int {
	h := uint64(key)*0x9E3779B97F4A7C15 + 1
	return int(h % uint64(size))
}

func (t *groupTable) applyAgg(slot *groupSlot, value int64) {
	slot.count++
	v := float64(value)
	switch t.aggOp {
	case AggSum:
		slot.agg += v
	case AggMin:
		if slot.count == 1 || v < slot.agg {
			slot.agg = v
		}
	case AggMax:
		if slot.count == 1 || v > slot.agg {
			slot.agg = v
		}
	}
}

// insert claims (or finds) key's slot and folds value into its aggregate,
// per t.strategy's probe sequence. Each candidate slot is locked before
// inspection, so two goroutines racing on the same key always serialize
// at the slot that ultimately holds it.
func (t *groupTable) insert(key int64, value int64) {
	size := len(t.slots)

	switch t.strategy {
	case StrategyCuckooHybrid:
		for _, h := range []int{hash1(key, size), hash2(key, size)} {
			if t.tryClaim(h, key, value) {
				return
			}
		}
		home := hash1(key, size)
		for d := 1; d <= cuckooMaxDisplacement; d++ {
			idx := (home + d) % size
			if t.tryClaim(idx, key, value) {
				return
			}
		}
		// Table under pressure beyond the bounded displacement: fall
		// back to unbounded linear probing so no value is ever dropped.
		t.linearProbeInsert(home, key, value)

	case StrategyRobinHoodDerived:
		home := hash1(key, size)
		t.linearProbeInsert(home, key, value)

	default: // StrategyLinearProbe
		home := hash1(key, size)
		t.linearProbeInsert(home, key, value)
	}
}

// tryClaim attempts to claim or match a single candidate slot without
// probing further; used by the cuckoo-hybrid strategy's two direct
// attempts before it falls back to bounded linear probing.
func (t *groupTable) tryClaim(idx int, key int64, value int64) bool {
	slot := &t.slots[idx]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.occupied {
		slot.occupied = true
		slot.key = key
		t.applyAgg(slot, value)
		return true
	}
	if slot.key == key {
		t.applyAgg(slot, value)
		return true
	}
	return false
}

// linearProbeInsert walks forward from home until an empty slot or the
// matching key is found, claiming/merging under that slot's own lock.
func (t *groupTable) linearProbeInsert(home int, key int64, value int64) {
	size := len(t.slots)
	for d := 0; d < size; d++ {
		idx := (home + d) % size
		slot := &t.slots[idx]
		slot.mu.Lock()
		if !slot.occupied {
			slot.occupied = true
			slot.key = key
			slot.distance = d
			t.applyAgg(slot, value)
			slot.mu.Unlock()
			return
		}
		if slot.key == key {
			t.applyAgg(slot, value)
			slot.mu.Unlock()
			return
		}
		slot.mu.Unlock()
	}
}

// merge folds other's occupied slots into t, reusing the same
// insert-or-merge discipline so the merged device-level table produces
// identical aggregates regardless of which per-block tables fed it.
func (t *groupTable) merge(other *groupTable) {
	for i := range other.slots {
		s := &other.slots[i]
		if !s.occupied {
			continue
		}
		t.mergeSlot(s)
	}
}

func (t *groupTable) mergeSlot(s *groupSlot) {
	home := hash1(s.key, len(t.slots))
	size := len(t.slots)
	for d := 0; d < size; d++ {
		idx := (home + d) % size
		slot := &t.slots[idx]
		slot.mu.Lock()
		if !slot.occupied {
			slot.occupied = true
			slot.key = s.key
			slot.count = s.count
			slot.agg = s.agg
			slot.mu.Unlock()
			return
		}
		if slot.key == s.key {
			slot.count += s.count
			switch t.aggOp {
			case AggSum:
				slot.agg += s.agg
			case AggMin:
				if s.agg < slot.agg {
					slot.agg = s.agg
				}
			case AggMax:
				if s.agg > slot.agg {
					slot.agg = s.agg
				}
			}
			slot.mu.Unlock()
			return
		}
		slot.mu.Unlock()
	}
}

// GroupResult is one distinct key's aggregate.
type GroupResult struct {
	Key   int64
	Count int64
	Agg   float64
}

// GroupBy builds a per-block hash table for each block of (keys, values)
// using strategy, then merges every block's table into one per-device
// global table (spec.md §4.10). Output is the set of distinct keys with
// their aggregates, independent of which strategy produced it.
func (e *Executor) GroupBy(ctx context.Context, keys []int64, values []int64, aggOp AggOp, strategy HashStrategy) ([]GroupResult, error) {
	if e.consumeFailure() {
		return nil, ErrKernelFailure
	}
	if len(keys) != len(values) {
		return nil, errLengthMismatch
	}
	if len(keys) == 0 {
		return nil, nil
	}

	blocks := blockBounds(len(keys), BlockSize)
	blockSize := len(keys)/len(blocks) + 16
	device := newGroupTable(deviceTableSize(len(keys)), strategy, aggOp)

	if len(blocks) == 1 {
		local := newGroupTable(blockSize, strategy, aggOp)
		insertBlock(local, keys, values, blocks[0])
		device.merge(local)
		return device.results(), nil
	}

	locals := make([]*groupTable, len(blocks))
	tasks := make([]workerpool.Task, len(blocks))
	for i, b := range blocks {
		i, b := i, b
		tasks[i] = func(ctx context.Context) error {
			local := newGroupTable(blockSize, strategy, aggOp)
			insertBlock(local, keys, values, b)
			locals[i] = local
			return nil
		}
	}
	results, err := e.pool.SubmitBatch(ctx, tasks)
	if err != nil {
		return nil, err
	}
	for r := range results {
		if r.Error != nil {
			return nil, r.Error
		}
	}
	for _, local := range locals {
		device.merge(local)
	}
	return device.results(), nil
}

func insertBlock(t *groupTable, keys, values []int64, b [2]int) {
	for i := b[0]; i < b[1]; i++ {
		t.insert(keys[i], values[i])
	}
}

func deviceTableSize(nRows int) int {
	size := nRows * 2
	if size < 64 {
		size = 64
	}
	return size
}

func (t *groupTable) results() []GroupResult {
	var out []GroupResult
	for i := range t.slots {
		s := &t.slots[i]
		if s.occupied {
			out = append(out, GroupResult{Key: s.key, Count: s.count, Agg: s.agg})
		}
	}
	return out
}
