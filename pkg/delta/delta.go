// Package delta implements the Delta Store (C3): an in-memory, key-ordered,
// versioned write buffer for hot writes. Its sharded-map-with-per-shard-lock
// concurrency discipline is grounded on pkg/resource/memory/mvcc_datasource.go
// (per-table RWMutex guarding a map of versions), generalized here from
// whole-table copy-on-write snapshots to a per-key version chain folded
// directly into Delta entries, per DESIGN.md's Open Question decision
// that versioning folds into Delta rather than living in a parallel
// structure.
package delta

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/htapdb/htapdb/pkg/types"
)

const shardCount = 32

// entry is the version chain for one key, ascending by CommitTS.
type entry struct {
	versions []types.Version
}

type shard struct {
	mu   sync.RWMutex
	data map[string]*entry
}

// Store is the key-ordered versioned write buffer for one table.
type Store struct {
	shards    [shardCount]*shard
	byteCount int64 // approximate, guarded by countMu
	countMu   sync.Mutex
	entryCnt  int64
}

// New creates an empty Delta Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(key types.Key) *shard {
	h := fnv.New32a()
	h.Write(key)
	return s.shards[h.Sum32()%shardCount]
}

// Put appends a new version for key. Versions for a given key must be
// appended in increasing CommitTS order by the caller (the Transaction
// Manager serializes commit installation).
func (s *Store) Put(key types.Key, v types.Version) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.data[string(key)]
	if !ok {
		e = &entry{}
		sh.data[string(key)] = e
		s.countMu.Lock()
		s.entryCnt++
		s.countMu.Unlock()
	}
	e.versions = append(e.versions, v)
	sh.mu.Unlock()

	s.countMu.Lock()
	s.byteCount += int64(len(key) + len(v.Value) + 24)
	s.countMu.Unlock()
}

// Get returns the version of key visible at readTS, if any (point get,
// spec.md §4.3).
func (s *Store) Get(key types.Key, readTS uint64) (types.Version, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.data[string(key)]
	if !ok {
		return types.Version{}, false
	}
	return types.VisibleVersion(e.versions, readTS)
}

// Versions returns a copy of the full version chain for key, oldest first.
// Used by the GC sweep to identify dead versions.
func (s *Store) Versions(key types.Key) []types.Version {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.data[string(key)]
	if !ok {
		return nil
	}
	out := make([]types.Version, len(e.versions))
	copy(out, e.versions)
	return out
}

// ScanResult is one key's visible state at a given read_ts, returned from
// Range.
type ScanResult struct {
	Key     types.Key
	Version types.Version
}

// Range returns all keys with start <= key < end, visible at readTS, in key
// order. A nil end means unbounded.
func (s *Store) Range(start, end types.Key, readTS uint64) []ScanResult {
	var all []ScanResult
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.data {
			key := types.Key(k)
			if key.Compare(start) < 0 {
				continue
			}
			if end != nil && key.Compare(end) >= 0 {
				continue
			}
			if v, ok := types.VisibleVersion(e.versions, readTS); ok {
				all = append(all, ScanResult{Key: key.Clone(), Version: v})
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key.Compare(all[j].Key) < 0 })
	return all
}

// Snapshot is an immutable, point-in-time copy of every key's version chain,
// handed to the Tier Coordinator for a flush into ROS (spec.md §4.3: "Flush
// hands off a snapshot of the current Delta contents").
type Snapshot struct {
	Entries map[string][]types.Version
}

// TakeSnapshot copies the entire current contents of the store. New writes
// continue into Delta normally while the snapshot is processed.
func (s *Store) TakeSnapshot() Snapshot {
	entries := make(map[string][]types.Version)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.data {
			cp := make([]types.Version, len(e.versions))
			copy(cp, e.versions)
			entries[k] = cp
		}
		sh.mu.RUnlock()
	}
	return Snapshot{Entries: entries}
}

// EvictFlushed removes, for each key in snapshot, exactly the version
// prefix that was present at snapshot time (by CommitTS), preserving any
// versions appended since. Called only after the Tier Coordinator's merge
// into ROS has committed (spec.md §4.3: "only after the merge commits are
// the flushed entries removed from Delta").
func (s *Store) EvictFlushed(snap Snapshot) {
	for k, flushedVersions := range snap.Entries {
		if len(flushedVersions) == 0 {
			continue
		}
		cutoff := flushedVersions[len(flushedVersions)-1].CommitTS
		key := types.Key(k)
		sh := s.shardFor(key)

		sh.mu.Lock()
		e, ok := sh.data[k]
		if ok {
			remaining := e.versions[:0:0]
			var freed int64
			for _, v := range e.versions {
				if v.CommitTS > cutoff {
					remaining = append(remaining, v)
				} else {
					freed += int64(len(k) + len(v.Value) + 24)
				}
			}
			s.countMu.Lock()
			s.byteCount -= freed
			s.countMu.Unlock()
			if len(remaining) == 0 {
				delete(sh.data, k)
				s.countMu.Lock()
				s.entryCnt--
				s.countMu.Unlock()
			} else {
				e.versions = remaining
			}
		}
		sh.mu.Unlock()
	}
}

// EntryCount returns the approximate number of distinct keys currently
// buffered, used by the Tier Coordinator's flush-trigger threshold.
func (s *Store) EntryCount() int64 {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.entryCnt
}

// ByteSize returns an approximate byte count of buffered data, used by the
// Tier Coordinator's size-threshold flush trigger.
func (s *Store) ByteSize() int64 {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.byteCount
}

// PruneDeadVersions discards, for every key, committed versions older than
// oldestLiveReadTS that are not the newest version below that threshold —
// i.e. versions no live snapshot can ever observe. Returns the number of
// versions reclaimed, for GC metrics (spec.md §4.11 GC sweep).
func (s *Store) PruneDeadVersions(oldestLiveReadTS uint64) int64 {
	var reclaimed int64
	var keysRemoved int64
	var freed int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			keep := pruneVersions(e.versions, oldestLiveReadTS)
			reclaimed += int64(len(e.versions) - len(keep))
			for _, v := range e.versions {
				freed += int64(len(k) + len(v.Value) + 24)
			}
			for _, v := range keep {
				freed -= int64(len(k) + len(v.Value) + 24)
			}
			if len(keep) == 0 {
				delete(sh.data, k)
				keysRemoved++
			} else {
				e.versions = keep
			}
		}
		sh.mu.Unlock()
	}
	if keysRemoved > 0 || freed > 0 {
		s.countMu.Lock()
		s.entryCnt -= keysRemoved
		s.byteCount -= freed
		s.countMu.Unlock()
	}
	return reclaimed
}

// pruneVersions keeps every version newer than threshold, plus the single
// newest version at or below threshold (the one a snapshot reading exactly
// at threshold would need) — unless that version is a tombstone, in which
// case it too is collectible once no live reader can see it.
func pruneVersions(versions []types.Version, threshold uint64) []types.Version {
	var newestAtOrBelow = -1
	for i, v := range versions {
		if v.CommitTS <= threshold {
			newestAtOrBelow = i
		}
	}
	if newestAtOrBelow == -1 {
		return versions
	}
	kept := make([]types.Version, 0, len(versions))
	for i, v := range versions {
		if i > newestAtOrBelow {
			kept = append(kept, v)
			continue
		}
		if i == newestAtOrBelow && !v.Tombstone {
			kept = append(kept, v)
		}
	}
	return kept
}
