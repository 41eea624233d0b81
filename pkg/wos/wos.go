// Package wos implements the WOS Facade (C7): the read/write interface
// over the WAL (C2), Delta Store (C3), and ROS (C5), performing merge
// reads across all three and handing off flushed Delta snapshots for
// compaction into ROS. Its merge-read precedence (Delta overrides ROS,
// newest wins) follows the same "newest version wins" discipline as
// pkg/resource/memory/mvcc_datasource.go's COW overlay of a transaction's
// modified rows atop the base table version.
package wos

import (
	"fmt"

	"github.com/htapdb/htapdb/pkg/delta"
	"github.com/htapdb/htapdb/pkg/existence"
	"github.com/htapdb/htapdb/pkg/ros"
	"github.com/htapdb/htapdb/pkg/types"
	"github.com/htapdb/htapdb/pkg/wal"
)

// Facade ties together one table's WAL partition, Delta Store, existence
// filter set, and ROS segment tree.
type Facade struct {
	Table string

	WAL   *wal.Partition
	Delta *delta.Store
	Exist *existence.Set
	ROS   *ros.Tree
}

// New opens (creating if necessary) the WOS facade for table.
func New(baseDir, table string, durability wal.Durability) (*Facade, error) {
	w, err := wal.Open(baseDir, table, wal.Options{Durability: durability})
	if err != nil {
		return nil, fmt.Errorf("wos: failed to open wal partition: %w", err)
	}
	return &Facade{
		Table: table,
		WAL:   w,
		Delta: delta.New(),
		Exist: existence.NewSet(existence.DefaultCapacityHint, existence.DefaultFalsePositiveRate),
		ROS:   ros.NewTree(baseDir, table),
	}, nil
}

// Write stages a batch of versions: WAL append precedes any externally
// visible effect (spec.md §4: "WAL records precede any externally visible
// effect of a commit"), then install into Delta, then OR new keys into the
// existence filter.
func (f *Facade) Write(entries []wal.Entry) error {
	if err := f.WAL.Append(entries); err != nil {
		return fmt.Errorf("wos: wal append failed: %w", err)
	}
	for _, e := range entries {
		tombstone := e.Type == wal.EntryDelete
		f.Delta.Put(e.Key, types.Version{
			Value:     e.Value,
			CommitTS:  e.CommitTS,
			TxnID:     e.TxnID,
			Tombstone: tombstone,
		})
		f.Exist.TableFilter().Add(e.Key)
	}
	return nil
}

// Get performs a merge read: Delta is consulted first (it holds the most
// recent versions); if Delta has no visible version and the table filter
// does not definitely rule the key out, ROS is consulted.
func (f *Facade) Get(key types.Key, readTS uint64) (types.Version, bool, error) {
	if v, ok := f.Delta.Get(key, readTS); ok {
		if v.Tombstone {
			return types.Version{}, false, nil
		}
		return v, true, nil
	}

	if !f.Exist.MaybeContains(key) {
		return types.Version{}, false, nil
	}

	v, ok, err := f.ROS.Get(key, readTS)
	if err != nil {
		return types.Version{}, false, fmt.Errorf("wos: ros lookup failed: %w", err)
	}
	if !ok || v.Tombstone {
		return types.Version{}, false, nil
	}
	return v, true, nil
}

// Range performs a merge scan over [start, end): Delta results override ROS
// results for the same key (Delta is always newer).
func (f *Facade) Range(start, end types.Key, readTS uint64) ([]ros.Entry, error) {
	rosEntries, err := f.ROS.Range(start, end, readTS)
	if err != nil {
		return nil, fmt.Errorf("wos: ros range failed: %w", err)
	}

	merged := make(map[string]ros.Entry, len(rosEntries))
	for _, e := range rosEntries {
		merged[string(e.Key)] = e
	}

	for _, r := range f.Delta.Range(start, end, readTS) {
		merged[string(r.Key)] = ros.Entry{Key: r.Key, Version: r.Version}
	}

	out := make([]ros.Entry, 0, len(merged))
	for _, e := range merged {
		if e.Version.Tombstone {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// FlushThresholdReached reports whether Delta has crossed its size or entry
// threshold and should be handed off for a flush (spec.md §4.3).
func (f *Facade) FlushThresholdReached(maxEntries, maxBytes int64) bool {
	return f.Delta.EntryCount() >= maxEntries || f.Delta.ByteSize() >= maxBytes
}

// Flush takes a Delta snapshot, compacts it into a new level-0 ROS segment,
// registers a per-segment existence filter holding the segment's keys in
// the table's filter set, and evicts the flushed prefix from Delta. Only after the ROS segment is
// durable does eviction occur (spec.md §4.3: "only after the merge commits
// are the flushed entries removed from Delta").
func (f *Facade) Flush(baseDir, segmentID string) (*ros.Segment, error) {
	snap := f.Delta.TakeSnapshot()
	if len(snap.Entries) == 0 {
		return nil, nil
	}

	var entries []ros.Entry
	for k, versions := range snap.Entries {
		for _, v := range versions {
			entries = append(entries, ros.Entry{Key: types.Key(k), Version: v})
		}
	}

	seg, err := ros.Build(baseDir, f.Table, segmentID, 0, entries)
	if err != nil {
		return nil, fmt.Errorf("wos: failed to build flush segment: %w", err)
	}
	f.ROS.AddSegment(0, seg)
	segFilter := existence.New(uint(len(entries)), existence.DefaultFalsePositiveRate)
	for _, en := range entries {
		segFilter.Add(en.Key)
	}
	f.Exist.AddSegment(segmentID, segFilter)

	f.Delta.EvictFlushed(snap)
	return seg, nil
}

// Checkpoint forwards to the WAL partition, recording the last commit_ts
// now durable in ROS as safely truncatable.
func (f *Facade) Checkpoint(upToCommitTS uint64) error {
	return f.WAL.Checkpoint(upToCommitTS)
}

// Close releases the WAL partition's resources.
func (f *Facade) Close() error {
	return f.WAL.Close()
}
