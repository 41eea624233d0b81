// Package oracle implements the Timestamp Oracle (C1): the sole source of
// read_ts and commit_ts for the engine, plus oldest-live-reader tracking.
// Its counter shape is grounded on service/mvcc/manager.go's XID allocation
// (Manager.xid, Manager.nextXID, Manager.transactions); the restart-durable
// persistence is grounded on pkg/resource/badger/transaction.go's
// SequenceManager, which backs auto-increment columns with a
// *badger.Sequence batched in groups of 1000 — the same pattern this
// package uses to avoid an fsync per allocate_commit_ts() call.
package oracle

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Oracle is the process-wide monotonic timestamp source (spec.md §4.1,
// §9 "MVCC global state"). Exactly one Oracle exists per open engine.
type Oracle struct {
	mu      sync.Mutex
	counter uint64
	seq     *badger.Sequence // nil in pure in-memory mode

	// readers is a multiset of outstanding reader timestamps, recorded as
	// counts so that many readers sharing a read_ts (common under bursty
	// load) don't require one map entry per reader.
	readers map[uint64]int
}

// SequenceBatchSize mirrors the teacher's SequenceManager.InitSequence
// batch size (pkg/resource/badger/transaction.go).
const SequenceBatchSize = 1000

// New creates an in-memory-only Oracle (no restart durability). Used for
// open_in_memory().
func New() *Oracle {
	return &Oracle{counter: 1, readers: make(map[uint64]int)}
}

// NewDurable creates an Oracle backed by a Badger sequence so commit_ts
// allocation survives process restart without reusing a value. key
// namespaces the sequence within the manifest's Badger instance.
func NewDurable(db *badger.DB, key string) (*Oracle, error) {
	seq, err := db.GetSequence([]byte(key), SequenceBatchSize)
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to create sequence: %w", err)
	}
	start, err := seq.Next()
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to seed counter: %w", err)
	}
	if start == 0 {
		start, err = seq.Next()
		if err != nil {
			return nil, fmt.Errorf("oracle: failed to seed counter: %w", err)
		}
	}
	return &Oracle{counter: start, seq: seq, readers: make(map[uint64]int)}, nil
}

// Now returns the current logical time without allocating a new value.
func (o *Oracle) Now() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counter
}

// AllocateCommitTS returns a fresh, strictly increasing commit_ts. Two
// concurrent calls always return strictly increasing values (P1).
func (o *Oracle) AllocateCommitTS() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seq != nil {
		ts, err := o.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("oracle: sequence exhausted: %w", err)
		}
		if ts == 0 {
			// The Badger sequence's zero value is reserved; skip it so a
			// commit_ts is never confused with "no commit".
			ts, err = o.seq.Next()
			if err != nil {
				return 0, fmt.Errorf("oracle: sequence exhausted: %w", err)
			}
		}
		if ts > o.counter {
			o.counter = ts
		}
		return ts, nil
	}
	o.counter++
	return o.counter, nil
}

// BeginRead registers a new reader at read_ts = Now() and returns it. The
// reader must call EndRead(readTS) when it finishes.
func (o *Oracle) BeginRead() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.counter
	o.readers[ts]++
	return ts
}

// EndRead releases a reader's slot, allowing oldest_live_read_ts to advance.
func (o *Oracle) EndRead(readTS uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n, ok := o.readers[readTS]; ok {
		if n <= 1 {
			delete(o.readers, readTS)
		} else {
			o.readers[readTS] = n - 1
		}
	}
}

// OldestLiveReadTS returns the minimum of the outstanding reader multiset,
// or the current counter if no readers are active. Monotonically
// non-decreasing as readers finish.
func (o *Oracle) OldestLiveReadTS() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.readers) == 0 {
		return o.counter
	}
	min := o.counter
	for ts := range o.readers {
		if ts < min {
			min = ts
		}
	}
	return min
}

// ActiveReaderCount returns the number of outstanding readers, for metrics.
func (o *Oracle) ActiveReaderCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.readers {
		n += c
	}
	return n
}

// Close releases the underlying Badger sequence, if any.
func (o *Oracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seq != nil {
		return o.seq.Release()
	}
	return nil
}
