package ros

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/htapdb/htapdb/pkg/types"
)

// MaxSegmentsPerLevel is the compaction trigger: once a level holds more
// than this many segments, the Tier Coordinator merges them into the level
// below (spec.md §4: leveled compaction).
const MaxSegmentsPerLevel = 4

// Tree is the per-table set of live segments, organized into levels.
// Level 0 holds segments written directly from Delta flushes (possibly
// key-overlapping); level >= 1 holds non-overlapping, merged segments.
type Tree struct {
	mu      sync.RWMutex
	baseDir string
	table   string
	levels  map[int][]*Segment
}

// NewTree creates an empty segment tree for a table.
func NewTree(baseDir, table string) *Tree {
	return &Tree{baseDir: baseDir, table: table, levels: make(map[int][]*Segment)}
}

// AddSegment installs a newly built or loaded segment into its level.
func (t *Tree) AddSegment(level int, seg *Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.levels[level] = append(t.levels[level], seg)
}

// Segments returns a snapshot slice of every segment across all levels,
// highest level first (oldest/most-compacted data last in read priority
// since lower levels hold newer writes).
func (t *Tree) Segments() []*Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var levelNums []int
	for lvl := range t.levels {
		levelNums = append(levelNums, lvl)
	}
	sort.Ints(levelNums)
	var out []*Segment
	for i := len(levelNums) - 1; i >= 0; i-- {
		out = append(out, t.levels[levelNums[i]]...)
	}
	return out
}

// Get probes level 0 upward (newest first) for key, short-circuiting on
// the first segment whose filter says "maybe" and whose data confirms a
// visible version.
func (t *Tree) Get(key types.Key, readTS uint64) (types.Version, bool, error) {
	for _, seg := range t.segmentsNewestFirst() {
		if !seg.MaybeContains(key) {
			continue
		}
		if err := seg.Pin(); err != nil {
			return types.Version{}, false, fmt.Errorf("ros: failed to pin segment %s: %w", seg.ID, err)
		}
		v, ok := seg.Get(key, readTS)
		seg.Unpin()
		if ok {
			return v, true, nil
		}
	}
	return types.Version{}, false, nil
}

func (t *Tree) segmentsNewestFirst() []*Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var levelNums []int
	for lvl := range t.levels {
		levelNums = append(levelNums, lvl)
	}
	sort.Ints(levelNums)
	var out []*Segment
	for _, lvl := range levelNums {
		segs := t.levels[lvl]
		for i := len(segs) - 1; i >= 0; i-- {
			out = append(out, segs[i])
		}
	}
	return out
}

// Range merges visible entries across every segment in [start, end), most
// recently flushed wins on key collision (level 0 segments are appended in
// chronological order so later entries in the slice are newer).
func (t *Tree) Range(start, end types.Key, readTS uint64) ([]Entry, error) {
	merged := make(map[string]Entry)
	for _, seg := range t.segmentsNewestFirst() {
		if err := seg.Pin(); err != nil {
			return nil, fmt.Errorf("ros: failed to pin segment %s: %w", seg.ID, err)
		}
		entries := seg.Range(start, end, readTS)
		seg.Unpin()
		for _, e := range entries {
			if _, exists := merged[string(e.Key)]; !exists {
				merged[string(e.Key)] = e
			}
		}
	}
	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// NeedsCompaction reports whether any level has crossed MaxSegmentsPerLevel,
// the Tier Coordinator's compaction trigger.
func (t *Tree) NeedsCompaction() (level int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for lvl, segs := range t.levels {
		if len(segs) > MaxSegmentsPerLevel {
			return lvl, true
		}
	}
	return 0, false
}

// CompactLevel merges every segment at level into a single new segment at
// level+1, pinning inputs for the duration, then atomically swaps the
// level's segment list for the new output segment. Input segments are
// returned to the caller for unlinking once the caller confirms no
// outstanding readers remain (RefCount() == 0).
func (t *Tree) CompactLevel(level int) (output *Segment, inputs []*Segment, err error) {
	t.mu.Lock()
	inputs = append([]*Segment(nil), t.levels[level]...)
	t.mu.Unlock()

	if len(inputs) == 0 {
		return nil, nil, nil
	}

	for _, seg := range inputs {
		if err := seg.Pin(); err != nil {
			return nil, nil, fmt.Errorf("ros: failed to pin segment %s for compaction: %w", seg.ID, err)
		}
	}
	defer func() {
		for _, seg := range inputs {
			seg.Unpin()
		}
	}()

	merged := make(map[string][]types.Version)
	for _, seg := range inputs {
		for _, e := range seg.entries {
			merged[string(e.Key)] = append(merged[string(e.Key)], e.Version)
		}
	}

	var entries []Entry
	for k, versions := range merged {
		sort.Slice(versions, func(i, j int) bool { return versions[i].CommitTS < versions[j].CommitTS })
		dedup := versions[:0:0]
		var lastTS uint64
		for i, v := range versions {
			if i > 0 && v.CommitTS == lastTS {
				continue
			}
			dedup = append(dedup, v)
			lastTS = v.CommitTS
		}
		for _, v := range dedup {
			entries = append(entries, Entry{Key: types.Key(k), Version: v})
		}
	}

	id := uuid.NewString()
	output, err = Build(t.baseDir, t.table, id, level+1, entries)
	if err != nil {
		return nil, nil, fmt.Errorf("ros: failed to build compacted segment: %w", err)
	}

	t.mu.Lock()
	t.levels[level] = nil
	t.levels[level+1] = append(t.levels[level+1], output)
	t.mu.Unlock()

	return output, inputs, nil
}
