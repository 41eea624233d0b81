// Package ros implements the ROS (C5): immutable, compressed, columnar,
// key-ordered segments produced by compaction. The background
// maintenance-goroutine shape that drives compaction scheduling is
// grounded on pkg/resource/badger/maintenance.go's MaintenanceManager
// (ticker-driven runGC/runCompaction loops with a stop channel), adapted
// here from a whole-database Badger compaction to per-table leveled
// segment merging. On-disk columns use Apache Arrow IPC framing
// (apache/arrow-go/v18, also an indirect dependency surfaced by
// other_examples/manifests/malbeclabs-lake/go.mod) with the serialized
// batch zstd-compressed (github.com/klauspost/compress/zstd), and an
// existence filter (pkg/existence) persisted alongside.
package ros

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/zstd"

	"github.com/htapdb/htapdb/pkg/existence"
	"github.com/htapdb/htapdb/pkg/types"
)

// Entry is one (key, version) pair stored in a segment. A segment may hold
// several versions of the same key when multiple Delta flushes landed in
// the same level-0 segment before compaction merged them.
type Entry struct {
	Key     types.Key
	Version types.Version
}

var arrowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.Binary},
	{Name: "value", Type: arrow.BinaryTypes.Binary},
	{Name: "commit_ts", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "tombstone", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// Stats mirrors stats.json (SPEC_FULL.md §4.5a): per-segment min/max key,
// row count, and the upper bound commit_ts a segment can answer for.
type Stats struct {
	MinKey             types.Key `json:"min_key"`
	MaxKey             types.Key `json:"max_key"`
	RowCount           int       `json:"row_count"`
	CommitTSUpperBound uint64    `json:"commit_ts_upper_bound"`
	Level              int       `json:"level"`
}

// Segment is one immutable sorted columnar run. Entries are sorted by
// (key, commit_ts) ascending.
type Segment struct {
	ID    string
	Table string
	dir   string

	stats  Stats
	filter *existence.Filter

	mu      sync.RWMutex
	entries []Entry // loaded lazily; nil until Pin()

	refCount int32
}

func segmentDir(baseDir, table, id string) string {
	return filepath.Join(baseDir, "ros", table, id)
}

// Build seals a new segment from already-sorted entries and writes it to
// disk under <baseDir>/ros/<table>/<id>/.
func Build(baseDir, table, id string, level int, entries []Entry) (*Segment, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("ros: cannot build an empty segment")
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].Key.Compare(entries[j].Key); c != 0 {
			return c < 0
		}
		return entries[i].Version.CommitTS < entries[j].Version.CommitTS
	})

	dir := segmentDir(baseDir, table, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ros: failed to create segment dir: %w", err)
	}

	if err := writeData(dir, entries); err != nil {
		return nil, err
	}

	f := existence.New(uint(len(entries)), existence.DefaultFalsePositiveRate)
	for _, e := range entries {
		f.Add(e.Key)
	}
	if err := writeFilter(dir, f); err != nil {
		return nil, err
	}

	stats := Stats{
		MinKey:             entries[0].Key.Clone(),
		MaxKey:             entries[len(entries)-1].Key.Clone(),
		RowCount:           len(entries),
		CommitTSUpperBound: maxCommitTS(entries),
		Level:              level,
	}
	if err := writeStats(dir, stats); err != nil {
		return nil, err
	}

	return &Segment{ID: id, Table: table, dir: dir, stats: stats, filter: f, entries: entries}, nil
}

func maxCommitTS(entries []Entry) uint64 {
	var max uint64
	for _, e := range entries {
		if e.Version.CommitTS > max {
			max = e.Version.CommitTS
		}
	}
	return max
}

func writeData(dir string, entries []Entry) error {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, arrowSchema)
	defer b.Release()

	keyB := b.Field(0).(*array.BinaryBuilder)
	valB := b.Field(1).(*array.BinaryBuilder)
	tsB := b.Field(2).(*array.Uint64Builder)
	tombB := b.Field(3).(*array.BooleanBuilder)

	for _, e := range entries {
		keyB.Append(e.Key)
		if e.Version.Tombstone {
			valB.AppendNull()
		} else {
			valB.Append(e.Version.Value)
		}
		tsB.Append(e.Version.CommitTS)
		tombB.Append(e.Version.Tombstone)
	}

	rec := b.NewRecord()
	defer rec.Release()

	var raw bytes.Buffer
	w, err := ipc.NewFileWriter(&raw, ipc.WithSchema(arrowSchema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("ros: failed to create ipc writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("ros: failed to write record batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("ros: failed to close ipc writer: %w", err)
	}

	path := filepath.Join(dir, "data.arrow.zst")
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ros: failed to create data file: %w", err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("ros: failed to create zstd writer: %w", err)
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return fmt.Errorf("ros: failed to write compressed data: %w", err)
	}
	return zw.Close()
}

func readData(dir string) ([]Entry, error) {
	path := filepath.Join(dir, "data.arrow.zst")
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ros: failed to open data file: %w", err)
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("ros: failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("ros: failed to decompress segment data: %w", err)
	}

	mem := memory.NewGoAllocator()
	r, err := ipc.NewFileReader(bytes.NewReader(raw.Bytes()), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("ros: failed to create ipc reader: %w", err)
	}
	defer r.Close()

	var entries []Entry
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("ros: failed to read record batch %d: %w", i, err)
		}
		keyCol := rec.Column(0).(*array.Binary)
		valCol := rec.Column(1).(*array.Binary)
		tsCol := rec.Column(2).(*array.Uint64)
		tombCol := rec.Column(3).(*array.Boolean)

		for row := 0; row < int(rec.NumRows()); row++ {
			v := types.Version{CommitTS: tsCol.Value(row), Tombstone: tombCol.Value(row)}
			if !v.Tombstone {
				v.Value = append([]byte(nil), valCol.Value(row)...)
			}
			entries = append(entries, Entry{
				Key:     types.Key(append([]byte(nil), keyCol.Value(row)...)),
				Version: v,
			})
		}
	}
	return entries, nil
}

func writeFilter(dir string, f *existence.Filter) error {
	path := filepath.Join(dir, "filter.bin")
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ros: failed to create filter file: %w", err)
	}
	defer out.Close()
	var buf bytes.Buffer
	if _, err := f.EncodeTo(&buf); err != nil {
		return fmt.Errorf("ros: failed to encode filter: %w", err)
	}
	_, err = out.Write(buf.Bytes())
	return err
}

func readFilter(dir string) (*existence.Filter, error) {
	path := filepath.Join(dir, "filter.bin")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ros: failed to read filter file: %w", err)
	}
	return existence.DecodeFrom(bytes.NewReader(data))
}

// Open loads a previously built segment's stats and filter; row data is
// loaded lazily via Pin().
func Open(baseDir, table, id string) (*Segment, error) {
	dir := segmentDir(baseDir, table, id)
	stats, err := readStats(dir)
	if err != nil {
		return nil, err
	}
	filter, err := readFilter(dir)
	if err != nil {
		return nil, err
	}
	return &Segment{ID: id, Table: table, dir: dir, stats: stats, filter: filter}, nil
}

// Pin increments the segment's reference count and ensures its row data is
// loaded, preventing unlink while any reader holds a pin (spec.md §5:
// "ROS segment files are written by compaction threads, read by scan
// threads through a reference-counted handle that prevents unlink while
// pinned").
func (s *Segment) Pin() error {
	atomic.AddInt32(&s.refCount, 1)
	s.mu.RLock()
	loaded := s.entries != nil
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries != nil {
		return nil
	}
	entries, err := readData(s.dir)
	if err != nil {
		atomic.AddInt32(&s.refCount, -1)
		return err
	}
	s.entries = entries
	return nil
}

// Unpin decrements the reference count.
func (s *Segment) Unpin() {
	atomic.AddInt32(&s.refCount, -1)
}

// RefCount returns the current pin count.
func (s *Segment) RefCount() int32 { return atomic.LoadInt32(&s.refCount) }

// Stats returns the segment's persisted statistics.
func (s *Segment) Stats() Stats { return s.stats }

// MaybeContains answers the segment-scoped existence probe.
func (s *Segment) MaybeContains(key types.Key) bool { return s.filter.MaybeContains(key) }

// Get returns the version of key visible at readTS within this segment
// alone (callers merge across segments/levels and Delta).
func (s *Segment) Get(key types.Key, readTS uint64) (types.Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entries == nil {
		return types.Version{}, false
	}
	lo, hi := 0, len(s.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.entries[mid].Key.Compare(key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	var versions []types.Version
	for i := lo; i < len(s.entries) && s.entries[i].Key.Compare(key) == 0; i++ {
		versions = append(versions, s.entries[i].Version)
	}
	return types.VisibleVersion(versions, readTS)
}

// Range returns every entry in [start, end) visible at readTS, in key order.
func (s *Segment) Range(start, end types.Key, readTS uint64) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entries == nil {
		return nil
	}

	var out []Entry
	i := 0
	for i < len(s.entries) {
		key := s.entries[i].Key
		if key.Compare(start) < 0 {
			i++
			continue
		}
		if end != nil && key.Compare(end) >= 0 {
			break
		}
		j := i
		var versions []types.Version
		for j < len(s.entries) && s.entries[j].Key.Compare(key) == 0 {
			versions = append(versions, s.entries[j].Version)
			j++
		}
		if v, ok := types.VisibleVersion(versions, readTS); ok {
			out = append(out, Entry{Key: key, Version: v})
		}
		i = j
	}
	return out
}

// Remove deletes the segment's on-disk files. Callers must ensure
// RefCount() == 0 first.
func (s *Segment) Remove() error {
	if s.RefCount() > 0 {
		return fmt.Errorf("ros: cannot remove pinned segment %s (refcount=%d)", s.ID, s.RefCount())
	}
	return os.RemoveAll(s.dir)
}
