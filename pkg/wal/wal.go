// Package wal implements the Write-Ahead Log (C2): a per-table partitioned,
// append-only durable log of committed mutations. Framing and
// checkpoint-then-append structure are grounded on the teacher's
// pkg/resource/parquet/wal.go (gob-encoded entries, fsync-per-append,
// checkpoint-discards-prior-entries); the length-prefixed-plus-checksum
// wire format and per-table partitioning are new, required by spec.md
// §4 ("length-prefixed framing with a trailing checksum") and use
// cespare/xxhash/v2, already a teacher transitive dependency pulled in by
// Badger, promoted here to a direct one.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/types"
)

// Durability controls how aggressively the WAL forces data to stable
// storage (spec.md §4: "full", "lazy", "off").
type Durability int

const (
	// DurabilityFull fsyncs after every Append.
	DurabilityFull Durability = iota
	// DurabilityLazy batches fsyncs on a background timer; bounds the loss
	// window to the flush interval.
	DurabilityLazy
	// DurabilityOff never fsyncs; used only for ephemeral caches.
	DurabilityOff
)

// EntryType mirrors the teacher's WALEntryType, generalized from
// row-oriented SQL operations to the engine's key/version model.
type EntryType uint8

const (
	EntryPut EntryType = iota + 1
	EntryDelete
	EntryCheckpoint
)

// Entry is a single WAL record: one committed version of one key.
type Entry struct {
	Type     EntryType
	Table    string
	Key      types.Key
	Value    []byte
	CommitTS uint64
	TxnID    uint64
}

const lengthPrefixSize = 4
const checksumSize = 8

// Partition is the append-only log for a single table. Only the WAL
// component writes to its file, per spec.md §5 "Shared resource policy".
type Partition struct {
	mu         sync.Mutex
	table      string
	dir        string
	durability Durability
	file       *os.File
	writer     *bufio.Writer
	segmentIdx int

	lastFsync time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup

	onAppend func(n int, bytes int)
}

// Options configures a Partition.
type Options struct {
	Durability    Durability
	FlushInterval time.Duration // used when Durability == DurabilityLazy
	OnAppend      func(n int, bytes int)
}

func segmentPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%08d.wal", idx))
}

// Open opens or creates the WAL partition for table under baseDir
// (<data-dir>/wal/<table>/), per spec.md §6 "Persisted layout".
func Open(baseDir, table string, opts Options) (*Partition, error) {
	dir := filepath.Join(baseDir, "wal", table)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: failed to create partition dir: %w", err)
	}

	idx, err := latestSegmentIndex(dir)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(segmentPath(dir, idx), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open segment: %w", err)
	}

	p := &Partition{
		table:      table,
		dir:        dir,
		durability: opts.Durability,
		file:       f,
		writer:     bufio.NewWriter(f),
		segmentIdx: idx,
		lastFsync:  time.Now(),
		onAppend:   opts.OnAppend,
	}

	if opts.Durability == DurabilityLazy {
		interval := opts.FlushInterval
		if interval <= 0 {
			interval = 50 * time.Millisecond
		}
		p.stopCh = make(chan struct{})
		p.wg.Add(1)
		go p.backgroundFsync(interval)
	}

	return p, nil
}

func latestSegmentIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to list segment dir: %w", err)
	}
	max := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "%08d.wal", &idx); err == nil {
			if idx > max {
				max = idx
			}
		}
	}
	return max, nil
}

func (p *Partition) backgroundFsync(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.writer.Flush()
			p.file.Sync()
			p.lastFsync = time.Now()
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}

// encode serializes an entry with length-prefix + trailing xxhash checksum.
func encode(w io.Writer, e *Entry) (int, error) {
	var buf []byte
	gw := &gobBuffer{}
	enc := gob.NewEncoder(gw)
	if err := enc.Encode(e); err != nil {
		return 0, fmt.Errorf("wal: failed to encode entry: %w", err)
	}
	buf = gw.data

	sum := xxhash.Sum64(buf)

	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(buf)))

	trailer := make([]byte, checksumSize)
	binary.BigEndian.PutUint64(trailer, sum)

	n := 0
	for _, chunk := range [][]byte{header, buf, trailer} {
		m, err := w.Write(chunk)
		n += m
		if err != nil {
			return n, fmt.Errorf("wal: short write: %w", err)
		}
	}
	return n, nil
}

// gobBuffer is a minimal io.Writer sink avoiding an extra bytes.Buffer import
// cycle concern; kept trivial on purpose.
type gobBuffer struct{ data []byte }

func (b *gobBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Append writes entries to the partition and, depending on durability,
// returns once they have reached the configured durability level
// (spec.md §4: "append(records) — writes a batch, returns when data has
// reached the chosen durability level").
func (p *Partition) Append(entries []Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for i := range entries {
		n, err := encode(p.writer, &entries[i])
		if err != nil {
			return err
		}
		total += n
	}

	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}

	switch p.durability {
	case DurabilityFull:
		if err := p.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync failed: %w", err)
		}
		p.lastFsync = time.Now()
	case DurabilityLazy, DurabilityOff:
		// Durable only up to the last background fsync (lazy) or not at
		// all (off); the background goroutine (lazy) or no one (off)
		// catches up.
	}

	if p.onAppend != nil {
		p.onAppend(len(entries), total)
	}
	return nil
}

// Flush forces durability regardless of the configured level
// (spec.md §4: "flush() — forces durability").
func (p *Partition) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync failed: %w", err)
	}
	p.lastFsync = time.Now()
	return nil
}

// Checkpoint appends a checkpoint marker recording upToCommitTS as the last
// commit_ts safe to truncate, then rotates to a new empty segment so older
// segments can be reclaimed once the caller persists the checkpoint to the
// manifest.
func (p *Partition) Checkpoint(upToCommitTS uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	marker := Entry{Type: EntryCheckpoint, Table: p.table, CommitTS: upToCommitTS}
	if _, err := encode(p.writer, &marker); err != nil {
		return err
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("wal: checkpoint flush failed: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("wal: checkpoint fsync failed: %w", err)
	}

	if err := p.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close segment for rotation: %w", err)
	}
	p.segmentIdx++
	f, err := os.OpenFile(segmentPath(p.dir, p.segmentIdx), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to open new segment: %w", err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// Close stops the background fsync goroutine (if any) and closes the file.
func (p *Partition) Close() error {
	if p.stopCh != nil {
		close(p.stopCh)
		p.wg.Wait()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer.Flush()
	return p.file.Close()
}

// Replay reads every segment in dir in order, returning entries since the
// last checkpoint. Any suffix of a segment that fails its checksum is
// truncated and replay stops there (spec.md §4: "Checksums must catch torn
// writes on replay; any suffix failing the checksum is truncated").
func Replay(baseDir, table string) ([]Entry, error) {
	dir := filepath.Join(baseDir, "wal", table)
	entries2, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: failed to list segment dir: %w", err)
	}

	var segments []string
	for _, e := range entries2 {
		if !e.IsDir() {
			segments = append(segments, e.Name())
		}
	}
	sortStrings(segments)

	var result []Entry
	for _, name := range segments {
		segEntries, truncated, err := replaySegment(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, e := range segEntries {
			if e.Type == EntryCheckpoint {
				result = result[:0]
				continue
			}
			result = append(result, e)
		}
		if truncated {
			break
		}
	}
	return result, nil
}

func replaySegment(path string) ([]Entry, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("wal: failed to open segment %q: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []Entry
	for {
		header := make([]byte, lengthPrefixSize)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return entries, false, nil
			}
			return entries, true, nil // partial header: torn write, truncate
		}
		length := binary.BigEndian.Uint32(header)

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return entries, true, nil
		}

		trailer := make([]byte, checksumSize)
		if _, err := io.ReadFull(r, trailer); err != nil {
			return entries, true, nil
		}
		wantSum := binary.BigEndian.Uint64(trailer)
		gotSum := xxhash.Sum64(body)
		if gotSum != wantSum {
			return entries, true, nil // checksum mismatch: torn write, truncate suffix
		}

		var e Entry
		dec := gob.NewDecoder(&gobReader{data: body})
		if err := dec.Decode(&e); err != nil {
			return entries, true, nil
		}
		entries = append(entries, e)
	}
}

type gobReader struct {
	data []byte
	pos  int
}

func (r *gobReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// CorruptionError wraps a detected WAL corruption for callers that need the
// taxonomy code rather than a bare error.
func CorruptionError(table string, detail string) error {
	return htaperr.NewErrCorruption("wal:"+table, detail)
}
