package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/metrics"
)

// SetDurability changes the WAL durability level new writes use (spec.md §6
// "set_durability(level)"); level is one of "full", "lazy", "off".
// The new level applies to tables opened after this call; each already-open
// table facade keeps the level it was created with.
func (e *Engine) SetDurability(level string) error {
	switch level {
	case "full", "lazy", "off":
	default:
		return htaperr.NewErrSchemaMismatch("durability", fmt.Sprintf("unknown durability level %q", level))
	}
	e.mu.Lock()
	e.cfg.Durability = level
	e.mu.Unlock()
	return nil
}

// SetGPUHashStrategy changes the hash-table discipline GPUGroupBySum uses
// (spec.md §6 "set_gpu_hash_strategy(strategy)"); strategy is one of
// "linear_probe", "cuckoo_hybrid", "robin_hood_derived".
func (e *Engine) SetGPUHashStrategy(strategy string) error {
	switch strategy {
	case "linear_probe", "cuckoo_hybrid", "robin_hood_derived":
	default:
		return htaperr.NewErrSchemaMismatch("gpu_hash_strategy", fmt.Sprintf("unknown strategy %q", strategy))
	}
	e.mu.Lock()
	e.cfg.GPU.HashStrategy = strategy
	e.mu.Unlock()
	return nil
}

// GC forces an immediate dead-version prune across every table at the
// Oracle's current oldest-live-read_ts watermark (spec.md §6 "gc()"),
// returning the number of versions reclaimed.
func (e *Engine) GC() int64 {
	reclaimed := e.coordinator.GCNow()
	e.metrics.RecordGCSweep(reclaimed)
	return reclaimed
}

// Metrics returns a point-in-time snapshot of this engine's ambient
// counters (reads, writes, commits, flushes, GC, cache and GPU activity).
func (e *Engine) Metrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// SaveSnapshot copies this engine's entire on-disk state (manifest, WAL
// partitions, ROS segments) to dest, from which LoadSnapshot can reopen an
// observationally equal engine (spec.md §6 "save_snapshot(path)", P9).
// Not supported for in-memory engines, which have no on-disk state to copy.
func (e *Engine) SaveSnapshot(dest string) error {
	e.mu.RLock()
	src := e.dataDir
	inMemory := e.inMemory
	e.mu.RUnlock()

	if inMemory {
		return htaperr.NewErrResourceExhausted("snapshot", "in-memory engines have no on-disk state to snapshot")
	}
	return copyDir(src, dest)
}

func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
