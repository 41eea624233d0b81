// Package gpu implements the GPU Executor (C10): reductions, predicate
// filtering, group-by aggregation, hash-join, and an optional radix sort,
// operating over columns staged in the Columnar Cache. No package in the
// retrieved example pool binds to CUDA, ROCm, or any GPU compute API, so
// this executor is a device-shaped CPU simulation: goroutine pools stand
// in for thread blocks (pkg/workerpool/pool.go), a single pool sized from
// ShardCount shared by every simulated device. It preserves every contract spec.md §4.10
// describes (two-pass reductions, tail handling, truncation reporting,
// hash-strategy equivalence) while being honestly CPU-backed.
package gpu

import (
	"context"
	"errors"
	"sync"

	"github.com/htapdb/htapdb/pkg/workerpool"
)

// ErrKernelFailure is a non-fatal operation failure (out-of-memory,
// invalid launch, or an injected failure for testing): the caller must
// fall back to a plain CPU code path (spec.md §4.10 "Failure semantics").
var ErrKernelFailure = errors.New("gpu: kernel launch failed")

// errLengthMismatch reports mismatched column lengths in a paired-column
// operation (group-by keys/values, join build/probe sides).
var errLengthMismatch = errors.New("gpu: column length mismatch")

// BlockSize is the natural reduction size of one simulated kernel launch
// block: input larger than this forces the mandatory two-pass design
// (spec.md §4.10).
const BlockSize = 4096

// ReduceOp selects a reduction kernel.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceCount
	ReduceMin
	ReduceMax
	ReduceAvg
)

// Executor runs GPU-shaped kernels over a pool of simulated devices.
type Executor struct {
	pool            *workerpool.Pool
	shardCount      int
	failureInjected bool
	mu              sync.Mutex
}

// NewExecutor creates an Executor backed by a worker pool sized for
// shardCount simulated devices (shardCount < 1 is treated as 1).
func NewExecutor(shardCount int) (*Executor, error) {
	if shardCount < 1 {
		shardCount = 1
	}
	cfg := workerpool.DefaultConfig()
	cfg.Size = shardCount * 4
	pool, err := workerpool.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Start(); err != nil {
		return nil, err
	}
	return &Executor{pool: pool, shardCount: shardCount}, nil
}

// Backend reports the execution substrate. Always "cpu-simulated": no
// real device hardware is involved.
func (e *Executor) Backend() string { return "cpu-simulated" }

// SimulateFailure toggles a forced ErrKernelFailure on the next kernel
// call, exercising the CPU-fallback path spec.md §4.10 requires of
// callers without needing real device hardware.
func (e *Executor) SimulateFailure(enabled bool) {
	e.mu.Lock()
	e.failureInjected = enabled
	e.mu.Unlock()
}

func (e *Executor) consumeFailure() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failureInjected {
		e.failureInjected = false
		return true
	}
	return false
}

// Close releases the executor's worker pool.
func (e *Executor) Close() error {
	return e.pool.Close()
}

func blockBounds(n, blockSize int) [][2]int {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	var blocks [][2]int
	for start := 0; start < n; start += blockSize {
		end := start + blockSize
		if end > n {
			end = n
		}
		blocks = append(blocks, [2]int{start, end})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, [2]int{0, 0})
	}
	return blocks
}

// reduceBlockPartial is one block's pass-1 partial result.
type reduceBlockPartial struct {
	sum   float64
	count int64
	min   float64
	max   float64
	has   bool
}

// Reduce performs sum/count/min/max/avg over data. When data exceeds
// BlockSize, pass 1 computes per-block partials concurrently across the
// simulated device pool; pass 2 reduces those partials sequentially, in
// block order, into the final scalar — avg is computed as sum/count, not
// as a parallel mean reduction, so the result is deterministic regardless
// of how many blocks were used (spec.md §4.10).
func (e *Executor) Reduce(ctx context.Context, op ReduceOp, data []int64) (float64, error) {
	if e.consumeFailure() {
		return 0, ErrKernelFailure
	}
	if len(data) == 0 {
		if op == ReduceCount {
			return 0, nil
		}
		return 0, nil
	}

	blocks := blockBounds(len(data), BlockSize)
	partials := make([]reduceBlockPartial, len(blocks))

	if len(blocks) == 1 {
		partials[0] = reduceBlock(data, blocks[0])
	} else {
		tasks := make([]workerpool.Task, len(blocks))
		for i, b := range blocks {
			i, b := i, b
			tasks[i] = func(ctx context.Context) error {
				partials[i] = reduceBlock(data, b)
				return nil
			}
		}
		results, err := e.pool.SubmitBatch(ctx, tasks)
		if err != nil {
			return 0, err
		}
		for r := range results {
			if r.Error != nil {
				return 0, r.Error
			}
		}
	}

	return reducePass2(op, partials), nil
}

func reduceBlock(data []int64, b [2]int) reduceBlockPartial {
	var p reduceBlockPartial
	for _, v := range data[b[0]:b[1]] {
		f := float64(v)
		if !p.has {
			p.min, p.max, p.has = f, f, true
		} else {
			if f < p.min {
				p.min = f
			}
			if f > p.max {
				p.max = f
			}
		}
		p.sum += f
		p.count++
	}
	return p
}

func reducePass2(op ReduceOp, partials []reduceBlockPartial) float64 {
	var sum float64
	var count int64
	var min, max float64
	has := false
	for _, p := range partials {
		if !p.has {
			continue
		}
		if !has {
			min, max, has = p.min, p.max, true
		} else {
			if p.min < min {
				min = p.min
			}
			if p.max > max {
				max = p.max
			}
		}
		sum += p.sum
		count += p.count
	}
	switch op {
	case ReduceSum:
		return sum
	case ReduceCount:
		return float64(count)
	case ReduceMin:
		return min
	case ReduceMax:
		return max
	case ReduceAvg:
		if count == 0 {
			return 0
		}
		return sum / float64(count)
	default:
		return 0
	}
}

// PredOp selects a filter predicate.
type PredOp int

const (
	PredGT PredOp = iota
	PredLT
	PredEQ
	PredRange // inclusive [lo, hi]
)

// Filter produces a byte mask of length len(data): 1 where the predicate
// holds, 0 otherwise. A tail shorter than BlockSize is handled naturally
// since Go slicing requires no explicit vector-width alignment (spec.md
// §4.10: "must handle a tail that is not a multiple of the vector width").
func (e *Executor) Filter(ctx context.Context, data []int64, op PredOp, lo, hi int64) ([]byte, error) {
	if e.consumeFailure() {
		return nil, ErrKernelFailure
	}
	mask := make([]byte, len(data))
	blocks := blockBounds(len(data), BlockSize)

	apply := func(b [2]int) {
		for i := b[0]; i < b[1]; i++ {
			v := data[i]
			var match bool
			switch op {
			case PredGT:
				match = v > lo
			case PredLT:
				match = v < lo
			case PredEQ:
				match = v == lo
			case PredRange:
				match = v >= lo && v <= hi
			}
			if match {
				mask[i] = 1
			}
		}
	}

	if len(blocks) <= 1 {
		if len(data) > 0 {
			apply(blocks[0])
		}
		return mask, nil
	}

	tasks := make([]workerpool.Task, len(blocks))
	for i, b := range blocks {
		b := b
		tasks[i] = func(ctx context.Context) error {
			apply(b)
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
	return mask, nil
}
