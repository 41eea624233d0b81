package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/htapdb/htapdb/pkg/gpu"
	"github.com/htapdb/htapdb/pkg/htaperr"
	"github.com/htapdb/htapdb/pkg/types"
)

// ErrGPUDisabled reports that the engine was opened with gpu.enabled=false.
var ErrGPUDisabled = htaperr.NewErrResourceExhausted("gpu", "gpu executor disabled in configuration")

// analyticalStore holds the caller-registered Arrow batches GPU primitives
// operate over (spec.md §6 "register_table_batches(table, batches)"). This
// is distinct from a table's Columnar Cache (derived internally from
// Delta+ROS, keyed by row key/value): callers push already-typed,
// named-column batches here specifically to make them GPU-queryable,
// independent of whatever key/value schema the table itself uses.
type analyticalStore struct {
	mu      sync.RWMutex
	batches map[string][]arrow.Record
}

func newAnalyticalStore() *analyticalStore {
	return &analyticalStore{batches: make(map[string][]arrow.Record)}
}

func (s *analyticalStore) register(table string, batches []arrow.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[table] = append(s.batches[table], batches...)
}

func (s *analyticalStore) replace(table string, batches []arrow.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[table] = batches
}

func (s *analyticalStore) snapshot(table string) ([]arrow.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[table]
	return b, ok
}

// RegisterTableBatches makes batches available to the typed GPU primitives
// for table, appending to anything already registered. Call with a fresh
// slice (via a prior SyncGPUCache or application-level refresh) to avoid
// unbounded growth across repeated registrations.
func (e *Engine) RegisterTableBatches(table string, batches []arrow.Record) {
	e.analytical.register(table, batches)
}

// SyncGPUCache replaces table's registered analytical batches with a fresh
// copy, discarding anything registered before this call (spec.md §6
// "sync_gpu_cache(table)").
func (e *Engine) SyncGPUCache(table string, batches []arrow.Record) {
	e.analytical.replace(table, batches)
}

// CacheSnapshot returns table's currently registered Arrow record batches,
// the input to every typed GPU primitive below.
func (e *Engine) CacheSnapshot(table string) ([]arrow.Record, error) {
	batches, ok := e.analytical.snapshot(table)
	if !ok {
		return nil, htaperr.NewErrNotFound(table, "no batches registered for gpu access")
	}
	return batches, nil
}

func (e *Engine) requireGPU() (*gpu.Executor, error) {
	if e.gpuExec == nil {
		e.metrics.RecordGPUFallback()
		return nil, ErrGPUDisabled
	}
	e.metrics.RecordGPUDispatch()
	return e.gpuExec, nil
}

// extractInt64Column finds column in batches and concatenates its values.
// Every typed GPU primitive operates on int64 columns; non-numeric columns
// are rejected with a schema-mismatch error.
func extractInt64Column(batches []arrow.Record, column string) ([]int64, error) {
	var out []int64
	for _, batch := range batches {
		idx := -1
		for i, f := range batch.Schema().Fields() {
			if f.Name == column {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, htaperr.NewErrSchemaMismatch(column, "column not present in registered batch")
		}
		col, ok := batch.Column(idx).(*array.Int64)
		if !ok {
			return nil, htaperr.NewErrSchemaMismatch(column, "column is not int64-typed")
		}
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
	}
	return out, nil
}

// GPUSum, GPUCount, GPUMin, GPUMax, GPUAvg run the corresponding typed
// reduction over table's registered column (spec.md §6
// "gpu.{sum,count,min,max,avg}").

func (e *Engine) GPUSum(ctx context.Context, table, column string) (float64, error) {
	return e.gpuReduce(ctx, table, column, gpu.ReduceSum)
}

func (e *Engine) GPUCount(ctx context.Context, table, column string) (float64, error) {
	return e.gpuReduce(ctx, table, column, gpu.ReduceCount)
}

func (e *Engine) GPUMin(ctx context.Context, table, column string) (float64, error) {
	return e.gpuReduce(ctx, table, column, gpu.ReduceMin)
}

func (e *Engine) GPUMax(ctx context.Context, table, column string) (float64, error) {
	return e.gpuReduce(ctx, table, column, gpu.ReduceMax)
}

func (e *Engine) GPUAvg(ctx context.Context, table, column string) (float64, error) {
	return e.gpuReduce(ctx, table, column, gpu.ReduceAvg)
}

func (e *Engine) gpuReduce(ctx context.Context, table, column string, op gpu.ReduceOp) (float64, error) {
	exec, err := e.requireGPU()
	if err != nil {
		return 0, err
	}
	batches, err := e.CacheSnapshot(table)
	if err != nil {
		return 0, err
	}
	data, err := extractInt64Column(batches, column)
	if err != nil {
		return 0, err
	}
	return exec.Reduce(ctx, op, data)
}

// GPUFilterRange runs a range predicate over table's column, returning a
// byte mask (1 = passes) the same length as the column (spec.md §6
// "gpu.filter_*").
func (e *Engine) GPUFilterRange(ctx context.Context, table, column string, lo, hi int64) ([]byte, error) {
	exec, err := e.requireGPU()
	if err != nil {
		return nil, err
	}
	batches, err := e.CacheSnapshot(table)
	if err != nil {
		return nil, err
	}
	data, err := extractInt64Column(batches, column)
	if err != nil {
		return nil, err
	}
	return exec.Filter(ctx, data, gpu.PredRange, lo, hi)
}

// GPUGroupBySum groups table by keyColumn, summing valueColumn within each
// group (spec.md §6 "gpu.group_by_sum"), using the engine's configured
// hash strategy.
func (e *Engine) GPUGroupBySum(ctx context.Context, table, keyColumn, valueColumn string) ([]gpu.GroupResult, error) {
	exec, err := e.requireGPU()
	if err != nil {
		return nil, err
	}
	batches, err := e.CacheSnapshot(table)
	if err != nil {
		return nil, err
	}
	keys, err := extractInt64Column(batches, keyColumn)
	if err != nil {
		return nil, err
	}
	values, err := extractInt64Column(batches, valueColumn)
	if err != nil {
		return nil, err
	}
	return exec.GroupBy(ctx, keys, values, gpu.AggSum, hashStrategyFromConfig(e.cfg.GPU.HashStrategy))
}

func hashStrategyFromConfig(name string) gpu.HashStrategy {
	switch name {
	case "cuckoo_hybrid":
		return gpu.StrategyCuckooHybrid
	case "robin_hood_derived":
		return gpu.StrategyRobinHoodDerived
	default:
		return gpu.StrategyLinearProbe
	}
}

// GPUHashJoin equi-joins buildTable.buildColumn against probeTable.probeColumn,
// returning matched row-id pairs bounded by maxOutput (spec.md §6
// "gpu.hash_join").
func (e *Engine) GPUHashJoin(ctx context.Context, buildTable, buildColumn, probeTable, probeColumn string, maxOutput int) (gpu.JoinResult, error) {
	exec, err := e.requireGPU()
	if err != nil {
		return gpu.JoinResult{}, err
	}

	buildBatches, err := e.CacheSnapshot(buildTable)
	if err != nil {
		return gpu.JoinResult{}, err
	}
	buildKeys, err := extractInt64Column(buildBatches, buildColumn)
	if err != nil {
		return gpu.JoinResult{}, err
	}

	probeBatches, err := e.CacheSnapshot(probeTable)
	if err != nil {
		return gpu.JoinResult{}, err
	}
	probeKeys, err := extractInt64Column(probeBatches, probeColumn)
	if err != nil {
		return gpu.JoinResult{}, err
	}

	buildRowIDs := sequentialRowIDs(len(buildKeys))
	probeRowIDs := sequentialRowIDs(len(probeKeys))
	return exec.HashJoin(ctx, buildKeys, buildRowIDs, probeKeys, probeRowIDs, maxOutput)
}

func sequentialRowIDs(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

// ExecuteSQL is intentionally unimplemented: SQL parsing is out of scope
// for this storage engine (no SPEC_FULL.md component performs it, and no
// SQL parser dependency is wired — see DESIGN.md's dropped-dependencies
// ledger). Callers needing query execution should drive the typed
// gpu.{sum,count,...} primitives and scan/range operations directly.
func (e *Engine) ExecuteSQL(sql string) (types.Record, error) {
	return nil, fmt.Errorf("engine: execute_sql is not supported; use the typed GPU and scan primitives")
}
