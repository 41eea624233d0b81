package engine

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/config"
	"github.com/htapdb/htapdb/pkg/gpu"
)

func int64Batch(t *testing.T, columns map[string][]int64) arrow.Record {
	t.Helper()
	fields := make([]arrow.Field, 0, len(columns))
	for name := range columns {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64})
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, f := range schema.Fields() {
		vals := columns[f.Name]
		builder := b.Field(i).(*array.Int64Builder)
		builder.AppendValues(vals, nil)
	}
	return b.NewRecord()
}

func gpuTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.GPU.Enabled = true
	e, err := OpenInMemory(Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_GPUSumOverRegisteredBatch(t *testing.T) {
	e := gpuTestEngine(t)
	e.RegisterTableBatches("orders", []arrow.Record{int64Batch(t, map[string][]int64{"amount": {10, 20, 30}})})

	sum, err := e.GPUSum(context.Background(), "orders", "amount")
	require.NoError(t, err)
	require.Equal(t, float64(60), sum)
}

func TestEngine_GPUQueryWithoutRegisteredBatchReturnsNotFound(t *testing.T) {
	e := gpuTestEngine(t)
	_, err := e.GPUSum(context.Background(), "orders", "amount")
	require.Error(t, err)
}

func TestEngine_GPUQueryUnknownColumnReturnsSchemaMismatch(t *testing.T) {
	e := gpuTestEngine(t)
	e.RegisterTableBatches("orders", []arrow.Record{int64Batch(t, map[string][]int64{"amount": {10}})})

	_, err := e.GPUSum(context.Background(), "orders", "missing")
	require.Error(t, err)
}

func TestEngine_GPUDisabledReturnsErrGPUDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.GPU.Enabled = false
	e, err := OpenInMemory(Options{Config: cfg})
	require.NoError(t, err)
	defer e.Close()

	e.RegisterTableBatches("orders", []arrow.Record{int64Batch(t, map[string][]int64{"amount": {10}})})

	_, err = e.GPUSum(context.Background(), "orders", "amount")
	require.ErrorIs(t, err, ErrGPUDisabled)
}

func TestEngine_SyncGPUCacheReplacesRatherThanAppends(t *testing.T) {
	e := gpuTestEngine(t)
	e.RegisterTableBatches("orders", []arrow.Record{int64Batch(t, map[string][]int64{"amount": {10, 20}})})
	e.SyncGPUCache("orders", []arrow.Record{int64Batch(t, map[string][]int64{"amount": {5}})})

	sum, err := e.GPUSum(context.Background(), "orders", "amount")
	require.NoError(t, err)
	require.Equal(t, float64(5), sum)
}

func TestEngine_GPUFilterRangeProducesMaskOverRegisteredBatch(t *testing.T) {
	e := gpuTestEngine(t)
	e.RegisterTableBatches("orders", []arrow.Record{int64Batch(t, map[string][]int64{"amount": {5, 15, 25}})})

	mask, err := e.GPUFilterRange(context.Background(), "orders", "amount", 10, 20)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 0}, mask)
}

func TestEngine_GPUGroupBySumAggregatesByKey(t *testing.T) {
	e := gpuTestEngine(t)
	e.RegisterTableBatches("orders", []arrow.Record{int64Batch(t, map[string][]int64{
		"region": {1, 1, 2},
		"amount": {10, 20, 30},
	})})

	results, err := e.GPUGroupBySum(context.Background(), "orders", "region", "amount")
	require.NoError(t, err)

	totals := map[int64]float64{}
	for _, r := range results {
		totals[r.Key] = r.Agg
	}
	require.Equal(t, float64(30), totals[1])
	require.Equal(t, float64(30), totals[2])
}

func TestEngine_GPUHashJoinMatchesBuildAndProbeKeys(t *testing.T) {
	e := gpuTestEngine(t)
	e.RegisterTableBatches("customers", []arrow.Record{int64Batch(t, map[string][]int64{"id": {1, 2}})})
	e.RegisterTableBatches("orders", []arrow.Record{int64Batch(t, map[string][]int64{"customer_id": {2}})})

	result, err := e.GPUHashJoin(context.Background(), "customers", "id", "orders", "customer_id", 10)
	require.NoError(t, err)
	require.Len(t, result.Pairs, 1)
	require.Equal(t, gpu.JoinPair{ProbeRowID: 0, BuildRowID: 1}, result.Pairs[0])
}

func TestEngine_ExecuteSQLIsUnsupported(t *testing.T) {
	e := gpuTestEngine(t)
	_, err := e.ExecuteSQL("select 1")
	require.Error(t, err)
}
