package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := NewExecutor(1)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestExecutor_Backend(t *testing.T) {
	e := newTestExecutor(t)
	require.Equal(t, "cpu-simulated", e.Backend())
}

func TestExecutor_ReduceSingleBlock(t *testing.T) {
	e := newTestExecutor(t)
	data := []int64{1, 2, 3, 4, 5}

	sum, err := e.Reduce(context.Background(), ReduceSum, data)
	require.NoError(t, err)
	require.Equal(t, float64(15), sum)

	avg, err := e.Reduce(context.Background(), ReduceAvg, data)
	require.NoError(t, err)
	require.Equal(t, float64(3), avg)

	min, err := e.Reduce(context.Background(), ReduceMin, data)
	require.NoError(t, err)
	require.Equal(t, float64(1), min)

	max, err := e.Reduce(context.Background(), ReduceMax, data)
	require.NoError(t, err)
	require.Equal(t, float64(5), max)
}

func TestExecutor_ReduceTwoPassMatchesSinglePass(t *testing.T) {
	e := newTestExecutor(t)
	n := BlockSize*3 + 17 // forces multiple blocks, including a ragged tail
	data := make([]int64, n)
	for i := range data {
		data[i] = int64(i % 101)
	}

	sum, err := e.Reduce(context.Background(), ReduceSum, data)
	require.NoError(t, err)

	var want int64
	for _, v := range data {
		want += v
	}
	require.Equal(t, float64(want), sum)
}

func TestExecutor_FilterHandlesRaggedTail(t *testing.T) {
	e := newTestExecutor(t)
	n := BlockSize + 3
	data := make([]int64, n)
	for i := range data {
		data[i] = int64(i)
	}

	mask, err := e.Filter(context.Background(), data, PredGT, int64(n-5), 0)
	require.NoError(t, err)
	require.Len(t, mask, n)

	var matched int
	for _, m := range mask {
		if m == 1 {
			matched++
		}
	}
	require.Equal(t, 4, matched)
}

func TestExecutor_SimulateFailureReturnsKernelError(t *testing.T) {
	e := newTestExecutor(t)
	e.SimulateFailure(true)

	_, err := e.Reduce(context.Background(), ReduceSum, []int64{1, 2, 3})
	require.ErrorIs(t, err, ErrKernelFailure)

	// one-shot: the next call succeeds normally.
	_, err = e.Reduce(context.Background(), ReduceSum, []int64{1, 2, 3})
	require.NoError(t, err)
}

func TestExecutor_GroupBy_AllStrategiesAgree(t *testing.T) {
	e := newTestExecutor(t)
	n := 2000
	keys := make([]int64, n)
	values := make([]int64, n)
	for i := 0; i < n; i++ {
		keys[i] = int64(i % 37)
		values[i] = int64(i)
	}

	want := map[int64]int64{}
	for i := 0; i < n; i++ {
		want[keys[i]] += values[i]
	}

	for _, strategy := range []HashStrategy{StrategyLinearProbe, StrategyCuckooHybrid, StrategyRobinHoodDerived} {
		results, err := e.GroupBy(context.Background(), keys, values, AggSum, strategy)
		require.NoError(t, err)
		require.Len(t, results, len(want))
		for _, r := range results {
			require.Equal(t, float64(want[r.Key]), r.Agg, "strategy %v key %d", strategy, r.Key)
		}
	}
}

func TestExecutor_HashJoin_BoundedOutputReportsTruncation(t *testing.T) {
	e := newTestExecutor(t)
	buildKeys := []int64{1, 2, 3}
	buildRowIDs := []int64{10, 20, 30}
	probeKeys := []int64{1, 1, 2, 3, 3, 3}
	probeRowIDs := []int64{100, 101, 102, 103, 104, 105}

	result, err := e.HashJoin(context.Background(), buildKeys, buildRowIDs, probeKeys, probeRowIDs, 3)
	require.NoError(t, err)
	require.Len(t, result.Pairs, 3)
	require.True(t, result.Truncated)
}

func TestExecutor_HashJoin_DuplicateBuildKeyKeepsFirst(t *testing.T) {
	e := newTestExecutor(t)
	buildKeys := []int64{1, 1}
	buildRowIDs := []int64{10, 99}
	probeKeys := []int64{1}
	probeRowIDs := []int64{200}

	result, err := e.HashJoin(context.Background(), buildKeys, buildRowIDs, probeKeys, probeRowIDs, 0)
	require.NoError(t, err)
	require.Equal(t, []JoinPair{{ProbeRowID: 200, BuildRowID: 10}}, result.Pairs)
	require.False(t, result.Truncated)
}

func TestExecutor_RadixSortThenSortedGroupBy(t *testing.T) {
	e := newTestExecutor(t)
	keys := []int64{5, 1, 3, 1, 5, 2}
	rowIDs := []int64{0, 1, 2, 3, 4, 5}

	sortedKeys, sortedRowIDs, err := e.RadixSort(context.Background(), keys, rowIDs)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1, 2, 3, 5, 5}, sortedKeys)
	require.Len(t, sortedRowIDs, 6)

	values := make([]int64, len(sortedKeys))
	for i := range values {
		values[i] = 1
	}
	groups, err := e.SortedGroupBy(context.Background(), sortedKeys, values, AggSum)
	require.NoError(t, err)
	require.Len(t, groups, 4)

	counts := map[int64]float64{}
	for _, g := range groups {
		counts[g.Key] = g.Agg
	}
	require.Equal(t, float64(2), counts[1])
	require.Equal(t, float64(1), counts[2])
	require.Equal(t, float64(1), counts[3])
	require.Equal(t, float64(2), counts[5])
}

func TestPartition_ContiguousRangeCoversAllRows(t *testing.T) {
	shards := Partition(ShardContiguousRange, 10, 3, nil)
	require.Len(t, shards, 3)

	var total int
	for _, s := range shards {
		total += len(s)
	}
	require.Equal(t, 10, total)
}

func TestPartition_RoundRobinDistributesEvenly(t *testing.T) {
	shards := Partition(ShardRoundRobin, 9, 3, nil)
	for _, s := range shards {
		require.Len(t, s, 3)
	}
}
