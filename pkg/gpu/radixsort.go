package gpu

import "context"

const radixBitsPerPass = 8
const radixPasses = 8 // covers a full uint64 key in 8-bit passes

// RadixSort sorts keys (treated as unsigned) ascending using the optional
// fast path spec.md §4.10 describes: 8-bit passes, each pass a histogram
// + exclusive scan + scatter (LSD radix sort). rowIDs is permuted
// alongside keys so callers can recover the original row association.
// Deterministic and stable across passes.
func (e *Executor) RadixSort(ctx context.Context, keys []int64, rowIDs []int64) ([]int64, []int64, error) {
	if e.consumeFailure() {
		return nil, nil, ErrKernelFailure
	}
	if len(keys) != len(rowIDs) {
		return nil, nil, errLengthMismatch
	}

	n := len(keys)
	srcK := append([]int64(nil), keys...)
	srcR := append([]int64(nil), rowIDs...)
	dstK := make([]int64, n)
	dstR := make([]int64, n)

	for pass := 0; pass < radixPasses; pass++ {
		shift := uint(pass * radixBitsPerPass)

		var histogram [1 << radixBitsPerPass]int
		for _, k := range srcK {
			digit := (uint64(k) >> shift) & 0xFF
			histogram[digit]++
		}

		var offsets [1 << radixBitsPerPass]int
		sum := 0
		for d := 0; d < len(histogram); d++ {
			offsets[d] = sum
			sum += histogram[d]
		}

		for i := 0; i < n; i++ {
			digit := (uint64(srcK[i]) >> shift) & 0xFF
			pos := offsets[digit]
			offsets[digit]++
			dstK[pos] = srcK[i]
			dstR[pos] = srcR[i]
		}

		srcK, dstK = dstK, srcK
		srcR, dstR = dstR, srcR
	}

	return srcK, srcR, nil
}

// SortedGroupBy aggregates runs of equal keys in an already-sorted key
// array, paired with RadixSort per spec.md §4.10 ("paired with a 'sorted
// group-by' kernel that aggregates runs of equal keys").
func (e *Executor) SortedGroupBy(ctx context.Context, sortedKeys []int64, values []int64, aggOp AggOp) ([]GroupResult, error) {
	if e.consumeFailure() {
		return nil, ErrKernelFailure
	}
	if len(sortedKeys) != len(values) {
		return nil, errLengthMismatch
	}
	if len(sortedKeys) == 0 {
		return nil, nil
	}

	var out []GroupResult
	cur := GroupResult{Key: sortedKeys[0]}
	started := false

	flush := func(v int64) {
		cur.Count++
		f := float64(v)
		switch aggOp {
		case AggSum:
			cur.Agg += f
		case AggMin:
			if !started || f < cur.Agg {
				cur.Agg = f
			}
		case AggMax:
			if !started || f > cur.Agg {
				cur.Agg = f
			}
		}
		started = true
	}

	for i, k := range sortedKeys {
		if i > 0 && k != sortedKeys[i-1] {
			out = append(out, cur)
			cur = GroupResult{Key: k}
			started = false
		}
		flush(values[i])
	}
	out = append(out, cur)
	return out, nil
}
