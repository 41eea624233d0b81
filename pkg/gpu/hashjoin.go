package gpu

import "context"

// JoinPair is one matched (probe-row-id, build-row-id) pair.
type JoinPair struct {
	ProbeRowID int64
	BuildRowID int64
}

// JoinResult is the bounded output of a hash-join.
type JoinResult struct {
	Pairs     []JoinPair
	Truncated bool
}

// buildEntry is one build-side key's retained row-id. Duplicates on the
// build side are handled by preserving the first occurrence (spec.md
// §4.10); a chaining extension is permitted but not required, and is not
// implemented here.
type buildEntry struct {
	key   int64
	rowID int64
}

// HashJoin performs an equi-join: the build phase inserts (key, row-id)
// from buildKeys/buildRowIDs into a table sized >= 2x build rows; the probe
// phase scans probeKeys/probeRowIDs, emitting matching pairs into an output
// bounded by maxOutput. When the cap is hit, Truncated reports it
// (spec.md §4.10). The sides are used as passed; their sizes are not
// compared, so the build side is not necessarily the smaller one.
func (e *Executor) HashJoin(ctx context.Context, buildKeys, buildRowIDs []int64, probeKeys, probeRowIDs []int64, maxOutput int) (JoinResult, error) {
	if e.consumeFailure() {
		return JoinResult{}, ErrKernelFailure
	}
	if len(buildKeys) != len(buildRowIDs) || len(probeKeys) != len(probeRowIDs) {
		return JoinResult{}, errLengthMismatch
	}

	size := len(buildKeys)*2 + 16
	table := make([]*buildEntry, size)

	insert := func(key, rowID int64) {
		home := hash1(key, size)
		for d := 0; d < size; d++ {
			idx := (home + d) % size
			if table[idx] == nil {
				table[idx] = &buildEntry{key: key, rowID: rowID}
				return
			}
			if table[idx].key == key {
				// First occurrence wins; duplicate build keys beyond the
				// first are dropped per spec.md §4.10.
				return
			}
		}
	}
	for i, k := range buildKeys {
		insert(k, buildRowIDs[i])
	}

	probe := func(key int64) (int64, bool) {
		home := hash1(key, size)
		for d := 0; d < size; d++ {
			idx := (home + d) % size
			e := table[idx]
			if e == nil {
				return 0, false
			}
			if e.key == key {
				return e.rowID, true
			}
		}
		return 0, false
	}

	var result JoinResult
	for i, k := range probeKeys {
		buildRowID, ok := probe(k)
		if !ok {
			continue
		}
		if maxOutput > 0 && len(result.Pairs) >= maxOutput {
			result.Truncated = true
			break
		}
		result.Pairs = append(result.Pairs, JoinPair{ProbeRowID: probeRowIDs[i], BuildRowID: buildRowID})
	}
	return result, nil
}
