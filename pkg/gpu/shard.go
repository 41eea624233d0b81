package gpu

// ShardStrategy selects how rows are partitioned across simulated devices
// when more than one device is present (spec.md §4.10).
type ShardStrategy int

const (
	// ShardRoundRobin assigns row i to shard i % shardCount.
	ShardRoundRobin ShardStrategy = iota
	// ShardHashFirstColumn assigns a row by hashing its first column.
	ShardHashFirstColumn
	// ShardContiguousRange splits rows into shardCount contiguous ranges.
	ShardContiguousRange
)

// Partition splits n row indices into shardCount shards per strategy,
// using firstColumn for ShardHashFirstColumn. Returns one []int of row
// indices per shard.
func Partition(strategy ShardStrategy, n int, shardCount int, firstColumn []int64) [][]int {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([][]int, shardCount)

	switch strategy {
	case ShardHashFirstColumn:
		for i := 0; i < n; i++ {
			var key int64
			if i < len(firstColumn) {
				key = firstColumn[i]
			}
			s := hash1(key, shardCount)
			shards[s] = append(shards[s], i)
		}
	case ShardContiguousRange:
		base := n / shardCount
		rem := n % shardCount
		start := 0
		for s := 0; s < shardCount; s++ {
			size := base
			if s < rem {
				size++
			}
			for i := start; i < start+size; i++ {
				shards[s] = append(shards[s], i)
			}
			start += size
		}
	default: // ShardRoundRobin
		for i := 0; i < n; i++ {
			s := i % shardCount
			shards[s] = append(shards[s], i)
		}
	}
	return shards
}

// ShardCount reports how many simulated devices the executor dispatches
// across.
func (e *Executor) ShardCount() int { return e.shardCount }
