package delta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/htapdb/htapdb/pkg/types"
)

func TestStore_PutGetSnapshotIsolation(t *testing.T) {
	s := New()
	key := types.Key("k1")

	s.Put(key, types.Version{Value: []byte("v1"), CommitTS: 1})
	s.Put(key, types.Version{Value: []byte("v2"), CommitTS: 5})

	v, ok := s.Get(key, 3)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v.Value)

	v, ok = s.Get(key, 10)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v.Value)

	_, ok = s.Get(key, 0)
	require.False(t, ok)
}

func TestStore_TombstoneHidesKey(t *testing.T) {
	s := New()
	key := types.Key("k1")
	s.Put(key, types.Version{Value: []byte("v1"), CommitTS: 1})
	s.Put(key, types.Version{CommitTS: 2, Tombstone: true})

	_, ok := s.Get(key, 10)
	require.False(t, ok)
}

func TestStore_RangeOrdersByKey(t *testing.T) {
	s := New()
	s.Put(types.Key("b"), types.Version{Value: []byte("1"), CommitTS: 1})
	s.Put(types.Key("a"), types.Version{Value: []byte("2"), CommitTS: 1})
	s.Put(types.Key("c"), types.Version{Value: []byte("3"), CommitTS: 1})

	results := s.Range(nil, nil, 10)
	require.Len(t, results, 3)
	require.Equal(t, types.Key("a"), results[0].Key)
	require.Equal(t, types.Key("b"), results[1].Key)
	require.Equal(t, types.Key("c"), results[2].Key)
}

func TestStore_SnapshotAndEvictFlushed(t *testing.T) {
	s := New()
	key := types.Key("k1")
	s.Put(key, types.Version{Value: []byte("v1"), CommitTS: 1})

	snap := s.TakeSnapshot()

	// A write arrives after the snapshot was taken; it must survive eviction.
	s.Put(key, types.Version{Value: []byte("v2"), CommitTS: 2})

	s.EvictFlushed(snap)

	versions := s.Versions(key)
	require.Len(t, versions, 1)
	require.Equal(t, uint64(2), versions[0].CommitTS)
}

func TestStore_PruneDeadVersionsKeepsNewestVisible(t *testing.T) {
	s := New()
	key := types.Key("k1")
	s.Put(key, types.Version{Value: []byte("v1"), CommitTS: 1})
	s.Put(key, types.Version{Value: []byte("v2"), CommitTS: 2})
	s.Put(key, types.Version{Value: []byte("v3"), CommitTS: 3})

	reclaimed := s.PruneDeadVersions(2)
	require.Equal(t, int64(1), reclaimed)

	versions := s.Versions(key)
	require.Len(t, versions, 2)
	require.Equal(t, uint64(2), versions[0].CommitTS)
	require.Equal(t, uint64(3), versions[1].CommitTS)
}

func TestStore_PruneDeadVersionsRemovesFullyTombstonedKey(t *testing.T) {
	s := New()
	key := types.Key("k1")
	s.Put(key, types.Version{CommitTS: 1, Tombstone: true})

	reclaimed := s.PruneDeadVersions(5)
	require.Equal(t, int64(1), reclaimed)
	require.Equal(t, int64(0), s.EntryCount())
}

func TestStore_EntryCountAndByteSize(t *testing.T) {
	s := New()
	require.Equal(t, int64(0), s.EntryCount())
	s.Put(types.Key("k1"), types.Version{Value: []byte("v1"), CommitTS: 1})
	require.Equal(t, int64(1), s.EntryCount())
	require.Greater(t, s.ByteSize(), int64(0))
}
