package existence

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	f.AddBatch(keys)

	for _, k := range keys {
		require.True(t, f.MaybeContains(k), "added key must never read as definitely-absent")
	}
}

func TestFilter_Rebuild(t *testing.T) {
	f := New(1000, 0.01)
	f.Add([]byte("stale"))

	f.Rebuild([][]byte{[]byte("fresh")})

	require.True(t, f.MaybeContains([]byte("fresh")))
}

func TestFilter_Merge(t *testing.T) {
	a := New(1000, 0.01)
	a.Add([]byte("k1"))
	b := New(1000, 0.01)
	b.Add([]byte("k2"))

	require.NoError(t, a.Merge(b))
	require.True(t, a.MaybeContains([]byte("k1")))
	require.True(t, a.MaybeContains([]byte("k2")))
}

func TestFilter_EncodeDecodeRoundTrip(t *testing.T) {
	f := New(1000, 0.01)
	f.Add([]byte("persisted"))

	var buf bytes.Buffer
	_, err := f.EncodeTo(&buf)
	require.NoError(t, err)

	loaded, err := DecodeFrom(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, loaded.MaybeContains([]byte("persisted")))
}

func TestSet_TableAndSegmentFilters(t *testing.T) {
	s := NewSet(1000, 0.01)
	s.TableFilter().Add([]byte("k1"))
	require.True(t, s.MaybeContains([]byte("k1")))

	segFilter := New(1000, 0.01)
	segFilter.Add([]byte("seg-key"))
	s.AddSegment("seg-1", segFilter)

	f, ok := s.SegmentFilter("seg-1")
	require.True(t, ok)
	require.True(t, f.MaybeContains([]byte("seg-key")))

	s.RemoveSegment("seg-1")
	_, ok = s.SegmentFilter("seg-1")
	require.False(t, ok)
}
