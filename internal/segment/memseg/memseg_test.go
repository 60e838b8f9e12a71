package memseg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/memseg"
)

func newSeg() *memseg.Segment {
	return memseg.New(segment.SegmentConfig{Dim: 2, Distance: segment.DistanceDot}, true)
}

func TestUpsertThenReplayIsNoOp(t *testing.T) {
	s := newSeg()

	applied, err := s.UpsertPoint(10, 1, segment.Vector{1, 1})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, s.VectorsCount())

	applied, err = s.UpsertPoint(5, 1, segment.Vector{9, 9})
	require.NoError(t, err)
	assert.False(t, applied)

	v, err := s.Vector(1)
	require.NoError(t, err)
	assert.Equal(t, segment.Vector{1, 1}, v)
}

func TestUpsertTwiceSameOpNumBothLand(t *testing.T) {
	// Exercises the gate's equal-op_num case: a mutator carrying the segment's own
	// current-tip seq is allowed to re-apply, which is what lets a proxy's
	// move-then-overwrite sequence land both halves under one incoming
	// op_num.
	s := newSeg()
	_, err := s.UpsertPoint(1, 1, segment.Vector{1, 1})
	require.NoError(t, err)

	applied, err := s.UpsertPoint(1, 1, segment.Vector{2, 2})
	require.NoError(t, err)
	assert.True(t, applied)

	v, err := s.Vector(1)
	require.NoError(t, err)
	assert.Equal(t, segment.Vector{2, 2}, v)
}

func TestIdempotentReplayOutOfOrderAcrossPoints(t *testing.T) {
	// Operations on distinct points may apply out of order; the final
	// state for each point only depends on the highest seq touching that
	// point.
	s := newSeg()
	_, _ = s.UpsertPoint(10, 1, segment.Vector{1, 0})
	_, _ = s.UpsertPoint(20, 2, segment.Vector{0, 1})
	_, _ = s.UpsertPoint(15, 1, segment.Vector{9, 9}) // stale for point 1, ignored

	v1, _ := s.Vector(1)
	v2, _ := s.Vector(2)
	assert.Equal(t, segment.Vector{1, 0}, v1)
	assert.Equal(t, segment.Vector{0, 1}, v2)
}

func TestNonAppendableRejectsNewPoint(t *testing.T) {
	s := memseg.New(segment.SegmentConfig{Dim: 2}, false)
	_, err := s.UpsertPoint(1, 1, segment.Vector{1, 1})
	assert.Error(t, err)
}

func TestDeletePointRemovesFromSearchAndIter(t *testing.T) {
	s := newSeg()
	_, _ = s.UpsertPoint(1, 1, segment.Vector{1, 0})
	_, _ = s.UpsertPoint(2, 2, segment.Vector{0, 1})

	applied, err := s.DeletePoint(3, 1)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.False(t, s.HasPoint(1))
	ids, err := s.IterPoints()
	require.NoError(t, err)
	assert.Equal(t, []segment.PointID{2}, ids)

	results, err := s.Search(segment.Vector{1, 1}, nil, 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, segment.PointID(2), results[0].ID)
}

func TestVectorsCountNeverLessThanZero(t *testing.T) {
	// Count arithmetic must never underflow.
	s := newSeg()
	for i := 0; i < 5; i++ {
		_, _ = s.DeletePoint(segment.SeqNumber(i+1), segment.PointID(i))
	}
	assert.GreaterOrEqual(t, s.VectorsCount(), 0)
	assert.GreaterOrEqual(t, s.DeletedCount(), 0)
}

func TestFieldIndexCreateAndDelete(t *testing.T) {
	s := newSeg()
	_, err := s.CreateFieldIndex(1, "city")
	require.NoError(t, err)
	assert.Contains(t, s.IndexedFields(), "city")

	_, err = s.DeleteFieldIndex(2, "city")
	require.NoError(t, err)
	assert.NotContains(t, s.IndexedFields(), "city")
}
