package optimizer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
	"github.com/milvus-io/segmentcore/internal/segment/memseg"
	"github.com/milvus-io/segmentcore/internal/segment/optimizer"
)

func cfg() segment.SegmentConfig {
	return segment.SegmentConfig{Dim: 2, Distance: segment.DistanceDot}
}

func segWithPoints(t *testing.T, n int, startID int) *memseg.Segment {
	t.Helper()
	s := memseg.New(cfg(), true)
	for i := 0; i < n; i++ {
		id := segment.PointID(startID + i)
		_, err := s.UpsertPoint(segment.SeqNumber(i+1), id, segment.Vector{1, 1})
		require.NoError(t, err)
	}
	return s
}

func TestMergeOptimizerMergesSmallestSegments(t *testing.T) {
	h := holder.New()
	a := h.Add(segWithPoints(t, 100, 0))
	b := h.Add(segWithPoints(t, 120, 1000))
	_ = h.Add(segWithPoints(t, 5000, 2000)) // C, must survive untouched

	opt := &optimizer.MergeOptimizer{Thresholds: config.OptimizersConfig{MaxSegmentNumber: 2}}
	victims := opt.CheckCondition(h, nil)
	require.Len(t, victims, 2)
	assert.ElementsMatch(t, []holder.SegmentID{a, b}, victims)

	newID, err := opt.Optimize(context.Background(), h, victims, t.TempDir())
	require.NoError(t, err)

	_, aOK := h.Get(a)
	_, bOK := h.Get(b)
	assert.False(t, aOK)
	assert.False(t, bOK)

	newLocked, ok := h.Get(newID)
	require.True(t, ok)
	assert.Equal(t, 220, newLocked.RLock().VectorsCount())
	newLocked.RUnlock()
	assert.Equal(t, 2, h.Len()) // merged + C + nothing else
}

func TestVacuumOptimizerSelectsAboveThreshold(t *testing.T) {
	s := memseg.New(cfg(), true)
	for i := 0; i < 1000; i++ {
		_, err := s.UpsertPoint(segment.SeqNumber(i+1), segment.PointID(i), segment.Vector{1, 1})
		require.NoError(t, err)
	}
	for i := 0; i < 300; i++ {
		_, err := s.DeletePoint(segment.SeqNumber(2000+i), segment.PointID(i))
		require.NoError(t, err)
	}
	h := holder.New()
	h.Add(s)

	opt := &optimizer.VacuumOptimizer{Thresholds: config.OptimizersConfig{
		DeletedThreshold:      0.5,
		VacuumMinVectorNumber: 500,
	}}
	// live=700, deleted=300: ratio 300/1000 = 0.3, below threshold.
	assert.Empty(t, opt.CheckCondition(h, nil))

	for i := 300; i < 500; i++ {
		_, err := s.DeletePoint(segment.SeqNumber(3000+i), segment.PointID(i))
		require.NoError(t, err)
	}
	// live=500 (still at vacuum_min_vector_number), deleted=500: ratio
	// 500/1000 = 0.5, at threshold and gated on live count, not the
	// now-shrunk total: selected.
	victims := opt.CheckCondition(h, nil)
	require.Len(t, victims, 1)
}

func TestVacuumOptimizerSkipsBelowLiveMinimumEvenAtHighRatio(t *testing.T) {
	s := memseg.New(cfg(), true)
	for i := 0; i < 1000; i++ {
		_, err := s.UpsertPoint(segment.SeqNumber(i+1), segment.PointID(i), segment.Vector{1, 1})
		require.NoError(t, err)
	}
	for i := 0; i < 900; i++ {
		_, err := s.DeletePoint(segment.SeqNumber(2000+i), segment.PointID(i))
		require.NoError(t, err)
	}
	h := holder.New()
	h.Add(s)

	// live=100, deleted=900: ratio 0.9 is well above deleted_threshold, but
	// live count is below vacuum_min_vector_number, so the segment is not
	// selected.
	opt := &optimizer.VacuumOptimizer{Thresholds: config.OptimizersConfig{
		DeletedThreshold:      0.5,
		VacuumMinVectorNumber: 500,
	}}
	assert.Empty(t, opt.CheckCondition(h, nil))
}

func TestIndexingOptimizerSelectsSegmentCrossingThreshold(t *testing.T) {
	h := holder.New()
	small := h.Add(segWithPoints(t, 10, 0))
	big := h.Add(segWithPoints(t, 50, 1000))

	opt := &optimizer.IndexingOptimizer{Thresholds: config.OptimizersConfig{IndexingThreshold: 20}}
	victims := opt.CheckCondition(h, nil)
	require.Len(t, victims, 1)
	assert.Equal(t, big, victims[0])
	assert.NotEqual(t, small, victims[0])

	newID, err := opt.Optimize(context.Background(), h, victims, t.TempDir())
	require.NoError(t, err)
	newLocked, ok := h.Get(newID)
	require.True(t, ok)
	info := newLocked.RLock().Info()
	newLocked.RUnlock()
	assert.Equal(t, segment.SegmentTypeIndexed, info.SegmentType)
}

func TestIndexingOptimizerSelectsInMemorySegmentPastMemmapThreshold(t *testing.T) {
	h := holder.New()
	id := h.Add(segWithPoints(t, 50, 0))

	// Already small enough to stay plain, but past the memmap threshold
	// while still stored fully in memory: its configuration is weaker than
	// prescribed, so it qualifies.
	opt := &optimizer.IndexingOptimizer{Thresholds: config.OptimizersConfig{
		IndexingThreshold: 1000,
		MemmapThreshold:   40,
	}}
	victims := opt.CheckCondition(h, nil)
	require.Len(t, victims, 1)
	assert.Equal(t, id, victims[0])

	newID, err := opt.Optimize(context.Background(), h, victims, t.TempDir())
	require.NoError(t, err)
	newLocked, ok := h.Get(newID)
	require.True(t, ok)
	newCfg := newLocked.RLock().Config()
	newLocked.RUnlock()
	assert.Equal(t, segment.StorageMMap, newCfg.Storage)
	assert.Equal(t, segment.IndexPlain, newCfg.Index)
}

func TestRebuildIndexesPopularPayloadField(t *testing.T) {
	s := memseg.New(cfg(), true)
	for i := 0; i < 50; i++ {
		id := segment.PointID(i)
		_, err := s.UpsertPoint(segment.SeqNumber(2*i+1), id, segment.Vector{1, 1})
		require.NoError(t, err)
		if i < 40 {
			_, err = s.SetFullPayload(segment.SeqNumber(2*i+2), id, segment.Payload{
				"city": segment.StringValue("nyc"),
			})
			require.NoError(t, err)
		}
	}
	h := holder.New()
	victim := h.Add(s)

	// 40 of 50 points carry "city": at or above payload_indexing_threshold,
	// so the rebuilt segment gets a payload index for it.
	opt := &optimizer.IndexingOptimizer{Thresholds: config.OptimizersConfig{
		IndexingThreshold:        20,
		PayloadIndexingThreshold: 30,
	}}
	newID, err := opt.Optimize(context.Background(), h, []holder.SegmentID{victim}, t.TempDir())
	require.NoError(t, err)

	newLocked, ok := h.Get(newID)
	require.True(t, ok)
	fields := newLocked.RLock().IndexedFields()
	newLocked.RUnlock()
	assert.Contains(t, fields, "city")
}

func TestNewPointUpsertedDuringOptimizeSurvivesSwap(t *testing.T) {
	h := holder.New()
	victim := h.Add(segWithPoints(t, 5000, 0))

	opt := &optimizer.IndexingOptimizer{Thresholds: config.OptimizersConfig{IndexingThreshold: 100}}

	var newID holder.SegmentID
	var optErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		newID, optErr = opt.Optimize(context.Background(), h, []holder.SegmentID{victim}, t.TempDir())
	}()

	// Wait for the proxy to be installed over the victim, then land a
	// brand-new point through it while the build is still copying the
	// frozen original.
	locked, ok := h.Get(victim)
	require.True(t, ok)
	for {
		s := locked.RLock()
		special := s.Info().SegmentType == segment.SegmentTypeSpecial
		locked.RUnlock()
		if special {
			break
		}
		time.Sleep(time.Microsecond)
	}
	const freshPoint = segment.PointID(99999)
	locked.WithLock(func(s segment.Segment) {
		_, err := s.UpsertPoint(segment.SeqNumber(10000), freshPoint, segment.Vector{1, 1})
		assert.NoError(t, err)
	})

	<-done
	require.NoError(t, optErr)

	// The point was never part of the frozen original, so only the
	// catch-up phase can have carried it into the replacement.
	newLocked, ok := h.Get(newID)
	require.True(t, ok)
	newSeg := newLocked.RLock()
	hasFresh := newSeg.HasPoint(freshPoint)
	count := newSeg.VectorsCount()
	newLocked.RUnlock()
	assert.True(t, hasFresh)
	assert.Equal(t, 5001, count)

	// The indexed replacement is sealed, so the rebuild must have left the
	// holder with some appendable segment for future inserts.
	_, _, ok = h.RandomAppendable()
	assert.True(t, ok)
}

func TestVacuumOptimizerSkipsEmptySegment(t *testing.T) {
	h := holder.New()
	victim := h.Add(memseg.New(segment.SegmentConfig{Dim: 0}, true))

	opt := &optimizer.VacuumOptimizer{Thresholds: config.OptimizersConfig{VacuumMinVectorNumber: 0, DeletedThreshold: 0}}
	// empty segment never qualifies (total==0 guard), confirming no
	// spurious rebuild is attempted on an empty victim.
	assert.Empty(t, opt.CheckCondition(h, nil))

	locked, ok := h.Get(victim)
	require.True(t, ok)
	assert.Equal(t, 0, locked.RLock().VectorsCount())
	locked.RUnlock()
}

func TestOptimizeSingleVictimKeepsPreexistingPoints(t *testing.T) {
	h := holder.New()
	victim := h.Add(segWithPoints(t, 10, 0))

	opt := &optimizer.MergeOptimizer{Thresholds: config.OptimizersConfig{MaxSegmentNumber: 0}}

	// No write arrives while this rebuild runs: freeze is an internal detail
	// of rebuild, so this test drives Optimize directly and then checks the
	// result reflects every pre-existing point (writes landing mid-rebuild
	// are covered in rebuild_internal_test.go).
	newID, err := opt.Optimize(context.Background(), h, []holder.SegmentID{victim}, t.TempDir())
	require.NoError(t, err)

	newLocked, ok := h.Get(newID)
	require.True(t, ok)
	assert.Equal(t, 10, newLocked.RLock().VectorsCount())
	newLocked.RUnlock()
}
