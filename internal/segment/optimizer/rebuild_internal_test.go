package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
	"github.com/milvus-io/segmentcore/internal/segment/memseg"
)

// TestRebuildCatchesUpWriteLandedDuringBuild drives rebuild with a build
// function that, before returning, performs a concurrent write through the
// proxy installed over the victim (exactly the path a collection caller
// would take via the holder while a rebuild is in flight), then asserts the
// point is present in the swapped-in segment. Unlike
// TestOptimizeSingleVictimKeepsPreexistingPoints in optimizer_test.go, this
// drives an actual concurrent write rather than only pre-existing points.
func TestRebuildCatchesUpWriteLandedDuringBuild(t *testing.T) {
	cfg := segment.SegmentConfig{Dim: 2, Distance: segment.DistanceDot}
	h := holder.New()
	victim := h.Add(memseg.New(cfg, true))

	var wg sync.WaitGroup
	wg.Add(1)
	build := func(ctx context.Context, wrapped []holder.LockedSegment, buildDir string) (segment.Segment, error) {
		locked, ok := h.Get(victim)
		require.True(t, ok)
		locked.WithLock(func(s segment.Segment) {
			_, err := s.UpsertPoint(segment.SeqNumber(1), segment.PointID(42), segment.Vector{1, 1})
			assert.NoError(t, err)
		})
		wg.Done()
		src := wrapped[0]
		srcSeg := src.RLock()
		target, err := copyLivePoints(srcSeg, srcSeg.Config(), config.OptimizersConfig{})
		src.RUnlock()
		return target, err
	}

	newID, err := rebuild(context.Background(), h, []holder.SegmentID{victim}, cfg, t.TempDir(), "test", build)
	require.NoError(t, err)
	wg.Wait()

	newLocked, ok := h.Get(newID)
	require.True(t, ok)
	newSeg := newLocked.RLock()
	defer newLocked.RUnlock()
	assert.True(t, newSeg.HasPoint(segment.PointID(42)))
}

// TestFailedRebuildPromotesScratchWithAbsorbedWrites pins the failure
// semantics: a rebuild that errors out collapses its proxies back to the
// originals, but any write that already landed in the shared scratch
// segment stays queryable because the scratch is promoted into the holder
// instead of being discarded.
func TestFailedRebuildPromotesScratchWithAbsorbedWrites(t *testing.T) {
	cfg := segment.SegmentConfig{Dim: 2, Distance: segment.DistanceDot}
	h := holder.New()
	victim := h.Add(memseg.New(cfg, true))

	buildErr := errors.New("build exploded")
	build := func(ctx context.Context, wrapped []holder.LockedSegment, buildDir string) (segment.Segment, error) {
		locked, ok := h.Get(victim)
		require.True(t, ok)
		locked.WithLock(func(s segment.Segment) {
			_, err := s.UpsertPoint(segment.SeqNumber(1), segment.PointID(42), segment.Vector{1, 1})
			assert.NoError(t, err)
		})
		return nil, buildErr
	}

	_, err := rebuild(context.Background(), h, []holder.SegmentID{victim}, cfg, t.TempDir(), "test", build)
	require.ErrorIs(t, err, buildErr)

	// The victim is back to its plain original.
	locked, ok := h.Get(victim)
	require.True(t, ok)
	info := locked.RLock().Info()
	locked.RUnlock()
	assert.NotEqual(t, segment.SegmentTypeSpecial, info.SegmentType)

	// The write accepted mid-rebuild is still owned by some live segment.
	_, owner, ok := h.SegmentOf(segment.PointID(42))
	require.True(t, ok)
	assert.True(t, owner.RLock().HasPoint(segment.PointID(42)))
	owner.RUnlock()
	assert.Equal(t, 2, h.Len())
}

// TestRebuildHoldsWriteLockThroughSwap races a writer routed through the
// installed proxy against rebuild's catch-up/flush/swap span, which runs
// under the scratch segment's write lock, and checks that the two serialize
// on that lock without deadlocking: the rebuild still completes and the
// victim is swapped out. It does not check which segment the racing write
// ends up in.
func TestRebuildHoldsWriteLockThroughSwap(t *testing.T) {
	cfg := segment.SegmentConfig{Dim: 2, Distance: segment.DistanceDot}
	h := holder.New()
	victim := h.Add(memseg.New(cfg, true))

	releaseBuild := make(chan struct{})
	build := func(ctx context.Context, wrapped []holder.LockedSegment, buildDir string) (segment.Segment, error) {
		<-releaseBuild
		return memseg.New(cfg, true), nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var newID holder.SegmentID
	var rebuildErr error
	go func() {
		defer wg.Done()
		newID, rebuildErr = rebuild(context.Background(), h, []holder.SegmentID{victim}, cfg, t.TempDir(), "test", build)
	}()

	close(releaseBuild)

	// The writer races rebuild's writeLocked.Lock(): whichever of the two
	// acquires it first runs to completion before the other proceeds, so
	// the write is either visible to catch-up's snapshot or simply blocks
	// until after the swap (never silently interleaved mid-snapshot).
	locked, ok := h.Get(victim)
	require.True(t, ok)
	locked.WithLock(func(s segment.Segment) {
		_, _ = s.UpsertPoint(segment.SeqNumber(1), segment.PointID(7), segment.Vector{1, 1})
	})

	wg.Wait()
	require.NoError(t, rebuildErr)
	_, stillVictim := h.Get(victim)
	assert.False(t, stillVictim)
	_, ok = h.Get(newID)
	assert.True(t, ok)
}
