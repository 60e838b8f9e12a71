// Package optimizer implements the background rebuild machinery:
// IndexingOptimizer, MergeOptimizer, and VacuumOptimizer all share one
// freeze/build/catch-up/flush/apply-index-diffs/swap pipeline over one
// segment holder.
package optimizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/milvus-io/segmentcore/internal/log"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
	"github.com/milvus-io/segmentcore/internal/segment/memseg"
	"github.com/milvus-io/segmentcore/internal/segment/proxy"
)

// Optimizer selects rebuild victims and carries out their rebuild.
type Optimizer interface {
	// Name identifies the optimizer in logs and metrics labels.
	Name() string
	// CheckCondition returns the segment ids this optimizer wants to
	// rebuild right now, or nil if none qualify. excluded lists segments
	// already mid-rebuild by another optimizer this tick.
	CheckCondition(h *holder.SegmentHolder, excluded map[holder.SegmentID]struct{}) []holder.SegmentID
	// Optimize rebuilds the given victims under tempDir and installs the
	// result in h, returning the new segment's id.
	Optimize(ctx context.Context, h *holder.SegmentHolder, victims []holder.SegmentID, tempDir string) (holder.SegmentID, error)
}

// buildFunc produces a new segment from the frozen contents of wrapped.
type buildFunc func(ctx context.Context, wrapped []holder.LockedSegment, buildDir string) (segment.Segment, error)

var errNoVictims = errors.New("optimizer: no eligible victims")

// victimConfig reads the collection-wide schema off the first victim, so
// the pipeline's shared scratch segment is created with a matching
// dimension and distance metric rather than a zero-value config.
func victimConfig(h *holder.SegmentHolder, victims []holder.SegmentID) segment.SegmentConfig {
	for _, id := range victims {
		if l, ok := h.Get(id); ok {
			s := l.RLock()
			cfg := s.Config()
			l.RUnlock()
			return cfg
		}
	}
	return segment.SegmentConfig{}
}

// availableVictims filters out already-special (mid-rebuild) and excluded
// segments, the shared first step of every optimizer's CheckCondition.
func availableVictims(h *holder.SegmentHolder, excluded map[holder.SegmentID]struct{}) []holder.Entry {
	entries := h.Iter()
	out := make([]holder.Entry, 0, len(entries))
	for _, e := range entries {
		if _, skip := excluded[e.ID]; skip {
			continue
		}
		seg := e.Segment.RLock()
		special := seg.Info().SegmentType == segment.SegmentTypeSpecial
		e.Segment.RUnlock()
		if special {
			continue
		}
		out = append(out, e)
	}
	return out
}

type rebuildCapture struct {
	id      holder.SegmentID
	handle  holder.LockedSegment
	wrapped holder.LockedSegment
	proxy   *proxy.ProxySegment
}

// rebuild runs the shared pipeline: it installs a ProxySegment over every
// victim in place (so live traffic keeps flowing through a shared scratch
// segment while build runs), invokes build, catches the scratch segment's
// accumulated writes up onto the result, flushes, replays the proxies'
// recorded index diffs onto it, and swaps the result into h in place of the
// victims.
// The scratch segment's write lock is held from the catch-up
// snapshot through the swap, so no write landing in it during that span can
// be silently dropped. On failure every proxy collapses back to its
// original wrapped segment; a scratch segment that already absorbed
// concurrent writes is kept by promoting it into the holder.
func rebuild(ctx context.Context, h *holder.SegmentHolder, victims []holder.SegmentID, targetCfg segment.SegmentConfig, tempDir, name string, build buildFunc) (holder.SegmentID, error) {
	if len(victims) == 0 {
		return 0, errNoVictims
	}

	writeLocked := holder.NewLockedSegment(memseg.New(targetCfg, true))
	captures := make([]rebuildCapture, 0, len(victims))
	wrappedHandles := make([]holder.LockedSegment, 0, len(victims))

	for _, id := range victims {
		handle, ok := h.Get(id)
		if !ok {
			continue
		}
		origSeg := handle.RLock()
		handle.RUnlock()

		wrapped := holder.NewLockedSegment(origSeg)
		px := proxy.New(wrapped, writeLocked)
		handle.Replace(px)

		captures = append(captures, rebuildCapture{id: id, handle: handle, wrapped: wrapped, proxy: px})
		wrappedHandles = append(wrappedHandles, wrapped)
	}
	if len(captures) == 0 {
		return 0, errNoVictims
	}

	buildDir, err := os.MkdirTemp(tempDir, "segment-build-"+uuid.NewString()+"-")
	if err != nil {
		abortRebuild(h, captures, writeLocked)
		return 0, err
	}

	target, err := build(ctx, wrappedHandles, buildDir)
	if err != nil {
		abortRebuild(h, captures, writeLocked)
		_ = os.RemoveAll(buildDir)
		log.Warn("optimizer rebuild failed, rolled back", zap.String("optimizer", name), zap.Error(err))
		return 0, err
	}

	// Hold writeLocked exclusively from the catch-up snapshot through the
	// swap: any proxy mutator that wants to write into the shared scratch
	// segment must go through p.write.Lock() (see proxy.go), so holding
	// this lock across the whole drain-flush-swap span blocks such writers
	// until after the victims are no longer reachable, instead of letting
	// one land in the about-to-be-orphaned scratch segment unobserved.
	writeSeg := writeLocked.Lock()

	if err := catchUp(writeSeg, captures, target); err != nil {
		writeLocked.Unlock()
		abortRebuild(h, captures, writeLocked)
		_ = os.RemoveAll(buildDir)
		log.Warn("optimizer catch-up failed, rolled back", zap.String("optimizer", name), zap.Error(err))
		return 0, err
	}

	if _, err := target.Flush(); err != nil {
		writeLocked.Unlock()
		abortRebuild(h, captures, writeLocked)
		_ = os.RemoveAll(buildDir)
		return 0, err
	}

	opNum := target.Version()
	for _, c := range captures {
		for _, key := range c.proxy.CreatedIndexes() {
			opNum++
			if _, err := target.CreateFieldIndex(opNum, key); err != nil {
				log.Warn("applying index diff failed", zap.String("optimizer", name), zap.String("key", key), zap.Error(err))
			}
		}
		for _, key := range c.proxy.DeletedIndexes() {
			opNum++
			if _, err := target.DeleteFieldIndex(opNum, key); err != nil {
				log.Warn("applying index diff failed", zap.String("optimizer", name), zap.String("key", key), zap.Error(err))
			}
		}
	}

	// The target was built appendable so catch-up could insert new points;
	// a replacement whose configuration is an indexed or memory-mapped kind
	// is read-only once visible.
	tcfg := target.Config()
	if ms, ok := target.(*memseg.Segment); ok &&
		(tcfg.Index != segment.IndexPlain || tcfg.Storage != segment.StorageInMemory) {
		ms.Seal()
	}

	removeIDs := make([]holder.SegmentID, 0, len(captures))
	for _, c := range captures {
		removeIDs = append(removeIDs, c.id)
	}
	newID := h.Swap(target, removeIDs)

	// Swapping a sealed replacement in for the collection's only appendable
	// segment must not leave the holder without one; inserts of unseen
	// points route through RandomAppendable and would otherwise fail.
	if _, _, ok := h.RandomAppendable(); !ok {
		fresh := targetCfg
		fresh.Index = segment.IndexPlain
		fresh.Storage = segment.StorageInMemory
		freshID := h.Add(memseg.New(fresh, true))
		log.Info("added fresh appendable segment after rebuild",
			zap.String("optimizer", name),
			zap.Uint64("segment", uint64(freshID)))
	}

	writeLocked.Unlock()
	_ = os.RemoveAll(buildDir)

	log.Info("optimizer rebuild complete",
		zap.String("optimizer", name),
		zap.Any("victims", removeIDs),
		zap.Uint64("new_segment", uint64(newID)))
	return newID, nil
}

// rollback collapses every proxy back to its captured wrapped segment,
// undoing the in-place Replace done at the start of rebuild.
func rollback(captures []rebuildCapture) {
	for _, c := range captures {
		orig := c.wrapped.RLock()
		c.wrapped.RUnlock()
		c.handle.Replace(orig)
	}
}

// abortRebuild reverses the freeze after a failure: every proxy collapses
// back to its wrapped original, and a scratch segment that already absorbed
// concurrent writes is promoted into the holder as a regular appendable
// segment rather than discarded, so no write accepted during the failed
// rebuild is lost. The scratch's contents are folded back in whenever a
// later optimization cycle succeeds.
func abortRebuild(h *holder.SegmentHolder, captures []rebuildCapture, writeLocked holder.LockedSegment) {
	rollback(captures)
	ws := writeLocked.RLock()
	absorbed := ws.VectorsCount() + ws.DeletedCount()
	writeLocked.RUnlock()
	if absorbed > 0 {
		id := h.AddLocked(writeLocked)
		log.Info("promoted scratch segment after failed rebuild", zap.Uint64("segment", uint64(id)))
	}
}

// catchUp replays everything the proxies routed into the shared scratch
// segment onto target: points created new while the rebuild ran, points
// moved out of a victim and then updated, and points moved out and then
// deleted (which would otherwise silently reappear in target, since target
// was built from the victims' frozen pre-rebuild contents). writeSeg must
// already be locked by the caller for the duration of the call.
func catchUp(writeSeg segment.Segment, captures []rebuildCapture, target segment.Segment) error {
	opNum := target.Version()
	touched := make(map[segment.PointID]struct{})
	for _, c := range captures {
		for id := range c.proxy.DeletedPoints() {
			touched[id] = struct{}{}
		}
	}

	applyLive := func(id segment.PointID) error {
		vec, err := writeSeg.Vector(id)
		if err != nil {
			return err
		}
		payload, _ := writeSeg.Payload(id)
		opNum++
		if _, err := target.UpsertPoint(opNum, id, vec); err != nil {
			return err
		}
		opNum++
		if _, err := target.SetFullPayload(opNum, id, payload); err != nil {
			return err
		}
		return nil
	}

	for id := range touched {
		if writeSeg.HasPoint(id) {
			if err := applyLive(id); err != nil {
				return err
			}
		} else {
			opNum++
			if _, err := target.DeletePoint(opNum, id); err != nil {
				return err
			}
		}
	}

	liveIDs, err := writeSeg.IterPoints()
	if err != nil {
		return err
	}
	for _, id := range liveIDs {
		if _, already := touched[id]; already {
			continue
		}
		if err := applyLive(id); err != nil {
			return err
		}
	}
	return nil
}

// CleanTempSegments removes orphaned build directories left under path by
// a process that crashed mid-rebuild, so disk usage does not grow
// unbounded across restarts. Call it once at startup before any optimizer
// runs; it is not part of the steady-state optimization loop itself.
func CleanTempSegments(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || !isBuildDirName(e.Name()) {
			continue
		}
		full := filepath.Join(path, e.Name())
		if err := os.RemoveAll(full); err != nil {
			return err
		}
		log.Info("removed orphaned optimizer build directory", zap.String("path", full))
	}
	return nil
}

func isBuildDirName(name string) bool {
	const prefix = "segment-build-"
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}
