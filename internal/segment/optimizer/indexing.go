package optimizer

import (
	"context"

	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
)

// IndexingOptimizer rebuilds the largest segment whose configuration is
// weaker than the thresholds prescribe (still plain past
// indexing_threshold, or still in memory past memmap_threshold), one
// segment at a time.
type IndexingOptimizer struct {
	Thresholds config.OptimizersConfig
}

var _ Optimizer = (*IndexingOptimizer)(nil)

func (o *IndexingOptimizer) Name() string { return "indexing" }

func (o *IndexingOptimizer) CheckCondition(h *holder.SegmentHolder, excluded map[holder.SegmentID]struct{}) []holder.SegmentID {
	var best holder.SegmentID
	var bestCount = -1
	for _, e := range availableVictims(h, excluded) {
		seg := e.Segment.RLock()
		info := seg.Info()
		cfg := seg.Config()
		e.Segment.RUnlock()

		// A segment qualifies when its current configuration is weaker than
		// what the thresholds now prescribe for its size: still plain
		// past indexing_threshold, or still fully in memory past
		// memmap_threshold.
		n := uint64(info.NumVectors)
		needsIndex := cfg.Index == segment.IndexPlain &&
			o.Thresholds.IndexingThreshold > 0 && n >= o.Thresholds.IndexingThreshold
		needsMmap := cfg.Storage == segment.StorageInMemory &&
			o.Thresholds.MemmapThreshold > 0 && n >= o.Thresholds.MemmapThreshold
		if !needsIndex && !needsMmap {
			continue
		}
		if info.NumVectors > bestCount {
			best, bestCount = e.ID, info.NumVectors
		}
	}
	if bestCount < 0 {
		return nil
	}
	return []holder.SegmentID{best}
}

func (o *IndexingOptimizer) Optimize(ctx context.Context, h *holder.SegmentHolder, victims []holder.SegmentID, tempDir string) (holder.SegmentID, error) {
	scratchCfg := victimConfig(h, victims)
	return rebuild(ctx, h, victims, scratchCfg, tempDir, o.Name(), func(_ context.Context, wrapped []holder.LockedSegment, _ string) (segment.Segment, error) {
		src := wrapped[0]
		srcSeg := src.RLock()
		cfg := targetConfig(srcSeg.Config(), srcSeg.VectorsCount(), o.Thresholds)
		target, err := copyLivePoints(srcSeg, cfg, o.Thresholds)
		src.RUnlock()
		return target, err
	})
}
