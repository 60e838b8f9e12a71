package optimizer

import (
	"context"

	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
)

// VacuumOptimizer rebuilds a segment whose deleted-point ratio has crossed
// deleted_threshold, reclaiming the space soft-deleted points otherwise
// hold onto indefinitely.
type VacuumOptimizer struct {
	Thresholds config.OptimizersConfig
}

var _ Optimizer = (*VacuumOptimizer)(nil)

func (o *VacuumOptimizer) Name() string { return "vacuum" }

func (o *VacuumOptimizer) CheckCondition(h *holder.SegmentHolder, excluded map[holder.SegmentID]struct{}) []holder.SegmentID {
	var worst holder.SegmentID
	var worstRatio float64 = -1

	for _, e := range availableVictims(h, excluded) {
		seg := e.Segment.RLock()
		info := seg.Info()
		e.Segment.RUnlock()

		if uint64(info.NumVectors) < o.Thresholds.VacuumMinVectorNumber {
			continue
		}
		total := info.NumVectors + info.NumDeletedVectors
		if total == 0 {
			continue
		}
		ratio := float64(info.NumDeletedVectors) / float64(total)
		if ratio < o.Thresholds.DeletedThreshold {
			continue
		}
		if ratio > worstRatio {
			worst, worstRatio = e.ID, ratio
		}
	}
	if worstRatio < 0 {
		return nil
	}
	return []holder.SegmentID{worst}
}

func (o *VacuumOptimizer) Optimize(ctx context.Context, h *holder.SegmentHolder, victims []holder.SegmentID, tempDir string) (holder.SegmentID, error) {
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
