package optimizer

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/holder"
)

// MergeOptimizer folds the smallest segments together once the
// collection's live segment count exceeds max_segment_number.
type MergeOptimizer struct {
	Thresholds config.OptimizersConfig
}

var _ Optimizer = (*MergeOptimizer)(nil)

func (o *MergeOptimizer) Name() string { return "merge" }

func (o *MergeOptimizer) CheckCondition(h *holder.SegmentHolder, excluded map[holder.SegmentID]struct{}) []holder.SegmentID {
	candidates := availableVictims(h, excluded)
	if uint64(len(candidates)) <= o.Thresholds.MaxSegmentNumber {
		return nil
	}

	type sized struct {
		id    holder.SegmentID
		count int
	}
	sizes := lo.Map(candidates, func(e holder.Entry, _ int) sized {
		seg := e.Segment.RLock()
		n := seg.VectorsCount()
		e.Segment.RUnlock()
		return sized{id: e.ID, count: n}
	})
	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i].count != sizes[j].count {
			return sizes[i].count < sizes[j].count
		}
		return sizes[i].id < sizes[j].id
	})

	// Grow the victim set from smallest upward while the combined size
	// stays under memmap_threshold, stopping early only once the minimum
	// of two has been picked.
	var combined int
	victims := make([]holder.SegmentID, 0, len(sizes))
	for _, s := range sizes {
		if len(victims) >= 2 && uint64(combined+s.count) > o.Thresholds.MemmapThreshold {
			break
		}
		combined += s.count
		victims = append(victims, s.id)
	}
	if len(victims) < 2 {
		victims = lo.Map(sizes[:min(2, len(sizes))], func(s sized, _ int) holder.SegmentID { return s.id })
	}
	return victims
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (o *MergeOptimizer) Optimize(ctx context.Context, h *holder.SegmentHolder, victims []holder.SegmentID, tempDir string) (holder.SegmentID, error) {
	scratchCfg := victimConfig(h, victims)
	return rebuild(ctx, h, victims, scratchCfg, tempDir, o.Name(), func(_ context.Context, wrapped []holder.LockedSegment, _ string) (segment.Segment, error) {
		segs := make([]segment.Segment, 0, len(wrapped))
		var base segment.SegmentConfig
		var total int
		for i, l := range wrapped {
			s := l.RLock()
			if i == 0 {
				base = s.Config()
			}
			total += s.VectorsCount()
			segs = append(segs, s)
		}
		cfg := targetConfig(base, total, o.Thresholds)
		target, err := mergeLivePoints(segs, cfg, o.Thresholds)
		for _, l := range wrapped {
			l.RUnlock()
		}
		return target, err
	})
}
