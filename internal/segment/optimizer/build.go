package optimizer

import (
	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/memseg"
)

// targetConfig classifies a rebuilt segment's configuration from the
// shared thresholds: crossing memmap_threshold moves storage to
// memory-mapped, crossing indexing_threshold builds an HNSW index. A zero
// threshold disables its dimension.
func targetConfig(base segment.SegmentConfig, liveCount int, th config.OptimizersConfig) segment.SegmentConfig {
	cfg := base
	cfg.Storage = segment.StorageInMemory
	if th.MemmapThreshold > 0 && uint64(liveCount) >= th.MemmapThreshold {
		cfg.Storage = segment.StorageMMap
	}
	cfg.Index = segment.IndexPlain
	if th.IndexingThreshold > 0 && uint64(liveCount) >= th.IndexingThreshold {
		cfg.Index = segment.IndexHNSW
	}
	return cfg
}

// mergeLivePoints concatenates the live points of every segment in srcs
// into one fresh segment under cfg, the shared core of all three rebuild
// paths (a single-element srcs is the indexing/vacuum case). Field indexes
// are unioned across all inputs, and any payload field occurring at least
// payload_indexing_threshold times across the copied points gets an index
// of its own.
//
// The target is built appendable: the catch-up phase still has to upsert
// points that were created through the proxies while the build ran.
// rebuild seals it just before the swap when the target configuration is a
// read-only kind.
func mergeLivePoints(srcs []segment.Segment, cfg segment.SegmentConfig, th config.OptimizersConfig) (segment.Segment, error) {
	target := memseg.New(cfg, true)
	var opNum segment.SeqNumber
	indexed := make(map[string]struct{})
	fieldCounts := make(map[string]int)
	for _, src := range srcs {
		ids, err := src.IterPoints()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			vec, err := src.Vector(id)
			if err != nil {
				return nil, err
			}
			payload, err := src.Payload(id)
			if err != nil {
				return nil, err
			}
			opNum++
			if _, err := target.UpsertPoint(opNum, id, vec); err != nil {
				return nil, err
			}
			if payload != nil {
				opNum++
				if _, err := target.SetFullPayload(opNum, id, payload); err != nil {
					return nil, err
				}
				for key := range payload {
					fieldCounts[key]++
				}
			}
		}
		for _, key := range src.IndexedFields() {
			indexed[key] = struct{}{}
		}
	}
	if th.PayloadIndexingThreshold > 0 {
		for key, n := range fieldCounts {
			if uint64(n) >= th.PayloadIndexingThreshold {
				indexed[key] = struct{}{}
			}
		}
	}
	for key := range indexed {
		opNum++
		if _, err := target.CreateFieldIndex(opNum, key); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// copyLivePoints rebuilds a single segment: same live points, target
// configuration reclassified by the caller.
func copyLivePoints(src segment.Segment, cfg segment.SegmentConfig, th config.OptimizersConfig) (segment.Segment, error) {
	return mergeLivePoints([]segment.Segment{src}, cfg, th)
}
