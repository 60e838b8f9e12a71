package collection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/log"
	"github.com/milvus-io/segmentcore/internal/metrics"
	"github.com/milvus-io/segmentcore/internal/segment/optimizer"
)

// UpdateHandler is the background driver of the optimization loop: every
// flush_interval_sec tick it flushes every segment, then consults each
// optimizer in the fixed order Indexing, Merge, Vacuum, running at most
// one rebuild per cycle.
type UpdateHandler struct {
	collection *Collection
	optimizers []optimizer.Optimizer
	interval   time.Duration
	tempDir    string

	stop chan struct{}
	done chan struct{}
}

// NewUpdateHandler builds the handler with the three concrete optimizers
// constructed, once, in the fixed consultation order.
func NewUpdateHandler(c *Collection, cfg config.OptimizersConfig, tempDir string) *UpdateHandler {
	return &UpdateHandler{
		collection: c,
		optimizers: []optimizer.Optimizer{
			&optimizer.IndexingOptimizer{Thresholds: cfg},
			&optimizer.MergeOptimizer{Thresholds: cfg},
			&optimizer.VacuumOptimizer{Thresholds: cfg},
		},
		interval: time.Duration(cfg.FlushIntervalSec) * time.Second,
		tempDir:  tempDir,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, ticking every flush_interval_sec until ctx is cancelled or
// Stop is called. Intended to be launched with `go handler.Run(ctx)`.
func (h *UpdateHandler) Run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// Stop requests the loop to exit and blocks until it has.
func (h *UpdateHandler) Stop() {
	close(h.stop)
	<-h.done
}

// TickOnce runs a single flush-then-optimize iteration synchronously,
// useful for callers (tests, the demo command) that want to drive the
// loop deterministically instead of waiting on the ticker.
func (h *UpdateHandler) TickOnce(ctx context.Context) {
	h.tick(ctx)
}

// tick flushes every segment, then runs at most one rebuild.
func (h *UpdateHandler) tick(ctx context.Context) {
	durable, err := h.collection.Flush()
	if err != nil {
		log.Error("update handler flush failed", zap.Error(err))
		return
	}
	log.Debug("update handler flush complete", zap.Uint64("durable_seq", uint64(durable)))

	for _, opt := range h.optimizers {
		victims := opt.CheckCondition(h.collection.Holder, nil)
		if len(victims) == 0 {
			continue
		}

		log.Info("optimizer selected victims",
			zap.String("optimizer", opt.Name()),
			zap.Any("victims", victims))
		metrics.OptimizerVictimSegments.WithLabelValues(opt.Name()).Observe(float64(len(victims)))

		start := time.Now()
		_, err := opt.Optimize(ctx, h.collection.Holder, victims, h.tempDir)
		elapsed := time.Since(start).Seconds()
		metrics.OptimizerRebuildDuration.WithLabelValues(opt.Name()).Observe(elapsed)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			log.Error("optimizer rebuild failed", zap.String("optimizer", opt.Name()), zap.Error(err))
		}
		metrics.OptimizerRebuildTotal.WithLabelValues(opt.Name(), outcome).Inc()
		metrics.HolderSegmentCount.Set(float64(h.collection.Holder.Len()))

		// At most one rebuild per cycle: stop consulting further
		// optimizers once one has run, success or failure.
		return
	}
}
