// Command segmentcore-demo wires a single in-process collection together:
// it loads OptimizersConfig, builds a Collection over the in-memory
// reference segment, applies a handful of updates, runs one
// UpdateHandler tick by hand, and prints the aggregate Info(). It exists
// to exercise the wiring end to end, not as a long-running service — the
// RPC/CLI surface around a real deployment is out of scope.
package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/milvus-io/segmentcore/internal/collection"
	"github.com/milvus-io/segmentcore/internal/config"
	"github.com/milvus-io/segmentcore/internal/log"
	"github.com/milvus-io/segmentcore/internal/segment"
	"github.com/milvus-io/segmentcore/internal/segment/optimizer"
)

func main() {
	configPath := flag.String("config", "", "optional path to an optimizers config file")
	tempDir := flag.String("temp-dir", "", "directory for in-progress optimizer builds")
	flag.Parse()

	cfg, err := config.LoadOptimizersConfig(*configPath)
	if err != nil {
		log.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	dir := *tempDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "segmentcore-temp-")
		if err != nil {
			log.Error("failed to create temp dir", zap.Error(err))
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}
	if err := optimizer.CleanTempSegments(dir); err != nil {
		log.Warn("startup temp-dir cleanup failed", zap.Error(err))
	}

	segCfg := segment.SegmentConfig{Dim: 4, Distance: segment.DistanceCosine}
	col := collection.New(segCfg)

	ops := []collection.Operation{
		collection.UpsertPointOp{ID: 1, Vector: segment.Vector{1, 0, 0, 0}},
		collection.UpsertPointOp{ID: 2, Vector: segment.Vector{0, 1, 0, 0}},
		collection.SetFullPayloadOp{ID: 1, Payload: segment.Payload{"city": segment.StringValue("nyc")}},
	}
	for _, op := range ops {
		if _, err := col.Update(col.NextSeq(), op); err != nil {
			log.Error("update failed", zap.Error(err))
			os.Exit(1)
		}
	}

	handler := collection.NewUpdateHandler(col, cfg, dir)
	handler.TickOnce(context.Background())

	info := col.Info()
	log.Info("collection ready",
		zap.Int("num_vectors", info.NumVectors),
		zap.Int("num_deleted_vectors", info.NumDeletedVectors))
}
