// Package config loads the collection's optimizer configuration: viper
// merges a defaults layer, an optional file, then environment overrides,
// with spf13/cast doing tolerant coercion of anything that arrived as a
// string.
package config

import (
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const envPrefix = "SEGMENTCORE"

// OptimizersConfig carries the knobs the three optimizers and the update
// loop consult (deleted_threshold, vacuum_min_vector_number, ...).
type OptimizersConfig struct {
	DeletedThreshold         float64 `mapstructure:"deleted_threshold"`
	VacuumMinVectorNumber    uint64  `mapstructure:"vacuum_min_vector_number"`
	MaxSegmentNumber         uint64  `mapstructure:"max_segment_number"`
	MemmapThreshold          uint64  `mapstructure:"memmap_threshold"`
	IndexingThreshold        uint64  `mapstructure:"indexing_threshold"`
	PayloadIndexingThreshold uint64  `mapstructure:"payload_indexing_threshold"`
	FlushIntervalSec         uint64  `mapstructure:"flush_interval_sec"`
}

// DefaultOptimizersConfig returns the baseline values used before any file
// or environment override is applied.
func DefaultOptimizersConfig() OptimizersConfig {
	return OptimizersConfig{
		DeletedThreshold:         0.2,
		VacuumMinVectorNumber:    1000,
		MaxSegmentNumber:         5,
		MemmapThreshold:          200000,
		IndexingThreshold:        20000,
		PayloadIndexingThreshold: 10000,
		FlushIntervalSec:         5,
	}
}

// LoadOptimizersConfig merges defaults, an optional config file at
// configPath (skipped entirely if empty or missing), and environment
// variables prefixed SEGMENTCORE_, e.g. SEGMENTCORE_MAX_SEGMENT_NUMBER=8.
func LoadOptimizersConfig(configPath string) (OptimizersConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultOptimizersConfig()
	v.SetDefault("deleted_threshold", defaults.DeletedThreshold)
	v.SetDefault("vacuum_min_vector_number", defaults.VacuumMinVectorNumber)
	v.SetDefault("max_segment_number", defaults.MaxSegmentNumber)
	v.SetDefault("memmap_threshold", defaults.MemmapThreshold)
	v.SetDefault("indexing_threshold", defaults.IndexingThreshold)
	v.SetDefault("payload_indexing_threshold", defaults.PayloadIndexingThreshold)
	v.SetDefault("flush_interval_sec", defaults.FlushIntervalSec)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return OptimizersConfig{}, err
			}
		}
	}

	cfg := OptimizersConfig{
		DeletedThreshold:         v.GetFloat64("deleted_threshold"),
		VacuumMinVectorNumber:    cast.ToUint64(v.Get("vacuum_min_vector_number")),
		MaxSegmentNumber:         cast.ToUint64(v.Get("max_segment_number")),
		MemmapThreshold:          cast.ToUint64(v.Get("memmap_threshold")),
		IndexingThreshold:        cast.ToUint64(v.Get("indexing_threshold")),
		PayloadIndexingThreshold: cast.ToUint64(v.Get("payload_indexing_threshold")),
		FlushIntervalSec:         cast.ToUint64(v.Get("flush_interval_sec")),
	}
	return cfg, nil
}
