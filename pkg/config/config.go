// Package config holds the engine-wide knobs, loaded with goccy/go-yaml
// into a struct tree, falling back to Default() when the file is absent.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/cassandane/colfam/pkg/dberrors"
)

// Config is the root configuration tree for one storage-engine node.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Memory MemoryConfig `yaml:"memory"`
	Batch  BatchConfig  `yaml:"batch"`
	Flags  FeatureFlags `yaml:"features"`
	Read   ReadConfig   `yaml:"read"`
	Cache  CacheConfig  `yaml:"cache"`
	WAL    WALConfig    `yaml:"commitlog"`
}

// LoggerConfig holds the logger knobs: a slog level plus a choice
// between text and JSON handlers.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MemoryConfig covers dirty-memory accounting.
type MemoryConfig struct {
	// MemtableTotalSpaceInMB caps real dirty memory; 0 is resolved by the
	// caller (database.New), which substitutes a fixed 512 MiB.
	MemtableTotalSpaceInMB int `yaml:"memtable_total_space_in_mb"`
}

// BatchConfig covers the advisory oversized-batch warning.
type BatchConfig struct {
	WarnThresholdInKB int `yaml:"batch_size_warn_threshold_in_kb"`
}

// FeatureFlags are the boolean knobs that change which pipeline
// stages run at all.
type FeatureFlags struct {
	EnableDiskWrites   bool `yaml:"enable_disk_writes"`
	EnableCache        bool `yaml:"enable_cache"`
	EnableCommitlog    bool `yaml:"enable_commitlog"`
	AutoSnapshot       bool `yaml:"auto_snapshot"`
	// IncrementalBackups is parsed but read by no code path: no flush
	// links its SSTables into a backups/ directory.
	IncrementalBackups bool `yaml:"incremental_backups"`
}

// ReadConfig governs RestrictedReader admission.
type ReadConfig struct {
	RequestTimeoutInMS      int `yaml:"read_request_timeout_in_ms"`
	NormalConcurrency       int `yaml:"normal_read_concurrency"`
	NormalQueueCap          int `yaml:"normal_read_queue_cap"`
	StreamingConcurrency    int `yaml:"streaming_read_concurrency"`
	StreamingQueueCap       int `yaml:"streaming_read_queue_cap"`
}

// CacheConfig sizes the row cache.
type CacheConfig struct {
	CapacityPartitions int `yaml:"capacity_partitions"`
}

// WALConfig sizes the per-column-family commitlog segment rotation.
type WALConfig struct {
	SegmentSizeInMB int `yaml:"segment_size_in_mb"`
}

// Default returns a baseline development config: every feature on except
// IncrementalBackups, generous limits.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Memory: MemoryConfig{MemtableTotalSpaceInMB: 0},
		Batch:  BatchConfig{WarnThresholdInKB: 5 * 1024},
		Flags: FeatureFlags{
			EnableDiskWrites:   true,
			EnableCache:        true,
			EnableCommitlog:    true,
			AutoSnapshot:       true,
			IncrementalBackups: false,
		},
		Read: ReadConfig{
			RequestTimeoutInMS:   5000,
			NormalConcurrency:    32,
			NormalQueueCap:       128,
			StreamingConcurrency: 4,
			StreamingQueueCap:    16,
		},
		Cache: CacheConfig{CapacityPartitions: 10000},
		WAL:   WALConfig{SegmentSizeInMB: 32},
	}
}

// Load reads path as YAML into a Config, falling back to Default() when
// the file does not exist.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", dberrors.ErrConfigurationInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configuration combinations the engine cannot run with.
func (c Config) Validate() error {
	if c.Read.NormalConcurrency <= 0 || c.Read.StreamingConcurrency <= 0 {
		return fmt.Errorf("%w: read concurrency must be positive", dberrors.ErrConfigurationInvalid)
	}
	if c.Cache.CapacityPartitions < 0 {
		return fmt.Errorf("%w: cache capacity must not be negative", dberrors.ErrConfigurationInvalid)
	}
	if c.WAL.SegmentSizeInMB <= 0 {
		return fmt.Errorf("%w: commitlog segment size must be positive", dberrors.ErrConfigurationInvalid)
	}
	switch c.Logger.Level {
	case "DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unrecognized logger level %q", dberrors.ErrConfigurationInvalid, c.Logger.Level)
	}
	return nil
}
