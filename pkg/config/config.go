package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/downfa11-org/filemq/util"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPartitionSizeMB = 500
	MinPartitionSizeMB     = 1
	MaxPartitionSizeMB     = 2000

	DefaultLabelSize = int64(math.MaxInt32)
	MinLabelSize     = int64(10)
)

// Config holds the engine construction options.
type Config struct {
	// Folder is the root directory holding one subdirectory per topic.
	Folder string `yaml:"folder"`

	// PartitionSizeMB caps segment data files; a segment whose .dat
	// exceeds this size rotates on the next append.
	PartitionSizeMB int `yaml:"partition_size_mb"`

	// LabelSize is the per-generation sequence capacity. Lowering it
	// below the int32 ceiling is only useful for exercising rollover.
	LabelSize int64 `yaml:"label_size"`

	LogLevel     util.LogLevel `yaml:"log_level"`
	ExporterPort int           `yaml:"exporter_port"`
}

// Load reads a YAML config file and normalizes it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills defaults and clamps out-of-range values.
func (cfg *Config) Normalize() error {
	if strings.TrimSpace(cfg.Folder) == "" {
		return fmt.Errorf("folder is required")
	}

	if cfg.PartitionSizeMB == 0 {
		cfg.PartitionSizeMB = DefaultPartitionSizeMB
	}
	if cfg.PartitionSizeMB < MinPartitionSizeMB {
		util.Warn("partition_size_mb %d below minimum, clamping to %d", cfg.PartitionSizeMB, MinPartitionSizeMB)
		cfg.PartitionSizeMB = MinPartitionSizeMB
	}
	if cfg.PartitionSizeMB > MaxPartitionSizeMB {
		util.Warn("partition_size_mb %d above maximum, clamping to %d", cfg.PartitionSizeMB, MaxPartitionSizeMB)
		cfg.PartitionSizeMB = MaxPartitionSizeMB
	}

	if cfg.LabelSize == 0 {
		cfg.LabelSize = DefaultLabelSize
	}
	if cfg.LabelSize < MinLabelSize {
		util.Warn("label_size %d below minimum, clamping to %d", cfg.LabelSize, MinLabelSize)
		cfg.LabelSize = MinLabelSize
	}
	if cfg.LabelSize > DefaultLabelSize {
		util.Warn("label_size %d above maximum, clamping to %d", cfg.LabelSize, DefaultLabelSize)
		cfg.LabelSize = DefaultLabelSize
	}

	return nil
}

// PartitionBytes returns the segment size cap in bytes.
func (cfg *Config) PartitionBytes() int64 {
	return int64(cfg.PartitionSizeMB) << 20
}
