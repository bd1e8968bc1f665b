// Package config loads substrate settings from YAML, JSON, or TOML files and converts them into
// options for the heap manager and buffer pool.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/substrate/bufferpool"
	"github.com/vkngwrapper/substrate/heap"
	"github.com/vkngwrapper/substrate/memutils"
	"gopkg.in/yaml.v3"
)

const mib = 1024 * 1024

// HeapSection configures the host heap manager. Zero values use the heap package defaults.
type HeapSection struct {
	SegmentSizeMB          int   `json:"segment_size_mb" yaml:"segment_size_mb" toml:"segment_size_mb"`
	FallbackSegmentSizesMB []int `json:"fallback_segment_sizes_mb" yaml:"fallback_segment_sizes_mb" toml:"fallback_segment_sizes_mb"`
	PageSize               int   `json:"page_size" yaml:"page_size" toml:"page_size"`
	Alignment              int   `json:"alignment" yaml:"alignment" toml:"alignment"`
	MaxSegments            int   `json:"max_segments" yaml:"max_segments" toml:"max_segments"`
	ExternallySynchronized bool  `json:"externally_synchronized" yaml:"externally_synchronized" toml:"externally_synchronized"`
}

// PoolSection configures the device buffer pool. Zero values use the bufferpool package
// defaults, and pooling is enabled unless EnablePooling is explicitly false.
type PoolSection struct {
	EnablePooling          *bool `json:"enable_pooling" yaml:"enable_pooling" toml:"enable_pooling"`
	MaxPoolSizePerBucket   int   `json:"max_pool_size_per_bucket" yaml:"max_pool_size_per_bucket" toml:"max_pool_size_per_bucket"`
	MaxTotalPooledBuffers  int   `json:"max_total_pooled_buffers" yaml:"max_total_pooled_buffers" toml:"max_total_pooled_buffers"`
	BudgetMB               int   `json:"budget_mb" yaml:"budget_mb" toml:"budget_mb"`
	Alignment              int   `json:"alignment" yaml:"alignment" toml:"alignment"`
	LargeBufferThresholdMB int   `json:"large_buffer_threshold_mb" yaml:"large_buffer_threshold_mb" toml:"large_buffer_threshold_mb"`
	LargeBufferStepMB      int   `json:"large_buffer_step_mb" yaml:"large_buffer_step_mb" toml:"large_buffer_step_mb"`
	DebugMode              bool  `json:"debug_mode" yaml:"debug_mode" toml:"debug_mode"`
	ExternallySynchronized bool  `json:"externally_synchronized" yaml:"externally_synchronized" toml:"externally_synchronized"`
}

// Config holds every substrate setting. The zero Config is valid and selects all defaults.
type Config struct {
	Heap     HeapSection `json:"heap" yaml:"heap" toml:"heap"`
	Pool     PoolSection `json:"pool" yaml:"pool" toml:"pool"`
	LogLevel string      `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("empty config path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, errors.Newf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}

	return cfg, nil
}

// Level parses LogLevel. An empty level is Info.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	err := level.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return slog.LevelInfo, errors.Wrapf(err, "invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// HeapOptions converts the heap section into heap.CreateOptions
func (c Config) HeapOptions() heap.CreateOptions {
	options := heap.CreateOptions{
		SegmentSize: c.Heap.SegmentSizeMB * mib,
		PageSize:    c.Heap.PageSize,
		Alignment:   c.Heap.Alignment,
		MaxSegments: c.Heap.MaxSegments,
	}

	if c.Heap.FallbackSegmentSizesMB != nil {
		options.FallbackSegmentSizes = make([]int, 0, len(c.Heap.FallbackSegmentSizesMB))
		for _, size := range c.Heap.FallbackSegmentSizesMB {
			options.FallbackSegmentSizes = append(options.FallbackSegmentSizes, size*mib)
		}
	}

	if c.Heap.ExternallySynchronized {
		options.Flags |= heap.CreateExternallySynchronized
	}

	return options
}

// PoolConfig converts the pool section into a bufferpool.Config
func (c Config) PoolConfig() bufferpool.Config {
	config := bufferpool.DefaultConfig()

	if c.Pool.EnablePooling != nil {
		config.EnablePooling = *c.Pool.EnablePooling
	}
	if c.Pool.MaxPoolSizePerBucket != 0 {
		config.MaxPoolSizePerBucket = c.Pool.MaxPoolSizePerBucket
	}
	if c.Pool.MaxTotalPooledBuffers != 0 {
		config.MaxTotalPooledBuffers = c.Pool.MaxTotalPooledBuffers
	}
	if c.Pool.Alignment != 0 {
		config.Alignment = c.Pool.Alignment
	}
	if c.Pool.LargeBufferThresholdMB != 0 {
		config.LargeBufferThreshold = c.Pool.LargeBufferThresholdMB * mib
	}
	if c.Pool.LargeBufferStepMB != 0 {
		config.LargeBufferStep = c.Pool.LargeBufferStepMB * mib
	}
	config.BudgetBytes = c.Pool.BudgetMB * mib
	config.DebugMode = c.Pool.DebugMode

	return config
}

// PoolOptions converts the pool section into bufferpool.CreateOptions
func (c Config) PoolOptions() bufferpool.CreateOptions {
	var options bufferpool.CreateOptions
	if c.Pool.ExternallySynchronized {
		options.Flags |= bufferpool.CreateExternallySynchronized
	}
	return options
}

func (c Config) Validate() error {
	if c.Heap.SegmentSizeMB < 0 {
		return errors.Newf("heap.segment_size_mb %d may not be negative", c.Heap.SegmentSizeMB)
	}

	for i, size := range c.Heap.FallbackSegmentSizesMB {
		if size <= 0 {
			return errors.Newf("heap.fallback_segment_sizes_mb[%d] must be positive", i)
		}
		if i > 0 && size >= c.Heap.FallbackSegmentSizesMB[i-1] {
			return errors.New("heap.fallback_segment_sizes_mb must be in descending order")
		}
	}

	if c.Heap.PageSize != 0 {
		err := memutils.CheckPow2(c.Heap.PageSize, "heap.page_size")
		if err != nil {
			return err
		}
	}

	if c.Heap.Alignment != 0 {
		err := memutils.CheckPow2(c.Heap.Alignment, "heap.alignment")
		if err != nil {
			return err
		}
	}

	if c.Heap.MaxSegments < 0 {
		return errors.Newf("heap.max_segments %d may not be negative", c.Heap.MaxSegments)
	}

	err := c.PoolConfig().Validate()
	if err != nil {
		return errors.Wrap(err, "invalid pool config")
	}

	_, err = c.Level()
	return err
}
