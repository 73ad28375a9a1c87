package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/memtrace/internal/track"
)

// DefaultSharedMemoryName is the well-known region name consumers attach to
const DefaultSharedMemoryName = "/ml_advanced_leak_detection"

// Config holds configuration for the leak-detection agent
type Config struct {
	// Basic settings
	Name string `yaml:"name" json:"name"`

	// Shared-memory event ring
	SharedMemoryName   string `yaml:"shared_memory_name" json:"shared_memory_name"`
	EnableSharedMemory bool   `yaml:"enable_shared_memory" json:"enable_shared_memory"`

	// Leak scanner
	EnableScanner      bool          `yaml:"enable_scanner" json:"enable_scanner"`
	ScanInterval       time.Duration `yaml:"scan_interval" json:"scan_interval"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold" json:"staleness_threshold"`

	// Live-allocation index capacity
	MaxTracked int `yaml:"max_tracked" json:"max_tracked"`

	// In-process event subscription (off by default; the shared ring is
	// the primary consumer surface)
	EmitToChannel     bool `yaml:"emit_to_channel" json:"emit_to_channel"`
	ChannelBufferSize int  `yaml:"channel_buffer_size" json:"channel_buffer_size"`

	// Health evaluation
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`

	// Shutdown grace for the scanner goroutine
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns production-ready defaults matching the reference
// agent: 5s scan cycle, 3s staleness threshold, 10,000 tracked allocations.
func DefaultConfig() *Config {
	return &Config{
		Name:               "memtrace",
		SharedMemoryName:   DefaultSharedMemoryName,
		EnableSharedMemory: true,
		EnableScanner:      true,
		ScanInterval:       5 * time.Second,
		StalenessThreshold: 3 * time.Second,
		MaxTracked:         track.DefaultMaxTracked,
		EmitToChannel:      false,
		ChannelBufferSize:  1024,
		HealthCheckTimeout: 5 * time.Minute,
		ShutdownTimeout:    5 * time.Second,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.EnableSharedMemory && c.SharedMemoryName == "" {
		return fmt.Errorf("shared memory name is required when the ring is enabled")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive")
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("staleness threshold must be positive")
	}
	if c.MaxTracked <= 0 {
		return fmt.Errorf("max tracked must be greater than 0")
	}
	if c.MaxTracked > 1_000_000 {
		return fmt.Errorf("max tracked must not exceed 1,000,000")
	}
	if c.EmitToChannel && c.ChannelBufferSize <= 0 {
		return fmt.Errorf("channel buffer size must be positive when channel emission is enabled")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return nil
}

// fileConfig is the on-disk form. Durations are plain seconds so the
// same file parses as YAML or JSON; optional fields distinguish "absent"
// from zero.
type fileConfig struct {
	Name                      string   `yaml:"name" json:"name"`
	SharedMemoryName          string   `yaml:"shared_memory_name" json:"shared_memory_name"`
	EnableSharedMemory        *bool    `yaml:"enable_shared_memory" json:"enable_shared_memory"`
	EnableScanner             *bool    `yaml:"enable_scanner" json:"enable_scanner"`
	ScanIntervalSeconds       *float64 `yaml:"scan_interval_seconds" json:"scan_interval_seconds"`
	StalenessThresholdSeconds *float64 `yaml:"staleness_threshold_seconds" json:"staleness_threshold_seconds"`
	MaxTracked                *int     `yaml:"max_tracked" json:"max_tracked"`
	EmitToChannel             *bool    `yaml:"emit_to_channel" json:"emit_to_channel"`
	ChannelBufferSize         *int     `yaml:"channel_buffer_size" json:"channel_buffer_size"`
}

// LoadConfig loads configuration from a YAML or JSON file, starting from
// defaults so partial files work.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	fc := &fileConfig{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, fc)
	case ".json":
		err = json.Unmarshal(data, fc)
	default:
		// Try YAML first, then JSON
		err = yaml.Unmarshal(data, fc)
		if err != nil {
			err = json.Unmarshal(data, fc)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()
	if fc.Name != "" {
		config.Name = fc.Name
	}
	if fc.SharedMemoryName != "" {
		config.SharedMemoryName = fc.SharedMemoryName
	}
	if fc.EnableSharedMemory != nil {
		config.EnableSharedMemory = *fc.EnableSharedMemory
	}
	if fc.EnableScanner != nil {
		config.EnableScanner = *fc.EnableScanner
	}
	if fc.ScanIntervalSeconds != nil {
		config.ScanInterval = time.Duration(*fc.ScanIntervalSeconds * float64(time.Second))
	}
	if fc.StalenessThresholdSeconds != nil {
		config.StalenessThreshold = time.Duration(*fc.StalenessThresholdSeconds * float64(time.Second))
	}
	if fc.MaxTracked != nil {
		config.MaxTracked = *fc.MaxTracked
	}
	if fc.EmitToChannel != nil {
		config.EmitToChannel = *fc.EmitToChannel
	}
	if fc.ChannelBufferSize != nil {
		config.ChannelBufferSize = *fc.ChannelBufferSize
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return config, nil
}
