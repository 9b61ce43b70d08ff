// Package config provides configuration management for nvrcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StreamNameMaxLength bounds the length of a stream's configured name.
const StreamNameMaxLength = 64

// Default configuration values.
const (
	defaultSegmentDuration   = 0.5 // seconds, used when a stream omits segment_duration or sets <= 0
	defaultDetectionInterval = 5.0 // seconds
	defaultDetectionWorkers  = 4
	defaultDetectionQueue    = 32
	defaultVideoReadTimeout  = 10 * time.Second
	defaultReconnectDelay    = 1 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
)

// Config holds all configuration for the nvrcore daemon.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Detection DetectionConfig `mapstructure:"detection"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Streams   []StreamConfig  `mapstructure:"streams"`
}

// StorageConfig holds the base directory the ingest pipeline writes under.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"` // parent of every stream's hls/ and recordings/ subdirectories
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DetectionConfig holds detection worker pool configuration.
type DetectionConfig struct {
	WorkerCount       int  `mapstructure:"worker_count"`
	QueueSize         int  `mapstructure:"queue_size"`
	MemoryConstrained bool `mapstructure:"memory_constrained"` // forces the constrained-host branch regardless of probed RAM
}

// IngestConfig holds connection and reconnect defaults shared by every
// stream's Input Opener and Stream Thread.
type IngestConfig struct {
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// StreamConfig is the immutable per-camera configuration snapshot.
type StreamConfig struct {
	Name               string  `mapstructure:"name"`
	URL                string  `mapstructure:"url"`
	Protocol           string  `mapstructure:"protocol"` // rtsp, http, mpegts
	SegmentDuration    float64 `mapstructure:"segment_duration"`
	RecordAudio        bool    `mapstructure:"record_audio"`
	DetectionEnabled   bool    `mapstructure:"detection_based_recording"`
	DetectionModel     string  `mapstructure:"detection_model"`
	DetectionThreshold float64 `mapstructure:"detection_threshold"`
	DetectionInterval  float64 `mapstructure:"detection_interval"`
}

// EffectiveSegmentDuration returns the configured segment duration, or the
// package default of 0.5s when unset/non-positive.
func (s StreamConfig) EffectiveSegmentDuration() time.Duration {
	if s.SegmentDuration > 0 {
		return time.Duration(s.SegmentDuration * float64(time.Second))
	}
	return time.Duration(defaultSegmentDuration * float64(time.Second))
}

// EffectiveDetectionInterval returns the configured detection cadence, or
// the package default when unset/non-positive.
func (s StreamConfig) EffectiveDetectionInterval() time.Duration {
	if s.DetectionInterval > 0 {
		return time.Duration(s.DetectionInterval * float64(time.Second))
	}
	return time.Duration(defaultDetectionInterval * float64(time.Second))
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with NVRCORE_ and use underscores for
// nesting, e.g. NVRCORE_STORAGE_BASE_DIR=/data.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/nvrcore")
		v.AddConfigPath("$HOME/.nvrcore")
	}

	// Environment variable settings
	v.SetEnvPrefix("NVRCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")

	// Logging defaults
	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.format", defaultLogFormat)
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Detection defaults
	v.SetDefault("detection.worker_count", defaultDetectionWorkers)
	v.SetDefault("detection.queue_size", defaultDetectionQueue)
	v.SetDefault("detection.memory_constrained", false)

	// Ingest defaults
	v.SetDefault("ingest.read_timeout", defaultVideoReadTimeout)
	v.SetDefault("ingest.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("ingest.user_agent", "nvrcore/1.0")
}

// Validate checks the configuration for errors, including the per-stream
// invariants (unique, bounded-length names).
func (c *Config) Validate() error {
	// Storage validation
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Detection validation
	if c.Detection.WorkerCount < 1 {
		return fmt.Errorf("detection.worker_count must be at least 1")
	}
	if c.Detection.QueueSize < 1 {
		return fmt.Errorf("detection.queue_size must be at least 1")
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		if len(s.Name) > StreamNameMaxLength {
			return fmt.Errorf("streams[%d].name exceeds %d characters", i, StreamNameMaxLength)
		}
		if seen[s.Name] {
			return fmt.Errorf("streams[%d].name %q is not unique", i, s.Name)
		}
		seen[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("streams[%d].url is required", i)
		}
	}

	return nil
}

// HLSDir returns the directory a stream's HLS Writer writes into.
func (c *StorageConfig) HLSDir(streamName string) string {
	return fmt.Sprintf("%s/%s/hls", c.BaseDir, streamName)
}

// RecordingsDir returns the directory a stream's MP4 Recorder writes into.
func (c *StorageConfig) RecordingsDir(streamName string) string {
	return fmt.Sprintf("%s/%s/recordings", c.BaseDir, streamName)
}
