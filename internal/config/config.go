// Package config loads and watches the rustflix configuration file.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Transcoding TranscodingConfig `yaml:"transcoding"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Events      EventsConfig      `yaml:"events"`
	Qualities   []QualityTier     `yaml:"qualities"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the history store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TranscodingConfig controls the job scheduler and workers.
type TranscodingConfig struct {
	OutputDir          string        `yaml:"output_dir"`
	Threads            int           `yaml:"transcoding_threads"` // 0 = derive from CPU count
	QueueSize          int           `yaml:"queue_size"`          // 0 = 2x pool size
	HardwareAccel      bool          `yaml:"hardware_accel"`
	FallbackToSoftware bool          `yaml:"fallback_to_software"`
	HardwareSlots      int           `yaml:"hardware_slots"`
	SegmentDuration    float64       `yaml:"segment_duration"` // seconds
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	StartupTimeout     time.Duration `yaml:"startup_timeout"`
	CancelGrace        time.Duration `yaml:"cancel_grace"`
	RetentionHours     int           `yaml:"retention_hours"` // terminal job retention
	FFmpegPath         string        `yaml:"ffmpeg_path"`
}

// SessionsConfig controls the streaming session registry.
type SessionsConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// EventsConfig controls the notification bus.
type EventsConfig struct {
	BufferSize       int `yaml:"buffer_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// QualityTier is one configured entry of the quality catalog.
type QualityTier struct {
	Name       string `yaml:"name"`
	MaxBitrate int64  `yaml:"max_bitrate"`
	MaxWidth   int    `yaml:"max_width"`
	MaxHeight  int    `yaml:"max_height"`
	VideoCodec string `yaml:"video_codec"`
	AudioCodec string `yaml:"audio_codec"`
	Container  string `yaml:"container"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "rustflix.db",
		},
		Transcoding: TranscodingConfig{
			OutputDir:          "data/transcoding",
			HardwareAccel:      true,
			FallbackToSoftware: true,
			HardwareSlots:      1,
			SegmentDuration:    6.0,
			MaxAttempts:        3,
			RetryBackoff:       500 * time.Millisecond,
			StartupTimeout:     10 * time.Second,
			CancelGrace:        5 * time.Second,
			RetentionHours:     24,
			FFmpegPath:         "ffmpeg",
		},
		Sessions: SessionsConfig{
			InactivityTimeout: 5 * time.Minute,
			SweepInterval:     30 * time.Second,
		},
		Events: EventsConfig{
			BufferSize:       256,
			SubscriberBuffer: 64,
		},
	}
}

// Load reads the config file at path, applying defaults for anything unset.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if envDir := os.Getenv("RUSTFLIX_TRANSCODING_DIR"); envDir != "" {
		cfg.Transcoding.OutputDir = envDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Transcoding.SegmentDuration <= 0 {
		return fmt.Errorf("transcoding.segment_duration must be positive")
	}
	if c.Transcoding.MaxAttempts < 1 {
		return fmt.Errorf("transcoding.max_attempts must be at least 1")
	}
	if c.Sessions.InactivityTimeout <= 0 {
		return fmt.Errorf("sessions.inactivity_timeout must be positive")
	}
	return nil
}

// PoolSize resolves the worker pool size, deriving a default from the CPU
// count when transcoding_threads is unset.
func (c *Config) PoolSize() int {
	if c.Transcoding.Threads > 0 {
		return c.Transcoding.Threads
	}
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

// QueueCapacity resolves the bounded wait queue size.
func (c *Config) QueueCapacity() int {
	if c.Transcoding.QueueSize > 0 {
		return c.Transcoding.QueueSize
	}
	return 2 * c.PoolSize()
}
