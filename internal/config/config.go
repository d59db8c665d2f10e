// Package config loads settings for the cachesim command: defaults, then an
// optional YAML file, then IMAGECACHE_* environment variables. Command-line
// flags are applied last by the command itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the simulator and cache knobs.
type Config struct {
	// Cache
	MaxBudget int64  `yaml:"maxBudget"`
	LogLevel  string `yaml:"logLevel"`

	// Endpoints; empty disables.
	MetricsAddr string `yaml:"metricsAddr"`
	PprofAddr   string `yaml:"pprofAddr"`

	// Workload
	Workers      int           `yaml:"workers"`
	Duration     time.Duration `yaml:"duration"`
	Frames       int           `yaml:"frames"`
	FrameBytes   int64         `yaml:"frameBytes"`
	VolumeFrames int           `yaml:"volumeFrames"`
	VolumePct    int           `yaml:"volumePct"`
	ReadPct      int           `yaml:"readPct"`
	LoadLatency  time.Duration `yaml:"loadLatency"`
	ZipfS        float64       `yaml:"zipfS"`
	Seed         int64         `yaml:"seed"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MaxBudget:    1 << 30,
		LogLevel:     "info",
		MetricsAddr:  ":8080",
		Workers:      8,
		Duration:     10 * time.Second,
		Frames:       20_000,
		FrameBytes:   512 << 10,
		VolumeFrames: 256,
		VolumePct:    1,
		ReadPct:      80,
		LoadLatency:  time.Millisecond,
		ZipfS:        1.1,
		Seed:         1,
	}
}

// Load returns Default overlaid with the YAML file at path (skipped when
// path is empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the simulator cannot run with.
func (c Config) Validate() error {
	switch {
	case c.MaxBudget <= 0:
		return fmt.Errorf("maxBudget must be positive, got %d", c.MaxBudget)
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.Frames <= 1:
		return fmt.Errorf("frames must be greater than 1, got %d", c.Frames)
	case c.FrameBytes < 0:
		return fmt.Errorf("frameBytes must not be negative, got %d", c.FrameBytes)
	case c.ReadPct < 0 || c.ReadPct > 100:
		return fmt.Errorf("readPct must be in [0,100], got %d", c.ReadPct)
	case c.VolumePct < 0 || c.VolumePct > 100:
		return fmt.Errorf("volumePct must be in [0,100], got %d", c.VolumePct)
	case c.ZipfS <= 1:
		return fmt.Errorf("zipfS must be greater than 1, got %g", c.ZipfS)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.MaxBudget = getEnvInt64("IMAGECACHE_MAX_BUDGET", c.MaxBudget)
	c.LogLevel = getEnv("IMAGECACHE_LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getEnv("IMAGECACHE_METRICS_ADDR", c.MetricsAddr)
	c.PprofAddr = getEnv("IMAGECACHE_PPROF_ADDR", c.PprofAddr)
	c.Workers = getEnvInt("IMAGECACHE_WORKERS", c.Workers)
	c.Duration = getEnvDuration("IMAGECACHE_DURATION", c.Duration)
	c.Frames = getEnvInt("IMAGECACHE_FRAMES", c.Frames)
	c.FrameBytes = getEnvInt64("IMAGECACHE_FRAME_BYTES", c.FrameBytes)
	c.VolumeFrames = getEnvInt("IMAGECACHE_VOLUME_FRAMES", c.VolumeFrames)
	c.VolumePct = getEnvInt("IMAGECACHE_VOLUME_PCT", c.VolumePct)
	c.ReadPct = getEnvInt("IMAGECACHE_READ_PCT", c.ReadPct)
	c.LoadLatency = getEnvDuration("IMAGECACHE_LOAD_LATENCY", c.LoadLatency)
	c.Seed = getEnvInt64("IMAGECACHE_SEED", c.Seed)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
