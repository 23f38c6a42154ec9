// Package config loads contextmem settings from ~/.contextmem/config.yaml and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends accepted by CacheConfig.Backend.
const (
	CacheLocal = "local"
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Config holds daemon configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// ListenAddr is the HTTP API address.
	ListenAddr string `yaml:"listen_addr"`
	// LogMode selects the logger encoding: dev or prod.
	LogMode   string          `yaml:"log_mode"`
	Cache     CacheConfig     `yaml:"cache"`
	Detector  DetectorConfig  `yaml:"detector"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Learning  LearningConfig  `yaml:"learning"`
}

// CacheConfig selects the read-through cache used by the entity and model services.
type CacheConfig struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
	// MaxEntries bounds the local cache; 0 means unbounded.
	MaxEntries int `yaml:"max_entries"`
}

// DetectorConfig sizes the pattern detection queue.
type DetectorConfig struct {
	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queue_size"`
	MaxRetries int `yaml:"max_retries"`
}

// SchedulerConfig drives periodic training and cleanup.
type SchedulerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	TrainSchedule   string `yaml:"train_schedule"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
	RetentionDays   int    `yaml:"retention_days"`
}

// LearningConfig holds the defaults applied to training requests.
type LearningConfig struct {
	TrainingWindowDays  int     `yaml:"training_window_days"`
	MinSamples          int     `yaml:"min_samples"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dbPath := "contextmem.db"
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, ".contextmem", "contextmem.db")
	}
	return &Config{
		DBPath:     dbPath,
		ListenAddr: "127.0.0.1:7477",
		LogMode:    "dev",
		Cache: CacheConfig{
			Backend:    CacheLocal,
			RedisAddr:  "127.0.0.1:6379",
			TTL:        10 * time.Minute,
			MaxEntries: 10000,
		},
		Detector: DetectorConfig{
			Workers:    2,
			QueueSize:  256,
			MaxRetries: 3,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			TrainSchedule:   "@every 6h",
			CleanupSchedule: "@daily",
			RetentionDays:   90,
		},
		Learning: LearningConfig{
			TrainingWindowDays:  30,
			MinSamples:          10,
			ConfidenceThreshold: 0.7,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.contextmem/config.yaml.
func LoadFromHome() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		cfg := DefaultConfig()
		cfg.applyEnv(os.Getenv)
		return cfg, cfg.Validate()
	}
	return Load(filepath.Join(home, ".contextmem", "config.yaml"))
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("CONTEXTMEM_DB"); v != "" {
		c.DBPath = v
	}
	if v := getenv("CONTEXTMEM_LISTEN"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("CONTEXTMEM_LOG_MODE"); v != "" {
		c.LogMode = v
	}
	if v := getenv("CONTEXTMEM_CACHE"); v != "" {
		c.Cache.Backend = strings.ToLower(v)
	}
	if v := getenv("CONTEXTMEM_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.Cache.Backend {
	case CacheLocal, CacheNone:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid cache backend %q, must be: local, redis, or none", c.Cache.Backend)
	}
	if c.Detector.Workers < 1 {
		return fmt.Errorf("detector.workers must be at least 1")
	}
	if c.Detector.QueueSize < 1 {
		return fmt.Errorf("detector.queue_size must be at least 1")
	}
	if c.Detector.MaxRetries < 0 {
		return fmt.Errorf("detector.max_retries cannot be negative")
	}
	if c.Scheduler.RetentionDays < 1 {
		return fmt.Errorf("scheduler.retention_days must be at least 1")
	}
	if c.Learning.MinSamples < 1 {
		return fmt.Errorf("learning.min_samples must be at least 1")
	}
	if c.Learning.TrainingWindowDays < 1 {
		return fmt.Errorf("learning.training_window_days must be at least 1")
	}
	if c.Learning.ConfidenceThreshold < 0 || c.Learning.ConfidenceThreshold > 1 {
		return fmt.Errorf("learning.confidence_threshold must be within [0,1]")
	}
	return nil
}
