// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"BOXEVAL_HOST" yaml:"host"`
	Port int    `envconfig:"BOXEVAL_PORT" yaml:"port"`

	// Annotations is the path to the COCO-format ground-truth file.
	Annotations string `envconfig:"BOXEVAL_ANNOTATIONS" yaml:"annotations"`

	// Eval configuration
	Eval EvalConfig `yaml:"eval"`

	// Gather configuration
	Gather GatherConfig `yaml:"gather"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// History configuration
	History HistoryConfig `yaml:"history"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`
}

// EvalConfig holds evaluation-protocol settings.
type EvalConfig struct {
	// IoUType selects the matching geometry. Only "bbox" is implemented.
	IoUType string `envconfig:"BOXEVAL_IOU_TYPE" yaml:"iou_type"`

	// MaxDets is the ascending detection-count thresholds; matching uses the last.
	MaxDets []int `envconfig:"BOXEVAL_MAX_DETS" yaml:"max_dets"`

	// Workers bounds parallel IoU computation within a process. 0 = GOMAXPROCS.
	Workers int `envconfig:"BOXEVAL_EVAL_WORKERS" yaml:"workers"`

	// PerCategory enables the per-category AP breakdown in reports.
	PerCategory bool `envconfig:"BOXEVAL_PER_CATEGORY" yaml:"per_category"`
}

// GatherConfig holds gather-collective settings.
type GatherConfig struct {
	Type      string `envconfig:"BOXEVAL_GATHER_TYPE" yaml:"type"` // none, memory, bus
	WorldSize int    `envconfig:"BOXEVAL_WORLD_SIZE" yaml:"world_size"`
	Rank      int    `envconfig:"BOXEVAL_RANK" yaml:"rank"`
	Topic     string `envconfig:"BOXEVAL_GATHER_TOPIC" yaml:"topic"`
	TimeoutS  int    `envconfig:"BOXEVAL_GATHER_TIMEOUT" yaml:"timeout_seconds"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"BOXEVAL_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"BOXEVAL_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"BOXEVAL_KAFKA_GROUP" yaml:"kafka_group"`
}

// HistoryConfig holds metric-history persistence settings.
type HistoryConfig struct {
	Enabled  bool   `envconfig:"BOXEVAL_HISTORY_ENABLED" yaml:"enabled"`
	RedisURL string `envconfig:"BOXEVAL_REDIS_URL" yaml:"redis_url"`
	TTLHours int    `envconfig:"BOXEVAL_HISTORY_TTL_HOURS" yaml:"ttl_hours"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"BOXEVAL_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"BOXEVAL_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit int `envconfig:"BOXEVAL_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080

	cfg.Eval = EvalConfig{
		IoUType: "bbox",
		MaxDets: []int{1, 10, 100},
		Workers: 0,
	}

	cfg.Gather = GatherConfig{
		Type:      "none",
		WorldSize: 1,
		Rank:      0,
		Topic:     "eval.gather",
		TimeoutS:  600,
	}

	cfg.Bus = BusConfig{
		Type: "memory",
	}

	cfg.History = HistoryConfig{
		Enabled:  false,
		RedisURL: "redis://localhost:6379",
		TTLHours: 720,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit: 0,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	// Eval validation
	if c.Eval.IoUType != "bbox" {
		errs = append(errs, fmt.Sprintf("unsupported iou type: %s (only bbox is implemented)", c.Eval.IoUType))
	}

	if len(c.Eval.MaxDets) == 0 {
		errs = append(errs, "max_dets cannot be empty")
	}
	for i := 1; i < len(c.Eval.MaxDets); i++ {
		if c.Eval.MaxDets[i] <= c.Eval.MaxDets[i-1] {
			errs = append(errs, "max_dets must be strictly ascending")
			break
		}
	}
	if len(c.Eval.MaxDets) > 0 && c.Eval.MaxDets[0] < 1 {
		errs = append(errs, "max_dets values must be positive")
	}

	if c.Eval.Workers < 0 {
		errs = append(errs, "eval workers cannot be negative")
	}

	// Gather validation
	validGatherTypes := map[string]bool{"none": true, "memory": true, "bus": true}
	if !validGatherTypes[c.Gather.Type] {
		errs = append(errs, fmt.Sprintf("invalid gather type: %s (must be none, memory, or bus)", c.Gather.Type))
	}

	if c.Gather.WorldSize < 1 {
		errs = append(errs, "gather world_size must be at least 1")
	}

	if c.Gather.Rank < 0 || c.Gather.Rank >= c.Gather.WorldSize {
		errs = append(errs, fmt.Sprintf("gather rank %d out of range [0, %d)", c.Gather.Rank, c.Gather.WorldSize))
	}

	if c.Gather.Type == "bus" && c.Gather.Topic == "" {
		errs = append(errs, "gather topic cannot be empty for bus gather")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}

	// History validation
	if c.History.Enabled && c.History.RedisURL == "" {
		errs = append(errs, "history redis_url cannot be empty when history is enabled")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
