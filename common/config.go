package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration. Hosts usually load it from a
// TOML or YAML file; defaults make a zero-config start workable.
type Config struct {
	Processor ProcessorConfig `toml:"processor" yaml:"processor"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
}

// ProcessorConfig controls the job processor. Interval fields are
// duration strings ("5s", "1m") parsed with time.ParseDuration.
type ProcessorConfig struct {
	MaxConcurrentJobs        int    `toml:"max_concurrent_jobs" yaml:"max_concurrent_jobs" validate:"min=1"`
	PollingInterval          string `toml:"polling_interval" yaml:"polling_interval"`
	RecurringPollingInterval string `toml:"recurring_polling_interval" yaml:"recurring_polling_interval"`
	BatchSize                int    `toml:"batch_size" yaml:"batch_size" validate:"min=1"`
	DefaultRetryDelay        string `toml:"default_retry_delay" yaml:"default_retry_delay"`
	ShutdownTimeout          string `toml:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Stale sweep: re-schedule jobs stuck in Processing longer than
	// the threshold. Off unless an interval is configured.
	StaleCheckInterval string `toml:"stale_check_interval" yaml:"stale_check_interval"`
	StaleThreshold     string `toml:"stale_threshold" yaml:"stale_threshold"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Type   string       `toml:"type" yaml:"type" validate:"oneof=badger memory"`
	Badger BadgerConfig `toml:"badger" yaml:"badger"`
}

// BadgerConfig configures the BadgerDB backend.
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"`
	GCInterval     string `toml:"gc_interval" yaml:"gc_interval"`
}

// LoggingConfig configures the arbor logger.
type LoggingConfig struct {
	Level  string   `toml:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Output []string `toml:"output" yaml:"output"`
}

// NewDefaultConfig returns the documented defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Processor: ProcessorConfig{
			MaxConcurrentJobs:        10,
			PollingInterval:          "5s",
			RecurringPollingInterval: "1m",
			BatchSize:                100,
			DefaultRetryDelay:        "30s",
			ShutdownTimeout:          "30s",
			StaleThreshold:           "10m",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:       "./data/pensum",
				GCInterval: "5m",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 ->
// file2 -> ... -> env. Later files override earlier files. Files ending
// in .yaml/.yml are parsed as YAML, everything else as TOML.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies PENSUM_* environment variables, which take
// precedence over any config file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PENSUM_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Processor.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("PENSUM_POLLING_INTERVAL"); v != "" {
		config.Processor.PollingInterval = v
	}
	if v := os.Getenv("PENSUM_RECURRING_POLLING_INTERVAL"); v != "" {
		config.Processor.RecurringPollingInterval = v
	}
	if v := os.Getenv("PENSUM_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Processor.BatchSize = n
		}
	}
	if v := os.Getenv("PENSUM_STORAGE_TYPE"); v != "" {
		config.Storage.Type = v
	}
	if v := os.Getenv("PENSUM_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("PENSUM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("PENSUM_LOG_OUTPUT"); v != "" {
		config.Logging.Output = strings.Split(v, ",")
	}
}

// Validate checks structural constraints and that every duration
// string parses.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"processor.polling_interval":           c.Processor.PollingInterval,
		"processor.recurring_polling_interval": c.Processor.RecurringPollingInterval,
		"processor.default_retry_delay":        c.Processor.DefaultRetryDelay,
		"processor.shutdown_timeout":           c.Processor.ShutdownTimeout,
		"processor.stale_check_interval":       c.Processor.StaleCheckInterval,
		"processor.stale_threshold":            c.Processor.StaleThreshold,
		"storage.badger.gc_interval":           c.Storage.Badger.GCInterval,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s %q: %w", field, value, err)
		}
	}
	return nil
}

// Duration parses a duration string field, falling back when blank or
// malformed. Validate has already rejected malformed values on loaded
// configs; the fallback covers hand-built configs.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
