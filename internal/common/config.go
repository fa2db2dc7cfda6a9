package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// WorkerTuple configures how many workers of a given type and execution mode
// the Lifecycle Manager should maintain.
type WorkerTuple struct {
	Type          string `toml:"type"`
	ExecutionMode string `toml:"execution_mode"`
	Count         int    `toml:"count"`
	Image         string `toml:"image,omitempty"`
	BinaryPath    string `toml:"binary_path,omitempty"`
}

// SQLiteConfig configures the Job Queue Store's connection.
type SQLiteConfig struct {
	Path           string `toml:"path"`
	WALMode        bool   `toml:"wal_mode"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
	CacheSizeMB    int    `toml:"cache_size_mb"`
	Environment    string `toml:"environment"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// QueueConfig tunes the busy-retry budget used by the Job Queue Store.
type QueueConfig struct {
	BusyBudgetSeconds int `toml:"busy_budget_seconds"`
	NotifyPollMS      int `toml:"notify_poll_ms"`
}

// SchedulerConfig tunes the Scheduler's global concurrency bound and watch mode.
type SchedulerConfig struct {
	MaxConcurrency int    `toml:"max_concurrency"`
	MaxJobTimeSec  int    `toml:"max_job_time_seconds"`
	WatchSchedule  string `toml:"watch_schedule"`
}

// PoolConfig tunes the Worker Pool & Lifecycle Manager.
type PoolConfig struct {
	MaxStartupConcurrency int           `toml:"max_startup_concurrency"`
	StartupTimeoutSeconds int           `toml:"startup_timeout_seconds"`
	HeartbeatFreshnessSec int           `toml:"heartbeat_freshness_seconds"`
	HealthCheckInterval   time.Duration `toml:"health_check_interval"`
	StopGraceSeconds      int           `toml:"stop_grace_seconds"`
	Workers               []WorkerTuple `toml:"workers"`
}

// ToolsConfig records paths to external diagram converters.
type ToolsConfig struct {
	PlantUMLJar      string `toml:"plantuml_jar"`
	DrawioExecutable string `toml:"drawio_executable"`
}

// CacheConfig tunes the Result Cache's eviction policy.
type CacheConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
}

// LoggingConfig configures arbor's writers.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// Config is the complete engine configuration, loaded via LoadFromFiles and
// overridable by environment variables and CLI flags.
type Config struct {
	Storage   SQLiteConfig    `toml:"storage"`
	Queue     QueueConfig     `toml:"queue"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Pool      PoolConfig      `toml:"pool"`
	Tools     ToolsConfig     `toml:"tools"`
	Cache     CacheConfig     `toml:"cache"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NewDefaultConfig returns a Config populated with the engine's defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Storage: SQLiteConfig{
			Path:          "./data/courseforge.db",
			WALMode:       true,
			BusyTimeoutMS: 5000,
			CacheSizeMB:   64,
			Environment:   "production",
		},
		Queue: QueueConfig{
			BusyBudgetSeconds: 30,
			NotifyPollMS:      1000,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency: 50,
			MaxJobTimeSec:  600,
		},
		Pool: PoolConfig{
			MaxStartupConcurrency: 10,
			StartupTimeoutSeconds: 30,
			HeartbeatFreshnessSec: 30,
			HealthCheckInterval:   10 * time.Second,
			StopGraceSeconds:      15,
		},
		Cache: CacheConfig{
			MaxBytes: 1 << 30, // 1 GiB
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"console"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFiles applies the default config, then each file in order
// (later files override earlier ones), then environment variable overrides.
// Missing files are skipped silently so a deployment can share one base file
// plus an optional local override.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides layers the six engine environment variables from §6 on
// top of whatever the config files set.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.MaxConcurrency = n
		}
	}
	if v := os.Getenv("MAX_WORKER_STARTUP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.MaxStartupConcurrency = n
		}
	}
	if v := os.Getenv("PLANTUML_JAR"); v != "" {
		config.Tools.PlantUMLJar = v
	}
	if v := os.Getenv("DRAWIO_EXECUTABLE"); v != "" {
		config.Tools.DrawioExecutable = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// ApplyFlagOverrides layers CLI flag values on top of file/env configuration.
// An empty string or zero value leaves the existing setting untouched.
func ApplyFlagOverrides(config *Config, dbPath string, maxConcurrency int, outputMode string) {
	if dbPath != "" {
		config.Storage.Path = dbPath
	}
	if maxConcurrency > 0 {
		config.Scheduler.MaxConcurrency = maxConcurrency
	}
	_ = outputMode // consumed by the reporter directly, not stored on Config
}

// Validate checks cross-field invariants not expressible via struct tags.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be positive")
	}
	if c.Pool.MaxStartupConcurrency <= 0 {
		return fmt.Errorf("pool.max_startup_concurrency must be positive")
	}
	if c.Scheduler.WatchSchedule != "" {
		if err := ValidateCronSchedule(c.Scheduler.WatchSchedule); err != nil {
			return fmt.Errorf("scheduler.watch_schedule: %w", err)
		}
	}
	return nil
}

// ValidateCronSchedule parses a cron expression using the same parser the
// watch-mode scheduler uses, rejecting expressions that cron/v3 cannot parse.
func ValidateCronSchedule(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(expr)
	return err
}

// IsProduction reports whether the storage environment is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Storage.Environment, "production")
}
