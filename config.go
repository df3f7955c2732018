package stepflow

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the stepflow daemon
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `yaml:"path"`

	// BusyTimeout is how long a unit of work waits for another process
	// holding the database write lock
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// EngineConfig holds state machine configuration
type EngineConfig struct {
	// SystemActor is recorded on state changes made without an actor in context
	SystemActor string `yaml:"system_actor"`

	// JumpCommentFormat builds the "previous comment" seen by the target step
	// of a jump. Arguments: previous step number, previous step name, comment.
	JumpCommentFormat string `yaml:"jump_comment_format"`
}

// SchedulerConfig holds auto-finish scheduler configuration
type SchedulerConfig struct {
	// Debug bypasses the window and throttle checks
	Debug bool `yaml:"debug"`

	// WindowStartHour and WindowEndHour bound the daily run window,
	// start inclusive, end exclusive. The window wraps across midnight
	// when start > end and is open all day when they are equal.
	WindowStartHour int `yaml:"window_start_hour"`
	WindowEndHour   int `yaml:"window_end_hour"`

	// MinIntervalHours is the minimum time between two successful runs
	MinIntervalHours int `yaml:"min_interval_hours"`

	// Timezone is the IANA zone the window hours are evaluated in
	Timezone string `yaml:"timezone"`

	// Interval is how often the daemon triggers a run
	Interval time.Duration `yaml:"interval"`

	// AutoFinishComment is stored on automatically finished states.
	// Argument: the deadline formatted as RFC 3339.
	AutoFinishComment string `yaml:"autofinish_comment"`
}

// LogConfig selects the log level and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DynamoDBConfig enables the DynamoDB scheduler watermark when Table is set
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
}

// MetricsConfig enables the metrics and health endpoint when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultEngineConfig provides engine defaults
var DefaultEngineConfig = EngineConfig{
	SystemActor:       "system",
	JumpCommentFormat: "Jumped from step %d (%s), comment: %s",
}

// DefaultSchedulerConfig provides scheduler defaults
var DefaultSchedulerConfig = SchedulerConfig{
	WindowStartHour:   0,
	WindowEndHour:     0,
	MinIntervalHours:  24,
	Timezone:          "UTC",
	Interval:          time.Hour,
	AutoFinishComment: "Step finished automatically, deadline %s has passed",
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	return &Config{
		Database:  DatabaseConfig{Path: "stepflow.db", BusyTimeout: 5 * time.Second},
		Engine:    DefaultEngineConfig,
		Scheduler: DefaultSchedulerConfig,
		Log:       LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults, then applies STEPFLOW_*
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for out-of-range values
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.BusyTimeout < 0 {
		errs = append(errs, "database.busy_timeout must not be negative")
	}
	if c.Scheduler.WindowStartHour < 0 || c.Scheduler.WindowStartHour > 23 {
		errs = append(errs, "scheduler.window_start_hour must be within 0..23")
	}
	if c.Scheduler.WindowEndHour < 0 || c.Scheduler.WindowEndHour > 23 {
		errs = append(errs, "scheduler.window_end_hour must be within 0..23")
	}
	if c.Scheduler.MinIntervalHours < 0 {
		errs = append(errs, "scheduler.min_interval_hours must not be negative")
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler.timezone: %v", err))
	}

	if len(errs) > 0 {
		return NewError(ErrCodeValidation, strings.Join(errs, "; "))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEPFLOW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STEPFLOW_SCHEDULER_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Debug = b
		}
	}
	if v := os.Getenv("STEPFLOW_SCHEDULER_TIMEZONE"); v != "" {
		cfg.Scheduler.Timezone = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STEPFLOW_DYNAMODB_TABLE"); v != "" {
		cfg.DynamoDB.Table = v
	}
	if v := os.Getenv("STEPFLOW_DYNAMODB_REGION"); v != "" {
		cfg.DynamoDB.Region = v
	}
	if v := os.Getenv("STEPFLOW_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}
