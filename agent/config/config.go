package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent              AgentConfig              `yaml:"agent"`
	ActivityMonitoring ActivityMonitoringConfig `yaml:"activity_monitoring"`
	Delivery           DeliveryConfig           `yaml:"delivery"`
	Storage            StorageConfig            `yaml:"storage"`
	StatusAPI          StatusAPIConfig          `yaml:"status_api"`
	Logging            LoggingConfig            `yaml:"logging"`
}

type AgentConfig struct {
	ComputerName string       `yaml:"computer_name"`
	UserID       string       `yaml:"user_id"`
	APIKey       string       `yaml:"api_key"`
	Server       ServerConfig `yaml:"server"`
}

type ServerConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryDelay     int    `yaml:"retry_delay_seconds"`
}

type ActivityMonitoringConfig struct {
	Enabled                  bool `yaml:"enabled"`
	TrackWindowTitles        bool `yaml:"track_window_titles"`
	IdleThresholdSeconds     int  `yaml:"idle_threshold_seconds"`
	IdleCheckIntervalSeconds int  `yaml:"idle_check_interval_seconds"`
	MinReportSeconds         int  `yaml:"min_report_seconds"`
	AnnotationTimeoutSeconds int  `yaml:"annotation_timeout_seconds"`
	InputDebounceMs          int  `yaml:"input_debounce_ms"`
	InputPollIntervalMs      int  `yaml:"input_poll_interval_ms"`
}

type DeliveryConfig struct {
	Endpoint               string `yaml:"endpoint"`
	IntervalSeconds        int    `yaml:"interval_seconds"`
	BatchSize              int    `yaml:"batch_size"`
	MaxBackoffSeconds      int    `yaml:"max_backoff_seconds"`
	MaxRejections          int    `yaml:"max_rejections"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

type StorageConfig struct {
	Path           string `yaml:"path"`
	BacklogCeiling int    `yaml:"backlog_ceiling"`
}

type StatusAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Server: ServerConfig{
				URL:            "http://localhost:5000",
				TimeoutSeconds: 30,
				RetryAttempts:  2,
				RetryDelay:     2,
			},
		},
		ActivityMonitoring: ActivityMonitoringConfig{
			Enabled:                  true,
			TrackWindowTitles:        true,
			IdleThresholdSeconds:     300,
			IdleCheckIntervalSeconds: 30,
			MinReportSeconds:         60,
			AnnotationTimeoutSeconds: 60,
			InputDebounceMs:          50,
			InputPollIntervalMs:      1000,
		},
		Delivery: DeliveryConfig{
			Endpoint:               "/api/activity/batch",
			IntervalSeconds:        60,
			BatchSize:              100,
			MaxBackoffSeconds:      900,
			MaxRejections:          5,
			ShutdownTimeoutSeconds: 5,
		},
		Storage: StorageConfig{
			Path:           defaultStoragePath(),
			BacklogCeiling: 50000,
		},
		StatusAPI: StatusAPIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8765",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

func defaultStoragePath() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return filepath.Join(dir, "ActivityAgent", "queue.db")
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "activity-agent.db"
	}
	return filepath.Join(dir, "activity-agent", "queue.db")
}

// Load reads the YAML file at path on top of the defaults. Environment
// variables in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Agent.ComputerName == "" {
		cfg.Agent.ComputerName = os.Getenv("COMPUTERNAME")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.Server.URL == "" {
		errs = append(errs, errors.New("agent.server.url is required"))
	}
	if c.ActivityMonitoring.IdleThresholdSeconds <= 0 {
		errs = append(errs, errors.New("activity_monitoring.idle_threshold_seconds must be positive"))
	}
	if c.ActivityMonitoring.IdleCheckIntervalSeconds <= 0 {
		errs = append(errs, errors.New("activity_monitoring.idle_check_interval_seconds must be positive"))
	}
	if c.Delivery.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("delivery.interval_seconds must be positive"))
	}
	if c.Delivery.BatchSize <= 0 {
		errs = append(errs, errors.New("delivery.batch_size must be positive"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Storage.BacklogCeiling < 0 {
		errs = append(errs, errors.New("storage.backlog_ceiling must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// WriteDefault writes the default configuration to path. The file is
// replaced atomically so a crash never leaves a truncated config behind.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c ActivityMonitoringConfig) IdleThreshold() time.Duration { return seconds(c.IdleThresholdSeconds) }
func (c ActivityMonitoringConfig) IdleCheckInterval() time.Duration {
	return seconds(c.IdleCheckIntervalSeconds)
}
func (c ActivityMonitoringConfig) MinReport() time.Duration { return seconds(c.MinReportSeconds) }
func (c ActivityMonitoringConfig) AnnotationTimeout() time.Duration {
	return seconds(c.AnnotationTimeoutSeconds)
}
func (c ActivityMonitoringConfig) InputDebounce() time.Duration {
	return time.Duration(c.InputDebounceMs) * time.Millisecond
}
func (c ActivityMonitoringConfig) InputPollInterval() time.Duration {
	return time.Duration(c.InputPollIntervalMs) * time.Millisecond
}

func (c DeliveryConfig) Interval() time.Duration        { return seconds(c.IntervalSeconds) }
func (c DeliveryConfig) MaxBackoff() time.Duration      { return seconds(c.MaxBackoffSeconds) }
func (c DeliveryConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSeconds) }
