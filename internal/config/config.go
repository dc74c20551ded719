// Package config provides the configuration of a tracker and its pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
)

// Environment values accepted by the collector.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
	EnvironmentUnknown    = "unknown"
	EnvironmentMalformed  = "malformed"
)

// Log levels, from most to least verbose.
const (
	LogLevelVerbose = "verbose"
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarn    = "warn"
	LogLevelError   = "error"
	LogLevelAssert  = "assert"
)

// DefaultBaseURL is the collector used when none is configured.
const DefaultBaseURL = "https://app.beacon.io/tracking"

// Config holds the configuration of a tracker.
type Config struct {
	// AppToken identifies the application. Required.
	AppToken string `json:"app_token" yaml:"app_token"`

	// Environment is sandbox or production
	Environment string `json:"environment" yaml:"environment"`

	// DefaultTracker is sent as the tracker parameter when set
	DefaultTracker string `json:"default_tracker" yaml:"default_tracker"`

	// EventBuffering keeps events queued until the next timer tick
	EventBuffering bool `json:"event_buffering" yaml:"event_buffering"`

	// SDKPrefix is prepended to the client sdk as prefix@sdk
	SDKPrefix string `json:"sdk_prefix" yaml:"sdk_prefix"`

	// LogLevel is one of verbose, debug, info, warn, error, assert.
	// Empty means info, raised to error outside the sandbox.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// DataDir is the base directory for persisted files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// App describes the host application for the fingerprint
	App AppConfig `json:"app" yaml:"app"`

	Collector  CollectorConfig  `json:"collector" yaml:"collector"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	State      StateConfig      `json:"state" yaml:"state"`
	Outbox     OutboxConfig     `json:"outbox" yaml:"outbox"`
	DeadLetter DeadLetterConfig `json:"dead_letter" yaml:"dead_letter"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// AppConfig holds host application metadata.
type AppConfig struct {
	PackageName string `json:"package_name" yaml:"package_name"`
	Version     string `json:"version" yaml:"version"`
	Referrer    string `json:"referrer" yaml:"referrer"`
}

// CollectorConfig holds the collector endpoint and HTTP timeouts.
type CollectorConfig struct {
	// BaseURL is prefixed to every package path
	BaseURL string `json:"base_url" yaml:"base_url"`

	// ConnectTimeout bounds dialing the collector
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// ReadTimeout bounds waiting for the response
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

// SessionConfig holds the session thresholds and timer settings.
type SessionConfig struct {
	// SessionInterval is the inactivity gap that starts a new session
	SessionInterval time.Duration `json:"session_interval" yaml:"session_interval"`

	// SubsessionInterval is the gap that starts a new subsession
	SubsessionInterval time.Duration `json:"subsession_interval" yaml:"subsession_interval"`

	// TimerInterval is the period of the foreground timer
	TimerInterval time.Duration `json:"timer_interval" yaml:"timer_interval"`

	// TimerStartDelay is the delay before the first tick
	TimerStartDelay time.Duration `json:"timer_start_delay" yaml:"timer_start_delay"`

	// MessageBuffer is the capacity of the session message channel
	MessageBuffer int `json:"message_buffer" yaml:"message_buffer"`
}

// StateConfig selects the activity state store.
type StateConfig struct {
	// Type is file or sqlite
	Type string `json:"type" yaml:"type"`

	// Path is the state file or database path
	Path string `json:"path" yaml:"path"`
}

// OutboxConfig holds the durable queue settings.
type OutboxConfig struct {
	// Dir holds the outbox log
	Dir string `json:"dir" yaml:"dir"`

	// CompactThreshold is the number of acknowledged records that triggers a rewrite
	CompactThreshold int `json:"compact_threshold" yaml:"compact_threshold"`

	// RetryInitialInterval is the first backoff after a transport failure
	RetryInitialInterval time.Duration `json:"retry_initial_interval" yaml:"retry_initial_interval"`

	// RetryMaxInterval caps the backoff
	RetryMaxInterval time.Duration `json:"retry_max_interval" yaml:"retry_max_interval"`
}

// DeadLetterConfig selects where dropped packages are archived.
type DeadLetterConfig struct {
	// Type is none, local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive root (for local type). Entries are
	// written below its deadletter directory.
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	// Addr serves /metrics when non-empty
	Addr string `json:"addr" yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/beacon",
		Collector: CollectorConfig{
			BaseURL:        DefaultBaseURL,
			ConnectTimeout: time.Minute,
			ReadTimeout:    time.Minute,
		},
		Session: SessionConfig{
			SessionInterval:    30 * time.Second,
			SubsessionInterval: time.Second,
			TimerInterval:      time.Minute,
			TimerStartDelay:    time.Second,
			MessageBuffer:      64,
		},
		State: StateConfig{
			Type: "file",
		},
		Outbox: OutboxConfig{
			CompactThreshold:     256,
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			Type: "none",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/beacon"
	}

	if c.State.Path == "" {
		switch c.State.Type {
		case "sqlite":
			c.State.Path = filepath.Join(c.DataDir, "state.db")
		default:
			c.State.Path = filepath.Join(c.DataDir, "activity_state.json")
		}
	}

	if c.Outbox.Dir == "" {
		c.Outbox.Dir = filepath.Join(c.DataDir, "outbox")
	}

	if c.DeadLetter.Type == "local" && c.DeadLetter.Path == "" {
		c.DeadLetter.Path = c.DataDir
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.AppToken == "" {
		return beaconerrors.NewConfigError(beaconerrors.CodeMissingAppToken, "missing app token")
	}

	if c.DataDir == "" {
		return invalid("data_dir is required")
	}

	if c.Collector.BaseURL == "" {
		return invalid("collector.base_url is required")
	}

	if c.Collector.ConnectTimeout <= 0 || c.Collector.ReadTimeout <= 0 {
		return invalid("collector timeouts must be positive")
	}

	s := c.Session
	if s.SubsessionInterval <= 0 || s.SessionInterval <= s.SubsessionInterval {
		return invalid(fmt.Sprintf("session.session_interval (%s) must exceed session.subsession_interval (%s) > 0",
			s.SessionInterval, s.SubsessionInterval))
	}
	if s.TimerInterval <= 0 || s.TimerStartDelay < 0 {
		return invalid("session timer settings must be positive")
	}
	if s.MessageBuffer < 1 {
		return invalid(fmt.Sprintf("session.message_buffer must be at least 1, got %d", s.MessageBuffer))
	}

	if c.State.Type != "file" && c.State.Type != "sqlite" {
		return invalid(fmt.Sprintf("invalid state type: %s (must be file or sqlite)", c.State.Type))
	}

	if c.Outbox.CompactThreshold < 1 {
		return invalid("outbox.compact_threshold must be at least 1")
	}
	if c.Outbox.RetryInitialInterval <= 0 || c.Outbox.RetryMaxInterval < c.Outbox.RetryInitialInterval {
		return invalid("outbox retry intervals must be positive and ordered")
	}

	switch c.DeadLetter.Type {
	case "none", "local":
	case "s3":
		if c.DeadLetter.S3.Bucket == "" {
			return invalid("dead_letter.s3.bucket is required when dead_letter type is s3")
		}
	default:
		return invalid(fmt.Sprintf("invalid dead_letter type: %s (must be none, local, or s3)", c.DeadLetter.Type))
	}

	if _, ok := ParseLogLevel(c.LogLevel); !ok {
		return invalid(fmt.Sprintf("invalid log level: %s", c.LogLevel))
	}

	return nil
}

func invalid(msg string) error {
	return beaconerrors.NewConfigError(beaconerrors.CodeInvalidSetting, msg)
}

// NormalizeEnvironment maps the configured environment to the value sent
// to the collector. An empty value becomes unknown, anything other than
// sandbox or production becomes malformed.
func NormalizeEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "":
		return EnvironmentUnknown
	case EnvironmentSandbox:
		return EnvironmentSandbox
	case EnvironmentProduction:
		return EnvironmentProduction
	default:
		return EnvironmentMalformed
	}
}

// Level is a log level ordered from verbose (0) to assert.
type Level int

// ParseLogLevel parses a log level name. Empty means info.
func ParseLogLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case LogLevelVerbose:
		return 0, true
	case LogLevelDebug:
		return 1, true
	case "", LogLevelInfo:
		return 2, true
	case LogLevelWarn:
		return 3, true
	case LogLevelError:
		return 4, true
	case LogLevelAssert:
		return 5, true
	default:
		return 0, false
	}
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the BEACON_ prefix.
func LoadFromEnv(cfg *Config) {
	setString(&cfg.AppToken, "BEACON_APP_TOKEN")
	setString(&cfg.Environment, "BEACON_ENVIRONMENT")
	setString(&cfg.DefaultTracker, "BEACON_DEFAULT_TRACKER")
	setBool(&cfg.EventBuffering, "BEACON_EVENT_BUFFERING")
	setString(&cfg.SDKPrefix, "BEACON_SDK_PREFIX")
	setString(&cfg.LogLevel, "BEACON_LOG_LEVEL")
	setString(&cfg.DataDir, "BEACON_DATA_DIR")

	// App metadata
	setString(&cfg.App.PackageName, "BEACON_APP_PACKAGE_NAME")
	setString(&cfg.App.Version, "BEACON_APP_VERSION")
	setString(&cfg.App.Referrer, "BEACON_APP_REFERRER")

	// Collector configuration
	setString(&cfg.Collector.BaseURL, "BEACON_COLLECTOR_BASE_URL")
	setDuration(&cfg.Collector.ConnectTimeout, "BEACON_COLLECTOR_CONNECT_TIMEOUT")
	setDuration(&cfg.Collector.ReadTimeout, "BEACON_COLLECTOR_READ_TIMEOUT")

	// Session configuration
	setDuration(&cfg.Session.SessionInterval, "BEACON_SESSION_INTERVAL")
	setDuration(&cfg.Session.SubsessionInterval, "BEACON_SUBSESSION_INTERVAL")
	setDuration(&cfg.Session.TimerInterval, "BEACON_TIMER_INTERVAL")
	setDuration(&cfg.Session.TimerStartDelay, "BEACON_TIMER_START_DELAY")
	setInt(&cfg.Session.MessageBuffer, "BEACON_SESSION_MESSAGE_BUFFER")

	// State configuration
	setString(&cfg.State.Type, "BEACON_STATE_TYPE")
	setString(&cfg.State.Path, "BEACON_STATE_PATH")

	// Outbox configuration
	setString(&cfg.Outbox.Dir, "BEACON_OUTBOX_DIR")
	setInt(&cfg.Outbox.CompactThreshold, "BEACON_OUTBOX_COMPACT_THRESHOLD")
	setDuration(&cfg.Outbox.RetryInitialInterval, "BEACON_OUTBOX_RETRY_INITIAL_INTERVAL")
	setDuration(&cfg.Outbox.RetryMaxInterval, "BEACON_OUTBOX_RETRY_MAX_INTERVAL")

	// Dead letter configuration
	setString(&cfg.DeadLetter.Type, "BEACON_DEAD_LETTER_TYPE")
	setString(&cfg.DeadLetter.Path, "BEACON_DEAD_LETTER_PATH")
	setString(&cfg.DeadLetter.S3.Bucket, "BEACON_S3_BUCKET")
	setString(&cfg.DeadLetter.S3.Region, "BEACON_S3_REGION")
	setString(&cfg.DeadLetter.S3.Endpoint, "BEACON_S3_ENDPOINT")
	setString(&cfg.DeadLetter.S3.Prefix, "BEACON_S3_PREFIX")

	setString(&cfg.Metrics.Addr, "BEACON_METRICS_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.State.Path),
		c.Outbox.Dir,
	}
	if c.DeadLetter.Type == "local" {
		dirs = append(dirs, c.DeadLetter.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
