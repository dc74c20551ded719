package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AppToken = "abc123"
	cfg.Resolve()
	return cfg
}

func TestDefaultConfig_Thresholds(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Session.SessionInterval)
	assert.Equal(t, time.Second, cfg.Session.SubsessionInterval)
	assert.Equal(t, time.Minute, cfg.Session.TimerInterval)
	assert.Equal(t, time.Second, cfg.Session.TimerStartDelay)
	assert.Equal(t, time.Minute, cfg.Collector.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.Collector.ReadTimeout)
}

func TestValidate_MissingAppToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, beaconerrors.ErrCategoryConfig, beaconerrors.GetCategory(err))
	assert.Equal(t, beaconerrors.CodeMissingAppToken, beaconerrors.GetCode(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"sqlite state", func(c *Config) { c.State.Type = "sqlite" }, true},
		{"bad state type", func(c *Config) { c.State.Type = "redis" }, false},
		{"subsession above session", func(c *Config) { c.Session.SubsessionInterval = time.Hour }, false},
		{"zero buffer", func(c *Config) { c.Session.MessageBuffer = 0 }, false},
		{"s3 without bucket", func(c *Config) { c.DeadLetter.Type = "s3" }, false},
		{"s3 with bucket", func(c *Config) {
			c.DeadLetter.Type = "s3"
			c.DeadLetter.S3.Bucket = "archive"
		}, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"retry max below initial", func(c *Config) { c.Outbox.RetryMaxInterval = time.Millisecond }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNormalizeEnvironment(t *testing.T) {
	assert.Equal(t, EnvironmentSandbox, NormalizeEnvironment("sandbox"))
	assert.Equal(t, EnvironmentProduction, NormalizeEnvironment("PRODUCTION"))
	assert.Equal(t, EnvironmentUnknown, NormalizeEnvironment(""))
	assert.Equal(t, EnvironmentMalformed, NormalizeEnvironment("staging"))
}

func TestResolve_Paths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/beacon"
	cfg.DeadLetter.Type = "local"
	cfg.Resolve()

	assert.Equal(t, filepath.Join("/tmp/beacon", "activity_state.json"), cfg.State.Path)
	assert.Equal(t, filepath.Join("/tmp/beacon", "outbox"), cfg.Outbox.Dir)
	assert.Equal(t, "/tmp/beacon", cfg.DeadLetter.Path)

	cfg = DefaultConfig()
	cfg.DataDir = "/tmp/beacon"
	cfg.State.Type = "sqlite"
	cfg.Resolve()
	assert.Equal(t, filepath.Join("/tmp/beacon", "state.db"), cfg.State.Path)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.yaml")
	data := []byte(`app_token: tok
environment: sandbox
event_buffering: true
session:
  session_interval: 45s
  subsession_interval: 2s
outbox:
  compact_threshold: 10
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.AppToken)
	assert.True(t, cfg.EventBuffering)
	assert.Equal(t, 45*time.Second, cfg.Session.SessionInterval)
	assert.Equal(t, 2*time.Second, cfg.Session.SubsessionInterval)
	assert.Equal(t, 10, cfg.Outbox.CompactThreshold)
	// untouched values keep their defaults
	assert.Equal(t, time.Minute, cfg.Session.TimerInterval)
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BEACON_APP_TOKEN", "envtoken")
	t.Setenv("BEACON_EVENT_BUFFERING", "1")
	t.Setenv("BEACON_SESSION_INTERVAL", "10s")
	t.Setenv("BEACON_OUTBOX_COMPACT_THRESHOLD", "5")
	t.Setenv("BEACON_TIMER_INTERVAL", "not-a-duration")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "envtoken", cfg.AppToken)
	assert.True(t, cfg.EventBuffering)
	assert.Equal(t, 10*time.Second, cfg.Session.SessionInterval)
	assert.Equal(t, 5, cfg.Outbox.CompactThreshold)
	assert.Equal(t, time.Minute, cfg.Session.TimerInterval)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Resolve()

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.Outbox.Dir)
}
