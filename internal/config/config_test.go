package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
	if cfg.Automation.MaxDepth != 5 {
		t.Errorf("MaxDepth = %d, want 5", cfg.Automation.MaxDepth)
	}
	if cfg.Automation.AuditLogCap != 500 || cfg.Automation.ExecutionLogCap != 1000 {
		t.Errorf("unexpected log caps: %+v", cfg.Automation)
	}
	if cfg.Sequences.DefaultTimeOfDay != "09:00" {
		t.Errorf("DefaultTimeOfDay = %q", cfg.Sequences.DefaultTimeOfDay)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	yaml := []byte(`
database:
  driver: sqlite
  path: /tmp/crm.db
automation:
  max_depth: 3
  trigger_delete_window: 2h
sequences:
  timezone: UTC
`)
	require.NoError(t, v.ReadConfig(bytes.NewReader(yaml)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/crm.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Automation.MaxDepth)
	assert.Equal(t, 2*time.Hour, cfg.Automation.TriggerDeleteWindow)
	// untouched keys keep their defaults
	assert.Equal(t, 500, cfg.Automation.AuditLogCap)
	assert.Equal(t, "09:00", cfg.Sequences.DefaultTimeOfDay)

	loc, err := cfg.Sequences.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"depth", func(c *Config) { c.Automation.MaxDepth = 0 }},
		{"audit cap", func(c *Config) { c.Automation.AuditLogCap = -1 }},
		{"timezone", func(c *Config) { c.Sequences.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := GetDefaultConfig().Database
	assert.Equal(t, "host=localhost port=5432 user=postgres password=password dbname=crmflow sslmode=disable", d.DSN())
}

func TestConfigureLogger_File(t *testing.T) {
	logger := logrus.New()
	cfg := GetDefaultConfig().Log
	cfg.Level = "debug"
	cfg.Format = "text"
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "crmflow.log")

	require.NoError(t, ConfigureLogger(logger, cfg))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestConfigureLogger_InvalidLevelFallsBack(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	cfg := GetDefaultConfig().Log
	cfg.Level = "loud"

	require.NoError(t, ConfigureLogger(logger, cfg))
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
