package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clusterhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "clusterhub", cfg.OriginTag)
	assert.Equal(t, 100, cfg.MaxRetainedFunctions)
	assert.Equal(t, ":memory:", cfg.StoreDSN)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Setenv(EnvOriginTag, "")
	t.Setenv(EnvLogLevel, "")
	path := writeConfig(t, `
origin_tag: jobs
participants: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jobs", cfg.OriginTag)
	assert.Equal(t, 4, cfg.Participants)
	assert.Equal(t, 100, cfg.MaxRetainedFunctions, "unset keys keep defaults")
}

func TestLoad_EmptyFile(t *testing.T) {
	t.Setenv(EnvOriginTag, "")
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().OriginTag, cfg.OriginTag)
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "origin_tags: typo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin_tags")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_EnvWins(t *testing.T) {
	t.Setenv(EnvOriginTag, "from-env")
	t.Setenv(EnvLogLevel, "DEBUG")
	path := writeConfig(t, "origin_tag: from-file\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.OriginTag)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestApplyEnv_BadInteger(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		if key == EnvMaxRetainedFunctions {
			return "lots", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMaxRetainedFunctions)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty origin tag", func(c *Config) { c.OriginTag = "" }},
		{"zero retained functions", func(c *Config) { c.MaxRetainedFunctions = 0 }},
		{"negative participants", func(c *Config) { c.Participants = -1 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"empty dsn", func(c *Config) { c.StoreDSN = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestMerge_ZeroFieldsKeepBase(t *testing.T) {
	base := Default()
	merged := base.Merge(Config{StoreDSN: "file:hub.db"})
	assert.Equal(t, "file:hub.db", merged.StoreDSN)
	assert.Equal(t, base.OriginTag, merged.OriginTag)
	assert.Equal(t, base.LogLevel, merged.LogLevel)
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		assert.Equal(t, want, Config{LogLevel: level}.SlogLevel(), level)
	}
}
