package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDefaults(t *testing.T) {
	cfg, err := clientFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.BackendURL)
	assert.Equal(t, 10*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 15*time.Second, cfg.DayTimeout)
	assert.Equal(t, 30*time.Second, cfg.NotificationInterval)
	assert.Equal(t, 5*time.Second, cfg.RealtimeInterval)
	assert.Equal(t, 24*time.Hour, cfg.SkipPairingWindow)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadClient_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "backend_url: https://duo.example.com/\nday_timeout: 3s\nlog_level: warn\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".duo.yaml"), []byte(yaml), 0o600))
	t.Setenv("DUO_CONFIG_PATH", dir)
	t.Setenv("DUO_DAY_TIMEOUT", "2s")

	cfg, err := LoadClient()
	require.NoError(t, err)

	assert.Equal(t, "https://duo.example.com", cfg.BackendURL, "trailing slash trimmed")
	assert.Equal(t, 2*time.Second, cfg.DayTimeout)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestClient_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"negative timeout", "session_timeout", "-1s"},
		{"zero poll interval", "notification_interval", "0s"},
		{"unknown level", "log_level", "loud"},
		{"empty backend", "backend_url", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			_, err := clientFrom(v)
			assert.Error(t, err)
		})
	}
}

func TestServerDefaults(t *testing.T) {
	v := viper.New()
	v.Set("port", 9090)
	cfg, err := serverFrom(v)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "http://localhost:9090", cfg.PublicURL)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 720*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "data/duo.db", cfg.DBPath)
}

func TestServer_RejectsBadValues(t *testing.T) {
	v := viper.New()
	v.Set("port", 70000)
	_, err := serverFrom(v)
	assert.Error(t, err)

	v = viper.New()
	v.Set("refresh_ttl", "1m")
	_, err = serverFrom(v)
	assert.Error(t, err, "refresh shorter than access")
}
