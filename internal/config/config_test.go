package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
log:
  level: debug
  format: json
storage:
  driver: file
  path: /tmp/ls.json
course:
  base_url: https://courses.example.com/api
  cookie: session=abc
  headers:
    X-Requested-With: XMLHttpRequest
  timeout: 10s
  unit_delay: 250ms
explorer:
  token: tok
  timeout: 5s
coordinator:
  batch_size: 8
  batch_window: 1s
  cooldown: 30s
  workers: 4
settings:
  path: /etc/linescout/settings.yaml
  watch: true
api:
  enabled: true
  addr: 127.0.0.1:9000
grpc:
  enabled: true
  addr: 127.0.0.1:9001
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "session=abc", cfg.Course.Cookie)
	assert.Equal(t, "XMLHttpRequest", cfg.Course.Headers["X-Requested-With"])
	assert.Equal(t, 10*time.Second, cfg.Course.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Course.UnitDelay)
	assert.Equal(t, 5*time.Second, cfg.Explorer.Timeout)
	assert.Equal(t, 8, cfg.Coordinator.BatchSize)
	assert.Equal(t, time.Second, cfg.Coordinator.BatchWindow)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.Cooldown)
	assert.Equal(t, 4, cfg.Coordinator.Workers)
	assert.True(t, cfg.Settings.Watch)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Addr)
	assert.True(t, cfg.GRPC.Enabled)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "data/linescout.db", cfg.Storage.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Course.UnitDelay)
	assert.Equal(t, "https://explorer.lichess.ovh/lichess", cfg.Explorer.BaseURL)
	assert.Equal(t, 5, cfg.Coordinator.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Coordinator.BatchWindow)
	assert.Equal(t, 60*time.Second, cfg.Coordinator.Cooldown)
	assert.Equal(t, 5, cfg.Coordinator.Workers, "workers default to batch size")
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, ":50051", cfg.GRPC.Addr)
}

func TestFileDriverDefaultPath(t *testing.T) {
	cfg, err := Parse([]byte("storage:\n  driver: file\n"))
	require.NoError(t, err)
	assert.Equal(t, "data/linescout.json", cfg.Storage.Path)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvCourseCookie, "session=from-env")
	t.Setenv(EnvExplorerToken, "env-token")
	t.Setenv(EnvStoragePath, "/var/lib/linescout.db")

	cfg, err := Parse([]byte(`
course:
  cookie: session=from-file
explorer:
  token: file-token
`))
	require.NoError(t, err)
	assert.Equal(t, "session=from-env", cfg.Course.Cookie)
	assert.Equal(t, "env-token", cfg.Explorer.Token)
	assert.Equal(t, "/var/lib/linescout.db", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"bad driver", "storage:\n  driver: postgres\n"},
		{"negative batch", "coordinator:\n  batch_size: -1\n"},
		{"negative cooldown", "coordinator:\n  cooldown: -1s\n"},
		{"negative unit delay", "course:\n  unit_delay: -5ms\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("log: [unterminated"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linescout.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator:\n  batch_size: 3\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Coordinator.BatchSize)
	assert.Equal(t, 3, cfg.Coordinator.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: warn\n  format: json\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":1`)
}
