package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYAML(t *testing.T) {
	content := `
url: wss://controller.example:8443/agent
autoReconnect: true
reconnectInterval: 5
middlewares:
  - audit
  - name: policy
    settings:
      paths: [/etc/servant/policies]
units:
  - name: nginx
    depends:
      middlewares: [policy]
    settings:
      reloadCmd: systemctl reload nginx
  - name: haproxy
    enabled: false
`
	cfg, err := Parse("agent.yaml", []byte(content))
	require.NoError(t, err)

	assert.Equal(t, "wss://controller.example:8443/agent", cfg.URL)
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay())
	assert.Equal(t, []string{"audit", "policy"}, cfg.MiddlewareNames())
	assert.Equal(t, []interface{}{"/etc/servant/policies"}, cfg.Middlewares[1].Settings["paths"])

	require.Len(t, cfg.Units, 2)
	assert.True(t, cfg.Units[0].IsEnabled())
	assert.False(t, cfg.Units[1].IsEnabled())
	assert.Equal(t, []string{"policy"}, cfg.Units[0].Depends.Middlewares)

	var settings struct {
		ReloadCmd string `mapstructure:"reloadCmd"`
	}
	require.NoError(t, cfg.Units[0].DecodeSettings(&settings))
	assert.Equal(t, "systemctl reload nginx", settings.ReloadCmd)

	assert.Equal(t, "info", cfg.Telemetry.Logging.Level)
}

func TestParseJSON(t *testing.T) {
	content := `{"url":"ws://10.0.0.1:8010","middlewares":["audit",{"name":"policy"}],"units":[{"name":"security","settings":{"accessKey":"k"}}]}`
	cfg, err := Parse("agent.json", []byte(content))
	require.NoError(t, err)

	assert.Equal(t, []string{"audit", "policy"}, cfg.MiddlewareNames())
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, 10*time.Second, cfg.ReconnectDelay())
}

func TestReconnectDelayZeroUsesDefault(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    time.Duration
	}{
		{name: "zero", content: "reconnectInterval: 0\n", want: 10 * time.Second},
		{name: "unset", content: "url: ws://controller:8010\n", want: 10 * time.Second},
		{name: "explicit", content: "reconnectInterval: 3\n", want: 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse("agent.yaml", []byte(tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.ReconnectDelay())
		})
	}
}

func TestParseCUE(t *testing.T) {
	content := `
url: "ws://10.0.0.2:8010"
reconnectInterval: 2 * 3
middlewares: ["audit"]
units: [
	{name: "monitoring"},
	{name: "nginx", settings: testCmd: "nginx -t"},
]
`
	cfg, err := Parse("agent.cue", []byte(content))
	require.NoError(t, err)

	assert.Equal(t, 6*time.Second, cfg.ReconnectDelay())
	require.Len(t, cfg.Units, 2)
	assert.Equal(t, "nginx -t", cfg.Units[1].Settings["testCmd"])
}

func TestParseCUEErrors(t *testing.T) {
	_, err := Parse("agent.cue", []byte(`url: string`))
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr), "got %v", err)
	assert.NotEmpty(t, loadErr.Errors)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "http scheme", file: "a.yaml", content: "url: http://controller:80\n"},
		{name: "not a url", file: "a.yaml", content: "url: controller\n"},
		{name: "negative interval", file: "a.yaml", content: "reconnectInterval: -1\n"},
		{name: "unit without name", file: "a.yaml", content: "units:\n  - settings: {}\n"},
		{name: "duplicate unit", file: "a.yaml", content: "units:\n  - name: nginx\n  - name: NGINX\n"},
		{name: "bad strategy", file: "a.yaml", content: "reconnect:\n  strategy: random\n"},
		{name: "unknown key", file: "a.yaml", content: "ur1: ws://x\n"},
		{name: "unknown format", file: "a.toml", content: "url = 'ws://x'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.file, []byte(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvURL, "ws://override:1")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Parse("agent.yaml", []byte("url: ws://file:1\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws://override:1", cfg.URL)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
}

func TestWriteSampleLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servant", "agent.yaml")
	require.NoError(t, WriteSample(path, false))
	assert.Error(t, WriteSample(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, cfg.URL)
	assert.Equal(t, []string{"audit"}, cfg.MiddlewareNames())
	assert.Len(t, cfg.Units, 4)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
