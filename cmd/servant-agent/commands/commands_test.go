package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servantops/servant-agent/pkg/config"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand("test", "abc123", "today")
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestRegistryHasBuiltins(t *testing.T) {
	r, err := newRegistry()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"haproxy", "monitoring", "nginx", "security"}, r.UnitNames())
	assert.ElementsMatch(t, []string{"audit", "policy"}, r.MiddlewareNames())
}

func TestInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "agent.yaml")

	require.NoError(t, execute(t, "init", "--output", path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Sample, string(content))

	assert.Error(t, execute(t, "init", "--output", path), "existing file needs --force")
	assert.NoError(t, execute(t, "init", "--output", path, "--force"))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "access.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("secret"), 0600))

	valid := `url: ws://controller.example:8010
middlewares:
  - audit
units:
  - name: security
    settings:
      keyFilePath: ` + keyFile + `
  - name: monitoring
  - name: nginx
`

	tests := []struct {
		name    string
		content string
		args    []string
		wantErr bool
	}{
		{name: "valid", content: valid},
		{name: "bad scheme", content: "url: http://controller:8010\n", wantErr: true},
		{name: "unknown unit", content: "units:\n  - name: apache\n", wantErr: true},
		{name: "unknown unit skipped", content: "units:\n  - name: apache\n", args: []string{"--skip-units"}},
		{name: "duplicate unit", content: "units:\n  - name: nginx\n  - name: NGINX\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agent.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			err := execute(t, append([]string{"validate", "-c", path}, tt.args...)...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { configPath = DefaultConfigPath })

	cfg, err := loadConfig(false)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultURL, cfg.URL)

	_, err = loadConfig(true)
	assert.Error(t, err)
}
