package scaffold

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/opsconsole/console/internal/config"
	"github.com/opsconsole/console/internal/printer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		force     bool
		setupFunc func(dir string)
		wantAPI   string
		wantTap   bool
		wantErr   bool
	}{
		{
			name:    "fresh initialization uses the default backend",
			wantAPI: config.DefaultAPIURL,
		},
		{
			name:    "custom backend and tap",
			opts:    Options{APIURL: "https://crm.example.com/api/v1", RedisURL: "redis://localhost:6379/0"},
			wantAPI: "https://crm.example.com/api/v1",
			wantTap: true,
		},
		{
			name:  "force replaces an existing profile",
			force: true,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, config.DefaultFile), []byte("old content"), 0644)
			},
			wantAPI: config.DefaultAPIURL,
		},
		{
			name:    "invalid backend url is rejected",
			opts:    Options{APIURL: "ftp://crm.example.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.setupFunc != nil {
				tt.setupFunc(dir)
			}

			path, err := Initialize(dir, tt.opts, tt.force)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "generated profile is invalid")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, config.DefaultFile), path)

			content, err := os.ReadFile(path)
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, yaml.Unmarshal(content, &raw), "profile must be valid YAML")

			cfg, err := config.Load(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAPI, cfg.APIURL)
			assert.Equal(t, tt.wantTap, cfg.TapEnabled())
			assert.Nil(t, cfg.BoardID())
		})
	}
}

func TestCheckExisting(t *testing.T) {
	t.Run("empty directory", func(t *testing.T) {
		assert.NoError(t, CheckExisting(t.TempDir()))
	})

	t.Run("existing profile", func(t *testing.T) {
		dir := t.TempDir()
		_, err := Initialize(dir, Options{}, false)
		require.NoError(t, err)

		err = CheckExisting(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "profile already initialized")
		assert.Contains(t, err.Error(), "console init --force")
	})
}

func TestPrintSuccess(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	PrintSuccess(printer.New(&out, &out), "/work/console.yml")

	assert.Contains(t, out.String(), "✓ Created /work/console.yml")
	assert.Contains(t, out.String(), "console login --username <email>")
}
