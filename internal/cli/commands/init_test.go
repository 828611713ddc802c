package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tmutil/internal/cli/config"
)

func TestNewInitCommand(t *testing.T) {
	tests := []struct {
		name      string
		setupDir  func(t *testing.T, dir string)
		args      []string
		wantErr   bool
		wantFiles []string
		wantKept  string
	}{
		{
			name:      "init empty directory",
			wantFiles: []string{"tmutil.yaml", ".gitignore", "inputs/county_controls.csv", "inputs/observed_trips_by_mode.csv"},
		},
		{
			name: "init existing config without force",
			setupDir: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "tmutil.yaml"), []byte("existing"), 0o600))
			},
			wantErr: true,
		},
		{
			name: "init existing config with force",
			setupDir: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "tmutil.yaml"), []byte("existing"), 0o600))
			},
			args:      []string{"--force"},
			wantFiles: []string{"tmutil.yaml", "inputs/county_controls.csv"},
		},
		{
			name: "keeps other existing files without force",
			setupDir: func(t *testing.T, dir string) {
				require.NoError(t, os.MkdirAll(filepath.Join(dir, "inputs"), 0o750))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "inputs", "county_controls.csv"), []byte("mine"), 0o600))
			},
			wantFiles: []string{"tmutil.yaml"},
			wantKept:  "inputs/county_controls.csv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.setupDir != nil {
				tt.setupDir(t, dir)
			}

			cmd := NewInitCommand()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)
			cmd.SetArgs(append([]string{dir}, tt.args...))

			err := cmd.Execute()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "already exists")
				return
			}
			require.NoError(t, err)

			for _, f := range tt.wantFiles {
				assert.FileExists(t, filepath.Join(dir, f))
			}
			if tt.wantKept != "" {
				data, err := os.ReadFile(filepath.Join(dir, tt.wantKept))
				require.NoError(t, err)
				assert.Equal(t, "mine", string(data))
				assert.Contains(t, buf.String(), "skipped")
			}
		})
	}
}

func TestInitTemplateIsValidConfig(t *testing.T) {
	dir := t.TempDir()
	_, _, err := copyTemplate("project", dir, false)
	require.NoError(t, err)

	t.Setenv("CENSUS_API_KEY", "abc123")
	cfg, err := config.Load(filepath.Join(dir, "tmutil.yaml"), nil)
	require.NoError(t, err)

	assert.NoError(t, cfg.Validate())
	assert.NoError(t, cfg.ValidateSummary())
	assert.NoError(t, cfg.ValidateComparisons())
	assert.NoError(t, cfg.ValidateTAZ())
	assert.Equal(t, "abc123", cfg.Census.APIKey)
	assert.Equal(t, filepath.Join(dir, "inputs", "block_taz.csv"), cfg.TAZ.CrosswalkPath)
	assert.Len(t, cfg.Summary.Summaries, 2)
	assert.InDelta(t, 0.5, cfg.Summary.Summaries[0].SampleRate, 1e-9)
}

func TestRenameSpecialFiles(t *testing.T) {
	assert.Equal(t, ".gitignore", renameSpecialFiles("gitignore"))
	assert.Equal(t, "inputs/.gitignore", renameSpecialFiles("inputs/gitignore"))
	assert.Equal(t, "tmutil.yaml", renameSpecialFiles("tmutil.yaml"))
}
