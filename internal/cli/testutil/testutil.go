// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tmutil/internal/cli/output"
)

// Project is a temporary tmutil project on disk.
type Project struct {
	Root       string
	ConfigFile string
	RunDir     string
	StatePath  string
}

// projectConfig keeps state, archives and validation output inside the
// project. The screenlines comparison passes; the transit one does not.
const projectConfig = `state_path: .tmutil/state.db
work_dir: .tmutil/cache
archive:
  dest: archives
  exclude: ["*.log"]
validate:
  output_dir: validation
  comparisons:
    - name: screenlines
      model: data/model_volumes.csv
      observed: data/counts.csv
      keys: [station]
      model_column: volume
      observed_column: count
      max_pct_rmse: 50
    - name: transit
      model: data/model_boardings.csv
      observed: data/boardings.csv
      keys: [route]
      model_column: boardings
      observed_column: boardings
      max_pct_rmse: 5
`

// SetupTestProject creates a project with a tmutil.yaml, a model run
// directory and observed data for validation.
func SetupTestProject(t *testing.T) *Project {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"tmutil.yaml":                         projectConfig,
		"2015_base/main/tripsEA.csv":          "orig,dest,trips\n1,2,10\n2,1,5\n",
		"2015_base/INPUT/landuse/tazData.csv": "TAZ,TOTHH\n1,100\n2,50\n",
		"2015_base/logs/model.log":            "iteration 1\n",
		"data/model_volumes.csv":              "station,volume\nA,100\nB,200\nC,300\n",
		"data/counts.csv":                     "station,count\nA,110\nB,190\nC,300\n",
		"data/model_boardings.csv":            "route,boardings\n1,500\n2,100\n",
		"data/boardings.csv":                  "route,boardings\n1,300\n2,400\n",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	return &Project{
		Root:       root,
		ConfigFile: filepath.Join(root, "tmutil.yaml"),
		RunDir:     filepath.Join(root, "2015_base"),
		StatePath:  filepath.Join(root, ".tmutil", "state.db"),
	}
}

// TestRenderer wraps a Renderer for testing with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a new test renderer with the specified mode and TTY state.
func NewTestRenderer(mode output.Mode, isTTY bool) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRendererWithTTY(out, errOut, isTTY, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// Output returns the stdout output as a string.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns the stderr output as a string.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	assert.False(t, ansiPattern.MatchString(s), "string contains ANSI escape codes: %q", s)
}

// AssertValidMarkdown checks for unclosed code fences and empty headers.
func AssertValidMarkdown(t *testing.T, md string) {
	t.Helper()

	assert.Zero(t, strings.Count(md, "```")%2, "unbalanced code fences in markdown")
	for i, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			assert.NotEmpty(t, strings.TrimLeft(trimmed, "# "), "empty header at line %d", i+1)
		}
	}
}
