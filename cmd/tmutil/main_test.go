// Package main provides tests for the tmutil CLI.
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tmutil/internal/cli"
	"github.com/leapstack-labs/tmutil/internal/cli/testutil"
)

// execute runs the root command and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := cli.NewRootCmd()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tmutil v"+cli.Version)
}

func TestHelpCommand(t *testing.T) {
	out, _, err := execute(t, "--help")
	require.NoError(t, err)
	for _, want := range []string{"init", "doctor", "taz", "summarize", "validate", "archive", "geo", "runs", "completion"} {
		assert.Contains(t, out, want)
	}
}

func TestCompletionCommand(t *testing.T) {
	out, _, err := execute(t, "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, out, "tmutil")

	_, _, err = execute(t, "completion", "tcsh")
	assert.Error(t, err)
}

func TestInitThenDoctor(t *testing.T) {
	t.Setenv("CENSUS_API_KEY", "abc123")
	dir := t.TempDir()

	_, _, err := execute(t, "init", dir, "-o", "markdown")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "tmutil.yaml"))

	// the template points at inputs that init does not create
	out, _, err := execute(t, "doctor", "--config", filepath.Join(dir, "tmutil.yaml"), "-o", "json")
	require.Error(t, err)
	var report struct {
		Errors int `json:"errors"`
		Checks []struct {
			Group  string `json:"group"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Positive(t, report.Errors)
	for _, c := range report.Checks {
		if c.Group == "environment" {
			assert.Equal(t, "pass", c.Status, c.Name)
		}
	}
}

func TestInvalidOutputFormat(t *testing.T) {
	p := testutil.SetupTestProject(t)
	_, _, err := execute(t, "runs", "--config", p.ConfigFile, "-o", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestArchiveWorkflow(t *testing.T) {
	p := testutil.SetupTestProject(t)

	out, _, err := execute(t, "archive", "create", p.RunDir, "--config", p.ConfigFile, "-o", "json")
	require.NoError(t, err)
	var created struct {
		Name   string `json:"name"`
		Path   string `json:"path"`
		Files  int    `json:"files"`
		SHA256 string `json:"sha256"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "2015_base", created.Name)
	assert.Equal(t, filepath.Join(p.Root, "archives", "2015_base.tar.zst"), created.Path)
	assert.Equal(t, 2, created.Files, "logs are excluded by the config")
	assert.Len(t, created.SHA256, 64)
	assert.FileExists(t, p.StatePath)

	out, _, err = execute(t, "archive", "list", "--config", p.ConfigFile, "-o", "json")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "2015_base", listed[0]["name"])

	out, _, err = execute(t, "archive", "verify", created.Path, "--config", p.ConfigFile, "-o", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 2015_base")
	testutil.AssertNoANSI(t, out)

	_, _, err = execute(t, "archive", "create", p.RunDir, "--config", p.ConfigFile)
	require.Error(t, err, "an existing archive is never overwritten")
	assert.Contains(t, err.Error(), "already exists")

	out, _, err = execute(t, "runs", "--kind", "archive", "--config", p.ConfigFile, "-o", "json")
	require.NoError(t, err)
	var runs []struct {
		Kind   string `json:"kind"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 2)
	statuses := []string{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []string{"completed", "failed"}, statuses)
	for _, r := range runs {
		assert.Equal(t, "archive", r.Kind)
	}
}

func TestArchiveList_Markdown(t *testing.T) {
	p := testutil.SetupTestProject(t)

	out, _, err := execute(t, "archive", "list", "--config", p.ConfigFile, "-o", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "# Archives (0)")
	testutil.AssertValidMarkdown(t, out)
}

func TestStateFlagOverridesConfig(t *testing.T) {
	p := testutil.SetupTestProject(t)
	statePath := filepath.Join(t.TempDir(), "other.db")

	_, _, err := execute(t, "runs", "--config", p.ConfigFile, "--state", statePath, "-o", "json")
	require.NoError(t, err)
	assert.FileExists(t, statePath)
	assert.NoFileExists(t, p.StatePath)
}

func TestValidateCommand(t *testing.T) {
	p := testutil.SetupTestProject(t)

	out, _, err := execute(t, "validate", "--config", p.ConfigFile, "-o", "json")
	require.Error(t, err, "transit exceeds its threshold")
	assert.Contains(t, err.Error(), "transit")
	assert.NotContains(t, err.Error(), "screenlines")

	var reports []struct {
		Name    string   `json:"name"`
		Path    string   `json:"path"`
		Count   int      `json:"count"`
		PctRMSE *float64 `json:"pct_rmse"`
		Passed  bool     `json:"passed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, "screenlines", reports[0].Name)
	assert.True(t, reports[0].Passed)
	assert.Equal(t, 3, reports[0].Count)
	assert.Equal(t, "transit", reports[1].Name)
	assert.False(t, reports[1].Passed)
	require.NotNil(t, reports[1].PctRMSE)
	assert.Greater(t, *reports[1].PctRMSE, 5.0)
	assert.FileExists(t, filepath.Join(p.Root, "validation", "screenlines.csv"))

	_, _, err = execute(t, "validate", "--config", p.ConfigFile, "--only", "screenlines", "-o", "json")
	assert.NoError(t, err)

	_, _, err = execute(t, "validate", "--config", p.ConfigFile, "--only", "ferry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown name "ferry"`)
}

const zonesGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"TAZ":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
{"type":"Feature","properties":{"TAZ":2},"geometry":{"type":"Polygon","coordinates":[[[1,0],[2,0],[2,1],[1,1],[1,0]]]}}
]}`

func TestGeoCommands(t *testing.T) {
	p := testutil.SetupTestProject(t)
	dir := t.TempDir()
	zones := filepath.Join(dir, "zones.geojson")
	blocks := filepath.Join(dir, "blocks.csv")
	require.NoError(t, os.WriteFile(zones, []byte(zonesGeoJSON), 0o600))
	require.NoError(t, os.WriteFile(blocks, []byte(
		"GEOID20,INTPTLAT20,INTPTLON20\n"+
			"060014001001000,+0.5,+0.5\n"+
			"060014001001001,+0.5,+1.5\n"+
			"060014001001002,+5.0,+5.0\n"), 0o600))

	xwPath := filepath.Join(dir, "out", "block_taz.csv")
	out, _, err := execute(t, "geo", "crosswalk", "--config", p.ConfigFile, "-o", "json",
		"--zones", zones, "--blocks", blocks, "--out", xwPath)
	require.NoError(t, err)
	var res struct {
		Blocks    int      `json:"blocks"`
		Unmatched []string `json:"unmatched"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Blocks)
	assert.Equal(t, []string{"060014001001002"}, res.Unmatched)

	data, err := os.ReadFile(xwPath)
	require.NoError(t, err)
	assert.Equal(t, "GEOID,TAZ,share\n060014001001000,1,1\n060014001001001,2,1\n", string(data))

	tazData := filepath.Join(dir, "taz_data.csv")
	require.NoError(t, os.WriteFile(tazData, []byte("TAZ,TOTHH,TOTEMP\n1,100,40\n2,50,60\n"), 0o600))
	geoPath := filepath.Join(dir, "taz.geojson")
	_, _, err = execute(t, "geo", "export", "--config", p.ConfigFile,
		"--zones", zones, "--taz-data", tazData, "--columns", "TOTHH", "--out", geoPath)
	require.NoError(t, err)

	var fc struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	data, err = os.ReadFile(geoPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &fc))
	require.Len(t, fc.Features, 2)
	assert.InDelta(t, 100, fc.Features[0].Properties["TOTHH"], 1e-9)
	assert.NotContains(t, fc.Features[0].Properties, "TOTEMP")
}
