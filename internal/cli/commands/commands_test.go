package commands

import (
	"math"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/cli/testutil"
)

func subcommandNames(cmd *cobra.Command) []string {
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	return names
}

func TestNewArchiveCommand(t *testing.T) {
	cmd := NewArchiveCommand()

	assert.Equal(t, "archive", cmd.Use)
	assert.NotEmpty(t, cmd.Long)
	assert.ElementsMatch(t, []string{"create", "list", "verify"}, subcommandNames(cmd))

	create, _, err := cmd.Find([]string{"create"})
	require.NoError(t, err)
	for _, flag := range []string{"name", "dest", "include", "exclude", "level"} {
		assert.NotNil(t, create.Flags().Lookup(flag), "flag %q should exist", flag)
	}
	assert.Equal(t, "n", create.Flags().Lookup("name").Shorthand)
	assert.Error(t, create.Args(create, nil), "create requires a run directory")
}

func TestNewSummarizeCommand(t *testing.T) {
	cmd := NewSummarizeCommand()

	assert.Equal(t, "summarize", cmd.Use)
	assert.NotEmpty(t, cmd.Example)
	for _, flag := range []string{"model-dir", "output-dir", "only"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestNewValidateCommand(t *testing.T) {
	cmd := NewValidateCommand()

	assert.Equal(t, "validate", cmd.Use)
	assert.Contains(t, cmd.Long, "max_pct_rmse")
	for _, flag := range []string{"output-dir", "only"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestNewTAZCommand(t *testing.T) {
	cmd := NewTAZCommand()

	assert.Equal(t, "taz", cmd.Use)
	assert.ElementsMatch(t, []string{"fetch", "build"}, subcommandNames(cmd))
	for _, flag := range []string{"year", "counties", "refresh"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "persistent flag %q should exist", flag)
	}

	build, _, err := cmd.Find([]string{"build"})
	require.NoError(t, err)
	assert.NotNil(t, build.Flags().Lookup("output-dir"))
}

func TestNewGeoCommand(t *testing.T) {
	cmd := NewGeoCommand()

	assert.Equal(t, "geo", cmd.Use)
	assert.ElementsMatch(t, []string{"crosswalk", "export"}, subcommandNames(cmd))

	tests := []struct {
		sub      string
		required []string
	}{
		{sub: "crosswalk", required: []string{"zones", "out", "blocks"}},
		{sub: "export", required: []string{"zones", "out"}},
	}
	for _, tt := range tests {
		t.Run(tt.sub, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{tt.sub})
			require.NoError(t, err)
			for _, name := range tt.required {
				f := sub.Flags().Lookup(name)
				require.NotNil(t, f, "flag %q should exist", name)
				assert.Equal(t, []string{"true"}, f.Annotations[cobra.BashCompOneRequiredFlag], "flag %q should be required", name)
			}
			assert.Equal(t, "TAZ", sub.Flags().Lookup("taz-prop").DefValue)
		})
	}
}

func TestNewRunsCommand(t *testing.T) {
	cmd := NewRunsCommand()

	assert.Equal(t, "runs", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("kind"))
	assert.Equal(t, "20", cmd.Flags().Lookup("limit").DefValue)
}

func TestFilterByName(t *testing.T) {
	items := []string{"trips", "vmt", "transit"}
	id := func(s string) string { return s }

	tests := []struct {
		name    string
		names   []string
		want    []string
		wantErr string
	}{
		{name: "no filter keeps all", want: items},
		{name: "keeps requested order", names: []string{"transit", "trips"}, want: []string{"transit", "trips"}},
		{name: "unknown name", names: []string{"vmt", "bike"}, wantErr: `unknown name "bike"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := filterByName(items, tt.names, id)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Empty(t, firstNonEmpty("", ""))
	assert.Empty(t, firstNonEmpty())
}

func TestFormatMetric(t *testing.T) {
	tr := testutil.NewTestRenderer(output.ModeMarkdown, false)

	assert.Equal(t, "n/a", formatMetric(tr.Renderer, finite(math.NaN()), 2))
	assert.Equal(t, "n/a", formatMetric(tr.Renderer, finite(math.Inf(1)), 2))
	assert.Equal(t, "12.50", formatMetric(tr.Renderer, finite(12.5), 2))
	assert.Equal(t, "1,234.5", formatMetric(tr.Renderer, finite(1234.5), 1))
}
