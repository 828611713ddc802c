package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/leapstack-labs/tmutil/internal/adapter"
	"github.com/leapstack-labs/tmutil/internal/cli/config"
	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/state"
)

// Check statuses.
const (
	StatusPass  = "pass"
	StatusWarn  = "warn"
	StatusError = "error"
)

// HealthCheck represents a single check result.
type HealthCheck struct {
	Group   string   `json:"group"`
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Details []string `json:"details,omitempty"`
}

// DoctorOutput is the JSON output for the doctor command.
type DoctorOutput struct {
	ConfigFile string        `json:"config_file"`
	Checks     []HealthCheck `json:"checks"`
	Errors     int           `json:"errors"`
	Warnings   int           `json:"warnings"`
}

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the project configuration and environment",
		Long: `Check that tmutil can run in this project.

The doctor command verifies:
- Environment: config file, state database, DuckDB, Census API key
- Inputs: files referenced by the taz, summary and validate sections
- Settings: each section passes validation

Exits non-zero when any check reports an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, err := NewCommandContextWithoutStore(cmd)
			if err != nil {
				return err
			}
			out := diagnose(cmd.Context(), cmdCtx.Cfg)

			r := cmdCtx.Renderer
			switch r.EffectiveMode() {
			case output.ModeJSON:
				if err := r.JSON(out); err != nil {
					return err
				}
			case output.ModeMarkdown:
				renderDoctorMarkdown(r, out)
			default:
				renderDoctorText(r, out)
			}
			if out.Errors > 0 {
				return fmt.Errorf("%d checks failed", out.Errors)
			}
			return nil
		},
	}
}

func diagnose(ctx context.Context, cfg *config.Config) *DoctorOutput {
	out := &DoctorOutput{ConfigFile: cfg.ConfigFile}
	add := func(group, name string, err error, warnOnly bool, details ...string) {
		status := StatusPass
		if err != nil {
			status = StatusError
			if warnOnly {
				status = StatusWarn
			}
			details = append(details, splitErrors(err)...)
		}
		out.Checks = append(out.Checks, HealthCheck{Group: group, Name: name, Status: status, Details: details})
	}

	// environment
	var cfgErr error
	if cfg.ConfigFile == "" {
		cfgErr = errors.New("no tmutil.yaml found; run 'tmutil init'")
	}
	add("environment", "Config file", cfgErr, true, cfg.ConfigFile)
	add("environment", "State database", checkState(ctx, cfg.StatePath), false, cfg.StatePath)
	add("environment", "DuckDB", checkDuckDB(ctx), false)
	var keyErr error
	if cfg.Census.APIKey == "" || strings.HasPrefix(cfg.Census.APIKey, "${") {
		keyErr = errors.New("census.api_key is not set; requests are rate limited")
	}
	add("environment", "Census API key", keyErr, true)

	// taz
	if cfg.TAZ.ACSYear != 0 || len(cfg.TAZ.Counties) > 0 {
		add("taz", "Settings", cfg.ValidateTAZ(), false)
		add("taz", "Input files", checkFiles(map[string]string{
			"taz.crosswalk":  cfg.TAZ.CrosswalkPath,
			"taz.controls":   cfg.TAZ.ControlsPath,
			"taz.attributes": cfg.TAZ.AttributesPath,
		}), false)
	}

	// summary
	if len(cfg.Summary.Summaries) > 0 {
		add("summary", "Definitions", cfg.ValidateSummary(), false)
		var dirErr error
		if info, err := os.Stat(cfg.Summary.ModelDir); err != nil {
			dirErr = fmt.Errorf("summary.model_dir: %w", err)
		} else if !info.IsDir() {
			dirErr = fmt.Errorf("summary.model_dir %s is not a directory", cfg.Summary.ModelDir)
		}
		add("summary", "Model directory", dirErr, true, cfg.Summary.ModelDir)
	}

	// validate
	if len(cfg.Compare.Comparisons) > 0 {
		add("validate", "Comparisons", cfg.ValidateComparisons(), false)
		files := make(map[string]string)
		for _, c := range cfg.Compare.Comparisons {
			files[c.Name+".observed"] = c.Observed
		}
		add("validate", "Observed files", checkFiles(files), false)
	}

	for _, c := range out.Checks {
		switch c.Status {
		case StatusError:
			out.Errors++
		case StatusWarn:
			out.Warnings++
		}
	}
	return out
}

func checkState(ctx context.Context, path string) error {
	store := state.NewSQLiteStore(nil)
	if err := store.Open(path); err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	_, err := store.ListRuns(ctx, "", 1)
	return err
}

func checkDuckDB(ctx context.Context) error {
	db := adapter.NewDuckDBAdapter()
	if err := db.Connect(ctx, adapter.Config{}); err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	rows, err := db.Query(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	return rows.Close()
}

// checkFiles reports configured paths that do not exist. Empty paths are
// optional settings and are skipped.
func checkFiles(files map[string]string) error {
	var missing []string
	for key, p := range files {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, fmt.Sprintf("%s: %s not found", key, filepath.Base(p)))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return errors.New(strings.Join(missing, "\n"))
}

func splitErrors(err error) []string {
	return strings.Split(err.Error(), "\n")
}

func renderDoctorText(r *output.Renderer, out *DoctorOutput) {
	styles := r.Styles()
	titleCaser := cases.Title(language.English)

	r.Println(styles.Header.Render("tmutil doctor"))
	r.Println(styles.Muted.Render(strings.Repeat("=", 40)))

	currentGroup := ""
	for _, check := range out.Checks {
		if check.Group != currentGroup {
			currentGroup = check.Group
			r.Println("")
			r.Println(styles.Key.Render(titleCaser.String(currentGroup)))
		}
		icon := styles.Success.Render("✓")
		switch check.Status {
		case StatusWarn:
			icon = styles.Warning.Render("!")
		case StatusError:
			icon = styles.Error.Render("✗")
		}
		r.Println("  " + icon + " " + check.Name)
		for _, d := range check.Details {
			if d != "" {
				r.Println(styles.Muted.Render("      " + d))
			}
		}
	}
	r.Println("")
	r.Printf("%d errors, %d warnings\n", out.Errors, out.Warnings)
}

func renderDoctorMarkdown(r *output.Renderer, out *DoctorOutput) {
	titleCaser := cases.Title(language.English)

	r.Header(1, "tmutil doctor")
	currentGroup := ""
	for _, check := range out.Checks {
		if check.Group != currentGroup {
			currentGroup = check.Group
			r.Println("")
			r.Header(2, titleCaser.String(currentGroup))
		}
		r.Printf("- **[%s]** %s\n", strings.ToUpper(check.Status), check.Name)
		for _, d := range check.Details {
			if d != "" {
				r.Printf("  - %s\n", d)
			}
		}
	}
	r.Println("")
	r.Printf("**%d errors, %d warnings**\n", out.Errors, out.Warnings)
}
