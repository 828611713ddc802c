package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/cli/output"
)

const projectConfigFile = "tmutil.yaml"

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Create a tmutil.yaml project",
		Long: `Initialize a tmutil project with a commented configuration file.

This creates:
  - tmutil.yaml with taz, summary, validate and archive sections
  - inputs/ with example county controls and observed counts
  - .gitignore for state, caches and generated outputs`,
		Example: `  # Initialize in current directory
  tmutil init

  # Initialize in a new directory
  tmutil init bayarea-2015

  # Force overwrite existing files
  tmutil init --force`,
		Args: cobra.MaximumNArgs(1),
		// init runs before any config exists.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			mode := output.ModeAuto
			if f := cmd.Flags().Lookup("output"); f != nil && f.Value.String() != "" {
				m, err := output.ParseMode(f.Value.String())
				if err != nil {
					return err
				}
				mode = m
			}
			r := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
			return runInit(r, dir, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	return cmd
}

func runInit(r *output.Renderer, dir string, force bool) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, projectConfigFile)
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.New(projectConfigFile + " already exists. Use --force to overwrite")
	}

	written, skipped, err := copyTemplate("project", dir, force)
	if err != nil {
		return fmt.Errorf("failed to initialize project: %w", err)
	}

	if r.EffectiveMode() == output.ModeJSON {
		if skipped == nil {
			skipped = []string{}
		}
		return r.JSON(map[string]any{"dir": dir, "written": written, "skipped": skipped})
	}
	for _, f := range written {
		r.Success(f)
	}
	for _, f := range skipped {
		r.Warning(f + " exists, skipped")
	}
	r.Println("")
	r.Header(2, "Next steps")
	r.Println("  1. Point taz.crosswalk at a block to TAZ crosswalk (tmutil geo crosswalk builds one)")
	r.Println("  2. Set CENSUS_API_KEY and run 'tmutil taz build'")
	r.Println("  3. Point summary.model_dir at a model run and run 'tmutil summarize'")
	return nil
}
