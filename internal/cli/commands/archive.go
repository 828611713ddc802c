package commands

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/archive"
	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/state"
)

// ArchiveOptions holds options for archive create.
type ArchiveOptions struct {
	Name    string
	Dest    string
	Include []string
	Exclude []string
	Level   string
}

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive model run directories",
		Long: `Pack model run directories into zstd-compressed tarballs.

Each archive starts with a manifest.yaml listing every file with its size
and SHA-256 checksum. Archives are recorded in the state database and are
never overwritten.`,
	}
	cmd.AddCommand(newArchiveCreateCommand(), newArchiveListCommand(), newArchiveVerifyCommand())
	return cmd
}

func newArchiveCreateCommand() *cobra.Command {
	opts := &ArchiveOptions{}
	cmd := &cobra.Command{
		Use:   "create <run-dir>",
		Short: "Create an archive of a model run directory",
		Example: `  # Archive a run next to the configured archive destination
  tmutil archive create /models/2015_TM152_IPA_17

  # Keep only outputs and skip logs
  tmutil archive create ./2015_base --include 'main/**' --include 'INPUT/**' --exclude '*.log'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveCreate(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Name, "name", "n", "", "Archive name (default: run directory name)")
	cmd.Flags().StringVar(&opts.Dest, "dest", "", "Destination directory (default: archive.dest)")
	cmd.Flags().StringSliceVar(&opts.Include, "include", nil, "Glob of files to include (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "Glob of files to exclude (repeatable)")
	cmd.Flags().StringVar(&opts.Level, "level", "", "Compression level: fastest, default, better, best")
	return cmd
}

func runArchiveCreate(cmd *cobra.Command, runDir string, opts *ArchiveOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := cmdCtx.Cfg.Archive
	create := archive.Options{
		RunDir:  runDir,
		Dest:    firstNonEmpty(opts.Dest, cfg.Dest),
		Name:    opts.Name,
		Include: cfg.Include,
		Exclude: cfg.Exclude,
		Level:   firstNonEmpty(opts.Level, cfg.Level),
	}
	if len(opts.Include) > 0 {
		create.Include = opts.Include
	}
	if len(opts.Exclude) > 0 {
		create.Exclude = opts.Exclude
	}

	ctx := cmd.Context()
	var rec *state.Archive
	err = cmdCtx.recordRun(ctx, state.KindArchive, firstNonEmpty(opts.Name, runDir), func() error {
		var err error
		rec, err = archive.New(cmdCtx.Store, cmdCtx.Logger).Create(ctx, create)
		return err
	})
	if err != nil {
		return err
	}

	r := cmdCtx.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(rec)
	}
	r.Success("Archived " + rec.SourceDir)
	r.KeyValue("Path", rec.Path)
	r.KeyValue("Files", r.Int(int64(rec.Files)))
	r.KeyValue("Size", output.Bytes(rec.Bytes))
	r.KeyValue("SHA-256", rec.SHA256)
	return nil
}

func newArchiveListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			archives, err := archive.New(cmdCtx.Store, cmdCtx.Logger).List(cmd.Context())
			if err != nil {
				return err
			}
			r := cmdCtx.Renderer
			if r.EffectiveMode() == output.ModeJSON {
				if archives == nil {
					archives = []*state.Archive{}
				}
				return r.JSON(archives)
			}

			rows := make([][]string, len(archives))
			for i, a := range archives {
				rows[i] = []string{a.Name, strconv.Itoa(a.Files), output.Bytes(a.Bytes), a.CreatedAt.Local().Format(time.DateTime), a.Path}
			}
			r.Header(1, "Archives ("+strconv.Itoa(len(archives))+")")
			r.Table([]string{"Name", "Files", "Size", "Created", "Path"}, rows)
			return nil
		},
	}
}

func newArchiveVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check an archive against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, err := NewCommandContextWithoutStore(cmd)
			if err != nil {
				return err
			}
			m, err := archive.Verify(args[0])
			if err != nil {
				return err
			}
			r := cmdCtx.Renderer
			if r.EffectiveMode() == output.ModeJSON {
				return r.JSON(m)
			}
			r.Success("Verified " + m.Name)
			r.KeyValue("Files", r.Int(int64(len(m.Files))))
			r.KeyValue("Size", output.Bytes(m.Bytes))
			return nil
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
