package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/cli/config"
	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/state"
)

// CommandContext holds common dependencies for command execution.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Store    *state.SQLiteStore
	Renderer *output.Renderer
}

// NewCommandContext creates a CommandContext with an open state store.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cmdCtx, err := NewCommandContextWithoutStore(cmd)
	if err != nil {
		return nil, nil, err
	}

	store := state.NewSQLiteStore(cmdCtx.Logger)
	if err := store.Open(cmdCtx.Cfg.StatePath); err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}
	cmdCtx.Store = store

	cleanup := func() {
		_ = store.Close()
	}
	return cmdCtx, cleanup, nil
}

// NewCommandContextWithoutStore creates a CommandContext without a state store.
// Useful for commands that don't record anything.
func NewCommandContextWithoutStore(cmd *cobra.Command) (*CommandContext, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	mode, err := output.ParseMode(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(ctx),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode),
	}, nil
}

// recordRun wraps fn in a run record of the given kind.
func (c *CommandContext) recordRun(ctx context.Context, kind, name string, fn func() error) (err error) {
	run, err := c.Store.CreateRun(ctx, kind, name)
	if err != nil {
		return err
	}
	defer func() {
		status, msg := state.RunStatusCompleted, ""
		if err != nil {
			status, msg = state.RunStatusFailed, err.Error()
		}
		if cerr := c.Store.CompleteRun(context.WithoutCancel(ctx), run.ID, status, msg); cerr != nil {
			c.Logger.Warn("failed to record run", slog.String("id", run.ID), slog.String("error", cerr.Error()))
		}
	}()
	return fn()
}

// filterByName keeps the items whose name is in names. An empty names
// list keeps everything.
func filterByName[T any](items []T, names []string, name func(T) string) ([]T, error) {
	if len(names) == 0 {
		return items, nil
	}
	byName := make(map[string]T, len(items))
	for _, it := range items {
		byName[name(it)] = it
	}
	out := make([]T, 0, len(names))
	for _, n := range names {
		it, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown name %q", n)
		}
		out = append(out, it)
	}
	return out, nil
}
