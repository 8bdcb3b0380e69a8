package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/config"
	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/output"
	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/internal/pipeline"
	"github.com/megannissel/invest-routedem-tfa-range/internal/state"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
}

// NewCommandContext collects the config, logger and renderer stored in the
// command context by the root command. Commands run without the root
// (in tests) load configuration from their own flags.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	ctx := cmd.Context()
	cfg := config.FromContext(ctx)
	if cfg == nil {
		var err error
		cfg, err = config.LoadConfig("", cmd.Flags())
		if err != nil {
			return nil, err
		}
	}
	r := output.FromContext(ctx)
	if r == nil {
		r = output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat))
	}
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(ctx),
		Renderer: r,
	}, nil
}

// Pipeline builds a pipeline from the configuration.
func (c *CommandContext) Pipeline(onDone func(engine.Result)) *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		Workers:    c.Cfg.EngineWorkers(),
		Cache:      engine.CachePolicy(c.Cfg.CachePolicy),
		StatePath:  c.Cfg.StatePath,
		Logger:     c.Logger,
		OnTaskDone: onDone,
	})
}

// Registry returns the file registry of the configured workspace.
func (c *CommandContext) Registry() pipeline.Registry {
	return pipeline.NewRegistry(c.Cfg.WorkspaceDir, c.Cfg.ResultsSuffix)
}

// StatePath returns the state database of the configured workspace.
func (c *CommandContext) StatePath() string {
	if c.Cfg.StatePath != "" {
		return c.Cfg.StatePath
	}
	return c.Registry().StatePath()
}

// OpenStore opens the workspace state database.
func (c *CommandContext) OpenStore() (*state.SQLiteStore, error) {
	store := state.NewSQLiteStore(c.Logger)
	if err := store.Open(c.StatePath()); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return store, nil
}
