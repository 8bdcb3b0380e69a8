// Package cli provides the command-line interface for routedem-tfa.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/commands"
	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/config"
	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/output"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "routedem-tfa",
		Short: "RouteDEM over a range of threshold flow accumulation values",
		Long: `routedem-tfa fills a DEM, routes flow across it and extracts stream
networks for every threshold flow accumulation (TFA) value in a range.

The shared hydrology is computed once and reused by every TFA value. Each
value then gets its own stream raster and, optionally, Strahler stream order,
subwatersheds and downslope distance. Results are cached in the workspace so
unchanged work is never repeated.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Skip config loading for help and completion commands
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			cfg, err := config.LoadConfig(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}

			ctx := config.WithConfig(cmd.Context(), cfg)
			ctx = config.WithLogger(ctx, newLogger(cmd.ErrOrStderr(), cfg.Verbose))

			renderer := output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.OutputFormat))
			ctx = output.WithRenderer(ctx, renderer)
			cmd.SetContext(ctx)

			if cfg.Verbose {
				if configFile := config.GetConfigFileUsed(); configFile != "" {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Using config file: %s\n", configFile)
				}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
RouteDEM over a threshold flow accumulation range
`)

	// Global persistent flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: routedem.yaml in this or a parent directory)")
	pf.String("workspace", "", "Workspace directory for outputs and the task cache")
	pf.String("suffix", "", "Suffix appended to every output file name")
	pf.String("dem", "", "Path to the DEM raster")
	pf.Int("band", 1, "DEM band index (1-based)")
	pf.String("algorithm", "", "Routing algorithm (d8|mfd)")
	pf.String("tfa-range", "", "Threshold flow accumulation range as start:stop:step")
	pf.Bool("slope", true, "Compute the slope raster")
	pf.Bool("stream-order", false, "Compute Strahler stream order (d8 only)")
	pf.Bool("subwatersheds", false, "Delineate subwatersheds (d8 only)")
	pf.Bool("downslope-distance", false, "Compute the distance to the nearest stream")
	pf.Int("max-trace-pixels", 0, "Cap on each subwatershed's upstream trace (0 = DEM pixel count)")
	pf.Int("workers", 0, "Worker pool size (-1 = one task at a time, 0 = all CPUs)")
	pf.String("cache-policy", "", "Reuse cached results or recompute everything (reuse|recompute)")
	pf.String("state", "", "Path to the state database (default: <workspace>/taskgraph_cache/state.db)")
	pf.BoolP("verbose", "v", false, "Verbose output")
	pf.StringP("output", "o", "", "Output format (auto|text|markdown|json)")

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"auto", "text", "markdown", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("algorithm", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"d8", "mfd"}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("cache-policy", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"reuse", "recompute"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(commands.NewVersionCommand(Version))
	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewPlanCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewHistoryCommand())
	rootCmd.AddCommand(commands.NewWatchCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(NewCompletionCommand())

	return rootCmd
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// GetConfig retrieves the config from the command context.
func GetConfig(ctx context.Context) *config.Config {
	if c := config.FromContext(ctx); c != nil {
		return c
	}
	// Return default config if none in context
	return &config.Config{
		RoutingAlgorithm: config.DefaultAlgorithm,
		CalculateSlope:   true,
		CachePolicy:      config.DefaultCachePolicy,
		OutputFormat:     config.DefaultOutput,
	}
}

// GetRenderer retrieves the renderer from the command context.
func GetRenderer(ctx context.Context) *output.Renderer {
	if r := output.FromContext(ctx); r != nil {
		return r
	}
	// Return default renderer if none in context
	return output.NewRenderer(os.Stdout, os.Stderr, output.ModeAuto)
}

// NewCompletionCommand creates the completion command.
func NewCompletionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for routedem-tfa.

To load completions:

Bash:
  $ source <(routedem-tfa completion bash)

Zsh:
  $ routedem-tfa completion zsh > "${fpath[1]}/_routedem-tfa"

Fish:
  $ routedem-tfa completion fish | source

PowerShell:
  PS> routedem-tfa completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
	return cmd
}
