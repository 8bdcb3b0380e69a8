package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/megannissel/invest-routedem-tfa-range/internal/pipeline"
	"github.com/megannissel/invest-routedem-tfa-range/internal/ui"
	"github.com/megannissel/invest-routedem-tfa-range/internal/ui/notifier"
)

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	Addr  string
	Watch bool
	WatchOptions
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history and artifacts over HTTP",
		Long: `Start an HTTP server for the workspace.

Endpoints:
  GET /api/runs               recent runs (?limit=N)
  GET /api/runs/{id}          one run with its tasks
  GET /api/registry           artifact paths from registry.yaml
  GET /api/events             server-sent events, one per finished run
  GET /artifacts/{id}[/{tfa}] download an artifact, e.g. /artifacts/stream/100

With --watch the server also re-runs the pipeline whenever the DEM or the
config file changes and announces every run on /api/events.`,
		Example: `  # Browse the workspace
  routedem-tfa serve --addr :8080

  # Serve and keep the outputs up to date
  routedem-tfa serve --watch`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "localhost:8080", "Address to listen on")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "Re-run on changes and announce each run")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 500*time.Millisecond, "Quiet period after a change before re-running")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "Upload artifacts after every run")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	if err := cc.Cfg.Validate(); err != nil {
		return err
	}
	store, err := cc.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n := notifier.New()
	srv := ui.NewServer(ui.Config{
		Store:        store,
		RegistryPath: cc.Registry().Path(pipeline.IDRegistry, 0),
		Addr:         opts.Addr,
		Logger:       cc.Logger,
		Notifier:     n,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(egctx)
	})
	if opts.Watch {
		eg.Go(func() error {
			return watchAndRun(egctx, cmd, cc, &opts.WatchOptions, func(report *pipeline.Report) {
				n.Broadcast(notifier.Update{RunID: report.RunID, Status: report.Status, Failed: report.Failed()})
			})
		})
	}
	return eg.Wait()
}
