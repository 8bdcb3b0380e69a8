package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/config"
	"github.com/megannissel/invest-routedem-tfa-range/internal/pipeline"
)

// WatchOptions holds options for the watch command.
type WatchOptions struct {
	Debounce time.Duration
	RunOptions
}

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	opts := &WatchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run whenever the DEM or the config file changes",
		Long: `Run once, then watch the DEM and routedem.yaml and run again after
every change. Unchanged tasks are reused from the workspace cache, so editing
only the TFA range recomputes only the threshold branches.

Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 500*time.Millisecond, "Quiet period after a change before re-running")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "Output as JSON lines for progress tracking")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "Upload artifacts after every run")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	if err := cc.Cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchAndRun(ctx, cmd, cc, opts, nil)
}

// watchAndRun runs once, then again after every change to the DEM or the
// config file until ctx is done. onReport, when set, sees every report.
func watchAndRun(ctx context.Context, cmd *cobra.Command, cc *CommandContext, opts *WatchOptions, onReport func(*pipeline.Report)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	cfgFile := config.GetConfigFileUsed()
	files := watchedFiles(cc.Cfg.DEMPath, cfgFile)
	for dir := range watchedDirs(files) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	runOnce := func() {
		if cfgFile != "" {
			cfg, err := config.LoadConfig(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				cc.Logger.Error("failed to reload config", "error", err)
				return
			}
			cc.Cfg = cfg
		}
		report, err := execute(ctx, cc, &opts.RunOptions)
		if err != nil {
			cc.Logger.Error("run failed", "error", err)
		}
		if report != nil && onReport != nil {
			onReport(report)
		}
	}

	runOnce()
	cc.Logger.Info("watching for changes", "files", len(files))
	watchLoop(ctx, cc.Logger, watcher, files, opts.Debounce, runOnce)
	return nil
}

// watchedFiles returns the cleaned absolute paths of the non-empty names.
func watchedFiles(names ...string) map[string]bool {
	files := make(map[string]bool)
	for _, n := range names {
		if n == "" {
			continue
		}
		if abs, err := filepath.Abs(n); err == nil {
			n = abs
		}
		files[filepath.Clean(n)] = true
	}
	return files
}

// watchedDirs returns the directories holding files. Directories are
// watched rather than the files so that editors replacing a file by rename
// are still seen.
func watchedDirs(files map[string]bool) map[string]bool {
	dirs := make(map[string]bool)
	for f := range files {
		dirs[filepath.Dir(f)] = true
	}
	return dirs
}

// watchLoop calls trigger once per burst of changes to files, after the
// debounce period has passed without further events. Trigger runs on the
// loop goroutine, so runs never overlap.
func watchLoop(ctx context.Context, logger *slog.Logger, watcher *fsnotify.Watcher, files map[string]bool, debounce time.Duration, trigger func()) {
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watch error", "error", err)
		}
	}
}
