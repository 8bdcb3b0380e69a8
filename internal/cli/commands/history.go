package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/output"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// HistoryOptions holds options for the history command.
type HistoryOptions struct {
	Limit int
	RunID string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	opts := &HistoryOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs in the workspace",
		Long: `List runs recorded in the workspace state database, newest first.
With --run, show every task of one run with its status and duration.`,
		Example: `  # Last 20 runs
  routedem-tfa history

  # Tasks of one run
  routedem-tfa history --run 5f0c...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "Maximum number of runs to show")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "Show the tasks of this run")
	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	store, err := cc.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if opts.RunID != "" {
		return renderTaskRuns(cc.Renderer, store, opts.RunID)
	}

	runs, err := store.ListRuns(opts.Limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(runs)
	}
	if len(runs) == 0 {
		r.Println("No runs recorded in " + cc.StatePath())
		return nil
	}
	r.Header("Run history")
	rows := make([][]string, len(runs))
	for i, run := range runs {
		rows[i] = []string{
			run.ID,
			r.Status(string(run.Status)),
			run.StartedAt.Local().Format(time.DateTime),
			runDuration(run),
			run.Error,
		}
	}
	r.Table([]string{"Run", "Status", "Started", "Duration", "Error"}, rows)
	return nil
}

func renderTaskRuns(r *output.Renderer, store core.Store, runID string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	tasks, err := store.GetTaskRunsForRun(run.ID)
	if err != nil {
		return fmt.Errorf("failed to list task runs: %w", err)
	}
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(map[string]any{"run": run, "tasks": tasks})
	}

	r.Header("Run " + run.ID)
	r.KeyValue("Status", r.Status(string(run.Status)))
	r.KeyValue("Workspace", run.Workspace)
	r.KeyValue("Duration", runDuration(run))
	r.Println()
	rows := make([][]string, len(tasks))
	for i, tr := range tasks {
		tfaCol := ""
		if tr.TFA != 0 {
			tfaCol = strconv.Itoa(tr.TFA)
		}
		rows[i] = []string{
			tr.TaskKey,
			tfaCol,
			r.Status(string(tr.Status)),
			(time.Duration(tr.DurationMS) * time.Millisecond).String(),
			tr.Error,
		}
	}
	r.Table([]string{"Task", "TFA", "Status", "Duration", "Error"}, rows)
	return nil
}

func runDuration(run *core.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}
