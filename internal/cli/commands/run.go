package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/output"
	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/progress"
	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/internal/pipeline"
	"github.com/megannissel/invest-routedem-tfa-range/internal/publish"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// RunOptions holds options for the run command.
type RunOptions struct {
	JSONOutput bool
	Publish    bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run RouteDEM for every TFA value in a range",
		Long: `Compute the shared hydrology (filled DEM, flow direction, flow
accumulation and slope) once, then derive streams and the optional stream
order, subwatershed and downslope distance outputs for every threshold flow
accumulation value in --tfa-range.

Results of earlier runs in the same workspace are reused when their inputs
are unchanged. A failing TFA value does not stop the others; the command
reports which values failed and exits non-zero.`,
		Example: `  # Streams for thresholds 100, 200, ..., 1000
  routedem-tfa run --dem dem.tif --workspace out --tfa-range 100:1000:100

  # Everything, with D8 routing
  routedem-tfa run --tfa-range 500:2000:500 --stream-order --subwatersheds --downslope-distance

  # JSON lines for CI/CD integration
  routedem-tfa run --json

  # Upload the results to object storage
  routedem-tfa run --publish`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "Output as JSON lines for progress tracking")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "Upload artifacts to the configured object storage")

	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	if err := cc.Cfg.Validate(); err != nil {
		return err
	}
	if opts.Publish && !cc.Cfg.Publish.Enabled() {
		return errors.New("--publish requires publish.endpoint and publish.bucket to be configured")
	}
	_, err = execute(cmd.Context(), cc, opts)
	return err
}

// execute runs the configured pipeline once and renders its report.
func execute(ctx context.Context, cc *CommandContext, opts *RunOptions) (*pipeline.Report, error) {
	r := cc.Renderer
	jsonOut := opts.JSONOutput || r.EffectiveMode() == output.ModeJSON

	showProgress := !jsonOut && r.IsTTY() && r.EffectiveMode() == output.ModeText

	var display *progress.Display
	var onDone func(engine.Result)
	switch {
	case jsonOut:
		onDone = func(res engine.Result) {
			_ = r.JSONLine(taskEvent(res))
		}
	case showProgress:
		onDone = func(res engine.Result) {
			display.TaskDone(res)
		}
	}
	p := cc.Pipeline(onDone)

	plan, err := p.Plan(cc.Cfg.Options())
	if err != nil {
		return nil, err
	}
	if showProgress {
		display = progress.Start(r.ErrWriter(), plan.Graph.Len())
	}

	if jsonOut {
		keys := make([]string, 0, plan.Graph.Len())
		for _, h := range plan.Graph.Handles() {
			keys = append(keys, plan.Graph.Key(h))
		}
		_ = r.JSONLine(output.RunEvent{Event: output.EventRunStart, Time: time.Now(), Tasks: keys, TFAs: plan.TFAs})
	}

	start := time.Now()
	report, runErr := p.Execute(ctx, plan)
	if display != nil {
		display.Stop()
	}
	if report == nil {
		return nil, runErr
	}

	var objects []publish.Object
	var pubErr error
	if opts.Publish {
		objects, pubErr = publishReport(ctx, cc, report)
	}

	if jsonOut {
		ev := output.RunEvent{
			Event:    output.EventRunComplete,
			Time:     time.Now(),
			RunID:    report.RunID,
			Status:   string(report.Status),
			TFAs:     report.TFAs,
			Failed:   report.Failed(),
			Registry: report.RegistryPath,
		}
		if runErr != nil {
			ev.Error = runErr.Error()
		}
		_ = r.JSONLine(ev)
		for _, o := range objects {
			_ = r.JSONLine(output.RunEvent{Event: output.EventPublished, Time: time.Now(), RunID: report.RunID, Task: o.ArtifactID, TFA: o.TFA, Object: o.Key})
		}
	} else {
		renderReport(r, report, time.Since(start))
		if len(objects) > 0 {
			r.Println()
			r.Printf("Published %d objects to %s\n", len(objects), cc.Cfg.Publish.Bucket)
		}
	}

	return report, errors.Join(runErr, pubErr)
}

// publishReport uploads the artifacts of a run that produced any.
func publishReport(ctx context.Context, cc *CommandContext, report *pipeline.Report) ([]publish.Object, error) {
	if report.Status != core.RunStatusCompleted && report.Status != core.RunStatusPartial {
		cc.Logger.Warn("not publishing", "run", report.RunID, "status", report.Status)
		return nil, nil
	}
	pub, err := publish.New(cc.Cfg.Publish, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	objects, err := pub.Publish(ctx, report.RunID, report.Artifacts, report.RegistryPath)
	if err != nil {
		return objects, fmt.Errorf("publish failed: %w", err)
	}
	return objects, nil
}

func taskEvent(res engine.Result) output.RunEvent {
	ev := output.RunEvent{
		Event:      output.EventTaskDone,
		Time:       time.Now(),
		Task:       res.Key,
		Stage:      res.Stage,
		TFA:        res.TFA,
		Status:     string(res.Status),
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

func renderReport(r *output.Renderer, report *pipeline.Report, elapsed time.Duration) {
	r.Header("RouteDEM run")
	r.KeyValue("Run", r.ID(report.RunID))
	r.KeyValue("Status", r.Status(string(report.Status)))
	r.KeyValue("Algorithm", report.Algorithm.String())
	r.KeyValue("TFA values", joinInts(report.TFAs))
	if report.RegistryPath != "" {
		r.KeyValue("Registry", report.RegistryPath)
	}
	r.KeyValue("Elapsed", elapsed.Round(time.Millisecond).String())
	r.Println()

	rows := make([][]string, 0, len(report.Artifacts))
	for _, a := range report.Artifacts {
		tfaCol := ""
		if a.TFA != 0 {
			tfaCol = strconv.Itoa(a.TFA)
		}
		rows = append(rows, []string{a.ID, tfaCol, r.Status(string(a.Status)), a.Path})
	}
	r.Table([]string{"Artifact", "TFA", "Status", "Path"}, rows)

	if failed := report.Failed(); len(failed) > 0 {
		r.Println()
		r.Header("Failed TFA values")
		for _, b := range report.Branches {
			if b.OK {
				continue
			}
			msg := fmt.Sprintf("tfa %d", b.TFA)
			if b.Err != nil {
				msg += ": " + b.Err.Error()
			}
			r.StatusLine("failed", msg)
		}
	}
}

func joinInts(vals []int) string {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ", ")
}
