// Package pipeline builds and runs the RouteDEM task graph for a range of
// threshold flow accumulation (TFA) values.
//
// The shared hydrology stage (pit filling, flow direction, flow
// accumulation and slope) is added to the graph once. Every TFA value then
// gets an independent branch: a stream raster, and optionally a Strahler
// stream order vector, subwatersheds and a downslope distance raster. A
// failing branch never stops its siblings; the run reports it as a partial
// failure.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/internal/routing"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Config holds pipeline configuration.
type Config struct {
	// Router computes the routing rasters (default routing.FileRouter).
	Router routing.Router
	// Workers bounds concurrently running tasks.
	Workers int
	// Cache selects whether results of earlier runs are reused.
	Cache engine.CachePolicy
	// StatePath overrides the state database location, which defaults to
	// taskgraph_cache/state.db inside the workspace.
	StatePath string
	// Store overrides StatePath with an already opened store.
	Store core.Store
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
	// OnTaskDone reports every task as it finishes.
	OnTaskDone func(engine.Result)
}

// Pipeline plans and runs RouteDEM task graphs.
type Pipeline struct {
	cfg    Config
	router routing.Router
	logger *slog.Logger
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	router := cfg.Router
	if router == nil {
		router = routing.NewFileRouter(logger)
	}
	return &Pipeline{cfg: cfg, router: router, logger: logger}
}

// Plan validates opts and returns the task graph without running it.
func (p *Pipeline) Plan(opts Options) (*Plan, error) {
	return buildPlan(opts, p.router)
}

// BranchResult is the outcome of one TFA value.
type BranchResult struct {
	TFA    int    `json:"tfa" yaml:"tfa"`
	OK     bool   `json:"ok" yaml:"ok"`
	Err    error  `json:"-" yaml:"-"`
	Failed string `json:"failed_task,omitempty" yaml:"failed_task,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	RunID        string           `json:"run_id,omitempty"`
	Status       core.RunStatus   `json:"status"`
	Algorithm    core.Algorithm   `json:"routing_algorithm"`
	TFAs         []int            `json:"tfa_values"`
	Artifacts    []core.Artifact  `json:"artifacts"`
	Branches     []BranchResult   `json:"branches"`
	Tasks        []*engine.Result `json:"-"`
	RegistryPath string           `json:"registry,omitempty"`
}

// Artifact returns the artifact with id for tfa (0 for shared artifacts).
func (r *Report) Artifact(id string, tfaValue int) (core.Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.ID == id && a.TFA == tfaValue {
			return a, true
		}
	}
	return core.Artifact{}, false
}

// Succeeded returns the TFA values whose branch completed.
func (r *Report) Succeeded() []int {
	var out []int
	for _, b := range r.Branches {
		if b.OK {
			out = append(out, b.TFA)
		}
	}
	return out
}

// Failed returns the TFA values whose branch did not complete.
func (r *Report) Failed() []int {
	var out []int
	for _, b := range r.Branches {
		if !b.OK {
			out = append(out, b.TFA)
		}
	}
	return out
}

// Run validates opts, executes the task graph and writes registry.yaml.
//
// The returned error is a *ValidationError when opts are invalid (nothing
// runs), wraps ErrHydrologyComputation when the shared stage failed, is a
// *PartialFailureError when some branches failed, and is the context's
// error when the run was cancelled. A report is returned whenever the
// graph ran.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	plan, err := p.Plan(opts)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, plan)
}

// Execute runs a plan built by Plan.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan) (*Report, error) {
	opts := plan.Options
	statePath := p.cfg.StatePath
	if statePath == "" && p.cfg.Store == nil {
		statePath = plan.Registry.StatePath()
	}
	eng, err := engine.New(engine.Config{
		Workers:    p.cfg.Workers,
		Cache:      p.cfg.Cache,
		StatePath:  statePath,
		Store:      p.cfg.Store,
		Logger:     p.logger,
		OnTaskDone: p.cfg.OnTaskDone,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = eng.Close() }()

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}

	p.logger.Info("running pipeline",
		slog.String("dem", opts.DEMPath),
		slog.String("algorithm", opts.Algorithm.String()),
		slog.Any("tfa", plan.TFAs),
		slog.Int("tasks", plan.Graph.Len()),
	)

	res, err := eng.Run(ctx, plan.Graph, engine.RunMeta{Workspace: opts.WorkspaceDir, Options: string(optsJSON)})
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     res.RunID,
		Status:    res.Status,
		Algorithm: opts.Algorithm,
		TFAs:      plan.TFAs,
		Tasks:     res.Results,
	}

	var produced []core.Artifact
	for _, pa := range plan.artifacts {
		a := pa.artifact
		if r, ok := res.Result(a.Task); ok {
			a.Status = artifactStatus(r.Status)
			if r.Err != nil {
				a.Error = r.Err.Error()
			}
		}
		produced = append(produced, a)
		if pa.requested {
			report.Artifacts = append(report.Artifacts, a)
		}
	}

	hydrology := hydrologyFailure(plan, res)
	report.Branches = branchResults(plan, res, hydrology)

	if path, err := plan.Registry.WriteIndex(report.RunID, report.Status, produced); err != nil {
		p.logger.Warn("failed to write registry", "error", err)
	} else {
		report.RegistryPath = path
	}

	return report, runError(ctx, report, hydrology)
}

func artifactStatus(s core.TaskRunStatus) core.ArtifactStatus {
	switch s {
	case core.TaskRunStatusSucceeded:
		return core.ArtifactSucceeded
	case core.TaskRunStatusCached:
		return core.ArtifactCached
	case core.TaskRunStatusFailed:
		return core.ArtifactFailed
	case core.TaskRunStatusSkipped:
		return core.ArtifactSkipped
	}
	return core.ArtifactCancelled
}

// hydrologyFailure returns the first failed shared-stage task, or nil.
func hydrologyFailure(plan *Plan, res *engine.Report) *engine.Result {
	barrier, ok := plan.Graph.Lookup(HydrologyKey)
	if !ok {
		return nil
	}
	for _, h := range plan.Graph.Ancestors(barrier) {
		if r, ok := res.Result(plan.Graph.Key(h)); ok && r.Status == core.TaskRunStatusFailed {
			return r
		}
	}
	return nil
}

// branchResults attributes every branch to its first failed task. When
// the shared stage failed that task is the cause of every branch.
func branchResults(plan *Plan, res *engine.Report, hydrology *engine.Result) []BranchResult {
	out := make([]BranchResult, 0, len(plan.TFAs))
	for _, t := range plan.TFAs {
		b := BranchResult{TFA: t, OK: true}
		if hydrology != nil {
			b.OK = false
			b.Failed = hydrology.Key
			b.Err = &BranchError{TFA: t, Task: hydrology.Key, Err: fmt.Errorf("%w: %w", ErrHydrologyComputation, hydrology.Err)}
			out = append(out, b)
			continue
		}
		for _, r := range res.Results {
			if r.TFA != t || r.OK() {
				continue
			}
			b.OK = false
			var skip *engine.SkipError
			if r.Status == core.TaskRunStatusSkipped && errors.As(r.Err, &skip) {
				// attribute to the task that actually failed
				continue
			}
			b.Failed = r.Key
			b.Err = &BranchError{TFA: t, Task: r.Key, Err: r.Err}
			break
		}
		out = append(out, b)
	}
	return out
}

func runError(ctx context.Context, report *Report, hydrology *engine.Result) error {
	if report.Status == core.RunStatusCancelled {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		return context.Canceled
	}
	if hydrology != nil {
		return fmt.Errorf("%w: task %s: %w", ErrHydrologyComputation, hydrology.Key, hydrology.Err)
	}
	failed := report.Failed()
	if len(failed) == 0 {
		return nil
	}
	pf := &PartialFailureError{Failed: failed, Succeeded: report.Succeeded()}
	for _, b := range report.Branches {
		if b.Err != nil {
			pf.Errs = append(pf.Errs, b.Err)
		}
	}
	slices.Sort(pf.Failed)
	return pf
}
