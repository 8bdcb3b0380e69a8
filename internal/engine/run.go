package engine

// run.go - Scheduling a task graph over the worker pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/megannissel/invest-routedem-tfa-range/internal/dag"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// RunMeta describes a run for the history table.
type RunMeta struct {
	Workspace string
	Options   string // JSON encoded
}

// Report is the outcome of every task of a run, in graph insertion order.
type Report struct {
	RunID   string
	Status  core.RunStatus
	Results []*Result
	index   map[string]*Result
}

// Result returns the result of the task with key.
func (r *Report) Result(key string) (*Result, bool) {
	res, ok := r.index[key]
	return res, ok
}

// Count returns how many tasks ended with status.
func (r *Report) Count(status core.TaskRunStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// outcome is what a worker hands back to the scheduler.
type outcome struct {
	h        dag.Handle
	cached   bool
	digest   string
	outputs  []core.OutputDigest
	err      error
	duration time.Duration
}

// Run executes every task of g. A task starts once all its parents have
// succeeded or were cached. A failing task skips its descendants and
// nothing else, so independent branches always run to completion.
//
// The returned error covers only problems that prevent the run from
// starting; task failures are reported in the Report.
func (e *Engine) Run(ctx context.Context, g *dag.Graph[*Task], meta RunMeta) (*Report, error) {
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, fmt.Errorf("task graph has a cycle: %v", path)
	}

	report := &Report{Status: core.RunStatusRunning, index: make(map[string]*Result, g.Len())}
	if e.store != nil {
		run, err := e.store.CreateRun(meta.Workspace, meta.Options)
		if err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		report.RunID = run.ID
	}

	e.logger.Info("starting run", "run_id", report.RunID, "tasks", g.Len(), "workers", e.workers, "cache", string(e.cache))

	states := make([]*taskState, g.Len())
	for _, h := range g.Handles() {
		s := newTaskState(g.Data(h), e.onEnter)
		s.pending = len(g.Parents(h))
		states[h] = s
		report.Results = append(report.Results, s.result)
		report.index[s.task.Key] = s.result
		e.recordTaskRun(report.RunID, s)
	}

	results := make(chan outcome, g.Len())
	var eg errgroup.Group
	eg.SetLimit(e.workers)

	queue := g.Roots()
	inflight := 0
	for {
		for len(queue) > 0 && ctx.Err() == nil {
			h := queue[0]
			queue = queue[1:]
			s := states[h]
			s.startedAt = time.Now()
			e.fire(s, eventStart)

			if s.task.Barrier() {
				e.fire(s, eventSucceed)
				queue = append(queue, e.release(g, states, h)...)
				continue
			}

			inflight++
			task := s.task
			eg.Go(func() error {
				results <- e.execute(ctx, h, task)
				return nil
			})
		}
		if inflight == 0 {
			break
		}
		o := <-results
		inflight--
		queue = append(queue, e.finish(ctx, g, states, o)...)
	}
	_ = eg.Wait()

	// never started
	for _, s := range states {
		if s.status() == core.TaskRunStatusPending {
			s.result.Err = context.Cause(ctx)
			e.fire(s, eventCancel)
		}
	}

	report.Status = runStatus(ctx, g, states)
	e.completeRun(report)
	return report, nil
}

// execute runs on a worker goroutine and must not touch scheduler state.
func (e *Engine) execute(ctx context.Context, h dag.Handle, t *Task) outcome {
	start := time.Now()
	o := outcome{h: h}

	digest, err := inputDigest(t)
	if err == nil {
		o.digest = digest
		if e.store != nil && e.cache == CacheReuse {
			entry, err := e.store.GetCacheEntry(t.Key)
			if err != nil {
				e.logger.Warn("cache lookup failed", "task", t.Key, "error", err)
			} else if cacheHit(t, entry, digest) {
				o.cached = true
				o.duration = time.Since(start)
				return o
			}
		}
	}

	if err := ctx.Err(); err != nil {
		o.err = err
		return o
	}
	if err := t.Run(ctx); err != nil {
		o.err = err
		o.duration = time.Since(start)
		return o
	}
	o.duration = time.Since(start)
	if o.digest != "" {
		o.outputs, o.err = outputDigests(t)
	}
	return o
}

// finish applies a worker outcome and returns the tasks it made ready.
func (e *Engine) finish(ctx context.Context, g *dag.Graph[*Task], states []*taskState, o outcome) []dag.Handle {
	s := states[o.h]
	s.result.Duration = o.duration

	if o.err != nil {
		s.result.Err = o.err
		if ctx.Err() != nil && errors.Is(o.err, ctx.Err()) {
			e.fire(s, eventCancel)
			return nil
		}
		e.logger.Error("task failed", "task", s.task.Key, "error", o.err)
		e.fire(s, eventFail)
		for _, d := range g.Descendants(o.h) {
			ds := states[d]
			if ds.status() != core.TaskRunStatusPending {
				continue
			}
			ds.result.Err = &SkipError{Upstream: s.task.Key, Err: o.err}
			e.fire(ds, eventSkip)
		}
		return nil
	}

	if o.cached {
		e.fire(s, eventCache)
	} else {
		e.fire(s, eventSucceed)
		e.putCacheEntry(s.task, o)
	}
	return e.release(g, states, o.h)
}

// release marks h complete for its children and returns those now ready.
func (e *Engine) release(g *dag.Graph[*Task], states []*taskState, h dag.Handle) []dag.Handle {
	var ready []dag.Handle
	for _, c := range g.Children(h) {
		cs := states[c]
		cs.pending--
		if cs.pending == 0 && cs.status() == core.TaskRunStatusPending {
			ready = append(ready, c)
		}
	}
	return ready
}

func (e *Engine) fire(s *taskState, event string) {
	if err := s.fire(event); err != nil {
		e.logger.Error("invalid task transition", "event", event, "error", err)
	}
}

// onEnter mirrors every lifecycle transition into the task_runs table.
func (e *Engine) onEnter(s *taskState, from, to string) {
	e.logger.Debug("task transition", "task", s.task.Key, "from", from, "to", to)
	if e.onDone != nil && core.TaskRunStatus(to).Done() {
		e.onDone(*s.result)
	}
	if e.store == nil || s.runID == "" {
		return
	}
	var errMsg string
	if s.result.Err != nil {
		errMsg = s.result.Err.Error()
	}
	if err := e.store.UpdateTaskRun(s.runID, core.TaskRunStatus(to), errMsg, s.result.Duration.Milliseconds()); err != nil {
		e.logger.Warn("failed to update task run", "task", s.task.Key, "error", err)
	}
}

func (e *Engine) recordTaskRun(runID string, s *taskState) {
	if e.store == nil || runID == "" {
		return
	}
	tr := &core.TaskRun{
		RunID:   runID,
		TaskKey: s.task.Key,
		Stage:   s.task.Stage,
		TFA:     s.task.TFA,
		Status:  core.TaskRunStatusPending,
	}
	if err := e.store.RecordTaskRun(tr); err != nil {
		e.logger.Warn("failed to record task run", "task", s.task.Key, "error", err)
		return
	}
	s.runID = tr.ID
}

func (e *Engine) putCacheEntry(t *Task, o outcome) {
	if e.store == nil || o.digest == "" {
		return
	}
	err := e.store.PutCacheEntry(&core.CacheEntry{
		Key:         t.Key,
		Stage:       t.Stage,
		InputDigest: o.digest,
		Outputs:     o.outputs,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("failed to cache task", "task", t.Key, "error", err)
	}
}

func (e *Engine) completeRun(report *Report) {
	var failed []string
	for _, r := range report.Results {
		if r.Status == core.TaskRunStatusFailed {
			failed = append(failed, r.Key)
		}
	}
	var errMsg string
	if len(failed) > 0 {
		errMsg = fmt.Sprintf("%d task(s) failed: %v", len(failed), failed)
	}

	e.logger.Info("run finished",
		slog.String("run_id", report.RunID),
		slog.String("status", string(report.Status)),
		slog.Int("succeeded", report.Count(core.TaskRunStatusSucceeded)),
		slog.Int("cached", report.Count(core.TaskRunStatusCached)),
		slog.Int("failed", len(failed)),
		slog.Int("skipped", report.Count(core.TaskRunStatusSkipped)),
	)

	if e.store == nil || report.RunID == "" {
		return
	}
	if err := e.store.CompleteRun(report.RunID, report.Status, errMsg); err != nil {
		e.logger.Warn("failed to complete run", "run_id", report.RunID, "error", err)
	}
}

// runStatus is completed when every task is, failed when no leaf task
// produced its outputs and partial otherwise.
func runStatus(ctx context.Context, g *dag.Graph[*Task], states []*taskState) core.RunStatus {
	if ctx.Err() != nil {
		return core.RunStatusCancelled
	}
	clean := true
	for _, s := range states {
		if !s.result.OK() {
			clean = false
			break
		}
	}
	if clean {
		return core.RunStatusCompleted
	}
	for _, h := range g.Leaves() {
		if states[h].result.OK() {
			return core.RunStatusPartial
		}
	}
	return core.RunStatusFailed
}
