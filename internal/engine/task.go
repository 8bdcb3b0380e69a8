package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Task is one node of the task graph. A task with a nil Run is a barrier:
// it completes as soon as its parents have.
type Task struct {
	Key   string
	Stage string
	TFA   int // 0 for shared-stage tasks

	// Inputs are digested together with Key and Params to fingerprint the
	// task for the cache. Outputs are the files the task writes.
	Inputs  []string
	Outputs []string
	Params  string

	Run func(ctx context.Context) error
}

// Barrier reports whether the task does no work of its own.
func (t *Task) Barrier() bool {
	return t.Run == nil
}

// CachePolicy controls reuse of task results from earlier runs.
type CachePolicy string

// Cache policies.
const (
	CacheReuse     CachePolicy = "reuse"
	CacheRecompute CachePolicy = "recompute"
)

// ParseCachePolicy parses a cache policy name. The empty string is reuse.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch CachePolicy(s) {
	case "", CacheReuse:
		return CacheReuse, nil
	case CacheRecompute:
		return CacheRecompute, nil
	}
	return "", fmt.Errorf("unknown cache policy %q (want reuse or recompute)", s)
}

// SkipError is the error of a task that never ran because a task it
// depends on failed.
type SkipError struct {
	Upstream string
	Err      error
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skipped: upstream task %s failed: %v", e.Upstream, e.Err)
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one task in a run.
type Result struct {
	Key      string
	Stage    string
	TFA      int
	Status   core.TaskRunStatus
	Err      error
	Duration time.Duration
}

// OK reports whether the task's outputs are available.
func (r *Result) OK() bool {
	return r.Status == core.TaskRunStatusSucceeded || r.Status == core.TaskRunStatusCached
}

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventCache   = "cache"
	eventSkip    = "skip"
	eventCancel  = "cancel"
)

var lifecycle = fsm.Events{
	{Name: eventStart, Src: []string{string(core.TaskRunStatusPending)}, Dst: string(core.TaskRunStatusRunning)},
	{Name: eventSucceed, Src: []string{string(core.TaskRunStatusRunning)}, Dst: string(core.TaskRunStatusSucceeded)},
	{Name: eventCache, Src: []string{string(core.TaskRunStatusRunning)}, Dst: string(core.TaskRunStatusCached)},
	{Name: eventFail, Src: []string{string(core.TaskRunStatusRunning)}, Dst: string(core.TaskRunStatusFailed)},
	{Name: eventSkip, Src: []string{string(core.TaskRunStatusPending)}, Dst: string(core.TaskRunStatusSkipped)},
	{
		Name: eventCancel,
		Src:  []string{string(core.TaskRunStatusPending), string(core.TaskRunStatusRunning)},
		Dst:  string(core.TaskRunStatusCancelled),
	},
}

// taskState tracks one task through a run. Only the scheduler goroutine
// touches it.
type taskState struct {
	task      *Task
	fsm       *fsm.FSM
	runID     string // task_runs row, empty without a store
	pending   int    // parents not yet complete
	startedAt time.Time
	result    *Result
}

func newTaskState(task *Task, onEnter func(s *taskState, from, to string)) *taskState {
	s := &taskState{
		task: task,
		result: &Result{
			Key:    task.Key,
			Stage:  task.Stage,
			TFA:    task.TFA,
			Status: core.TaskRunStatusPending,
		},
	}
	s.fsm = fsm.NewFSM(
		string(core.TaskRunStatusPending),
		lifecycle,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.result.Status = core.TaskRunStatus(e.Dst)
				onEnter(s, e.Src, e.Dst)
			},
		},
	)
	return s
}

// fire moves the task through its lifecycle. Transitions are synchronous
// and must still happen after the run context is cancelled, so they never
// see it.
func (s *taskState) fire(event string) error {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("task %s: %w", s.task.Key, err)
	}
	return nil
}

func (s *taskState) status() core.TaskRunStatus {
	return core.TaskRunStatus(s.fsm.Current())
}
