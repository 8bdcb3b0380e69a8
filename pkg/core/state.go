package core

import "time"

// Store defines the interface for state management operations.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	// Run operations
	CreateRun(workspace string, options string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	GetLatestRun(workspace string) (*Run, error)
	ListRuns(limit int) ([]*Run, error)

	// Task run operations
	RecordTaskRun(taskRun *TaskRun) error
	UpdateTaskRun(id string, status TaskRunStatus, errMsg string, durationMS int64) error
	GetTaskRunsForRun(runID string) ([]*TaskRun, error)

	// Task cache operations
	GetCacheEntry(key string) (*CacheEntry, error)
	PutCacheEntry(entry *CacheEntry) error
	DeleteCacheEntry(key string) error
}

// RunStatus represents the status of a pipeline run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one execution of the pipeline over a workspace.
type Run struct {
	ID          string
	Workspace   string
	Options     string // JSON encoded run options
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// TaskRunStatus represents the status of an individual task within a run.
type TaskRunStatus string

// Task run status constants.
const (
	TaskRunStatusPending   TaskRunStatus = "pending"
	TaskRunStatusRunning   TaskRunStatus = "running"
	TaskRunStatusSucceeded TaskRunStatus = "succeeded"
	TaskRunStatusCached    TaskRunStatus = "cached"
	TaskRunStatusFailed    TaskRunStatus = "failed"
	TaskRunStatusSkipped   TaskRunStatus = "skipped"
	TaskRunStatusCancelled TaskRunStatus = "cancelled"
)

// Done reports whether the status is terminal.
func (s TaskRunStatus) Done() bool {
	switch s {
	case TaskRunStatusSucceeded, TaskRunStatusCached, TaskRunStatusFailed,
		TaskRunStatusSkipped, TaskRunStatusCancelled:
		return true
	}
	return false
}

// TaskRun represents a single execution of a task node within a run.
type TaskRun struct {
	ID          string
	RunID       string
	TaskKey     string
	Stage       string
	TFA         int // 0 for shared-stage tasks
	Status      TaskRunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	DurationMS  int64
}

// CacheEntry records the fingerprint of a completed task so an identical
// task in a later run can be skipped.
type CacheEntry struct {
	Key         string
	Stage       string
	InputDigest string
	Outputs     []OutputDigest
	CompletedAt time.Time
}

// OutputDigest is the content digest of one task output file.
type OutputDigest struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}
