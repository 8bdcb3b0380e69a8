package output

import "time"

// RunEvent is one line of `run --json` output.
type RunEvent struct {
	Event      string    `json:"event"`
	Time       time.Time `json:"time"`
	RunID      string    `json:"run_id,omitempty"`
	Task       string    `json:"task,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	TFA        int       `json:"tfa,omitempty"`
	Status     string    `json:"status,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Tasks      []string  `json:"tasks,omitempty"`
	TFAs       []int     `json:"tfa_values,omitempty"`
	Failed     []int     `json:"failed_tfa,omitempty"`
	Registry   string    `json:"registry,omitempty"`
	Object     string    `json:"object,omitempty"`
}

// Run event names.
const (
	EventRunStart    = "run_start"
	EventTaskDone    = "task_done"
	EventRunComplete = "run_complete"
	EventPublished   = "published"
)
