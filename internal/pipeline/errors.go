package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Run-level errors.
var (
	// ErrConfiguration marks options that cannot describe a run, reported
	// before any computation starts.
	ErrConfiguration = errors.New("configuration error")
	// ErrHydrologyComputation marks a failure in the shared stage. No
	// threshold branch can run after it.
	ErrHydrologyComputation = errors.New("hydrology computation failed")
	// ErrThresholdBranch marks a failure confined to one TFA value.
	ErrThresholdBranch = errors.New("threshold branch failed")
)

// Issue is one validation finding against the option keys that caused it.
type Issue struct {
	Keys    []string
	Message string
	Err     error
}

// ValidationError carries every issue found in a set of options.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = fmt.Sprintf("%s: %s", strings.Join(is.Keys, ", "), is.Message)
	}
	return "invalid options: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the sentinel of every issue.
func (e *ValidationError) Unwrap() []error {
	out := make([]error, 0, len(e.Issues))
	for _, is := range e.Issues {
		out = append(out, is.Err)
	}
	return out
}

// InvalidKeys returns the distinct option keys named by the issues.
func (e *ValidationError) InvalidKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, is := range e.Issues {
		for _, k := range is.Keys {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// BranchError is the failure of one TFA branch.
type BranchError struct {
	TFA  int
	Task string
	Err  error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("tfa %d: task %s: %v", e.TFA, e.Task, e.Err)
}

// Unwrap matches both ErrThresholdBranch and the cause.
func (e *BranchError) Unwrap() []error {
	return []error{ErrThresholdBranch, e.Err}
}

// PartialFailureError reports a run where some TFA branches failed.
type PartialFailureError struct {
	Failed    []int
	Succeeded []int
	Errs      []error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d of %d threshold branches failed (tfa %v)",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), e.Failed)
}

func (e *PartialFailureError) Unwrap() []error {
	return e.Errs
}
