package core

// ArtifactStatus is the final state of a requested output artifact.
type ArtifactStatus string

// Artifact status constants.
const (
	ArtifactSucceeded ArtifactStatus = "succeeded"
	ArtifactCached    ArtifactStatus = "cached"
	ArtifactFailed    ArtifactStatus = "failed"
	ArtifactSkipped   ArtifactStatus = "skipped"
	ArtifactCancelled ArtifactStatus = "cancelled"
)

// OK reports whether the artifact exists on disk after the run.
func (s ArtifactStatus) OK() bool {
	return s == ArtifactSucceeded || s == ArtifactCached
}

// Artifact is one output file of a run, identified the same way the
// file registry identifies it (e.g. "stream_[TFA]" with TFA=1000).
type Artifact struct {
	ID     string         `json:"id" yaml:"id"`
	TFA    int            `json:"tfa,omitempty" yaml:"tfa,omitempty"`
	Path   string         `json:"path" yaml:"path"`
	Task   string         `json:"task" yaml:"task"`
	Status ArtifactStatus `json:"status" yaml:"status"`
	Error  string         `json:"error,omitempty" yaml:"error,omitempty"`
}
