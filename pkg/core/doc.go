// Package core defines the shared language of the RouteDEM TFA-range system.
//
// This package contains:
//   - Domain values (Algorithm, Artifact, ArtifactStatus)
//   - Run and task bookkeeping entities (Run, TaskRun, CacheEntry)
//   - Service interfaces (Store)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
