package core

import (
	"fmt"
	"strings"
)

// Algorithm is the flow routing algorithm selected once per run.
type Algorithm string

// Supported routing algorithms.
const (
	AlgorithmD8  Algorithm = "d8"
	AlgorithmMFD Algorithm = "mfd"
)

// ParseAlgorithm parses a routing algorithm name case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgorithmD8, AlgorithmMFD:
		return a, nil
	default:
		return "", fmt.Errorf("unknown routing algorithm %q (expected d8 or mfd)", s)
	}
}

// String returns the lower-case algorithm name.
func (a Algorithm) String() string {
	return string(a)
}

// SupportsStreamNetwork reports whether stream order and subwatershed
// delineation can run under this algorithm.
func (a Algorithm) SupportsStreamNetwork() bool {
	return a == AlgorithmD8
}
