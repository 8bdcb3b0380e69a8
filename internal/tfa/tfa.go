// Package tfa parses threshold flow accumulation ranges of the form
// start:stop:step into the ordered set of thresholds a run fans out over.
package tfa

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Range parsing errors. All are returned wrapped with the offending input.
var (
	ErrInvalidRangeFormat = errors.New("invalid range format")
	ErrInvalidRangeValues = errors.New("invalid range values")
	ErrEmptyRange         = errors.New("provided range contains zero items")
)

// Range is a parsed start:stop:step triple. Stop is exclusive.
type Range struct {
	Start int
	Stop  int
	Step  int
}

// ParseRange parses and validates a start:stop:step string without expanding it.
func ParseRange(s string) (Range, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Range{}, fmt.Errorf("%w: %q must be start:stop:step", ErrInvalidRangeFormat, s)
	}

	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidRangeFormat, p)
		}
		vals[i] = v
	}

	r := Range{Start: vals[0], Stop: vals[1], Step: vals[2]}
	if r.Step <= 0 {
		return r, fmt.Errorf("%w: step must be positive, got %d", ErrInvalidRangeValues, r.Step)
	}
	if r.Start == r.Stop {
		return r, fmt.Errorf("%w: %q", ErrEmptyRange, s)
	}
	if r.Start > r.Stop {
		return r, fmt.Errorf("%w: start %d must be less than stop %d", ErrInvalidRangeValues, r.Start, r.Stop)
	}
	if r.Start <= 0 {
		return r, fmt.Errorf("%w: start must be positive, got %d", ErrInvalidRangeValues, r.Start)
	}
	return r, nil
}

// Values expands the range. The result is strictly increasing.
func (r Range) Values() []int {
	if r.Step <= 0 || r.Start <= 0 || r.Start >= r.Stop {
		return nil
	}
	// Stop-Start cannot overflow for a positive start, and the last value
	// is below Stop, so Start+i*Step stays in range.
	n := (r.Stop-r.Start-1)/r.Step + 1
	out := make([]int, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		out = append(out, r.Start+i*r.Step)
	}
	return out
}

const maxPrealloc = 1 << 12

// String formats the range back to start:stop:step.
func (r Range) String() string {
	return fmt.Sprintf("%d:%d:%d", r.Start, r.Stop, r.Step)
}

// Parse parses s and returns the threshold values it describes.
func Parse(s string) ([]int, error) {
	r, err := ParseRange(s)
	if err != nil {
		return nil, err
	}
	vals := r.Values()
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyRange, s)
	}
	return vals, nil
}
