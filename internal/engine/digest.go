package engine

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// fileDigest returns the xxh3 digest of a file's contents.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: paths come from the task graph
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// inputDigest fingerprints a task: its key, parameters and the contents of
// every input file in order.
func inputDigest(t *Task) (string, error) {
	h := xxh3.New()
	_, _ = h.WriteString(t.Key)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(t.Params)
	for _, in := range t.Inputs {
		d, err := fileDigest(in)
		if err != nil {
			return "", err
		}
		_, _ = h.WriteString("\x00" + in + "\x00" + d)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

func outputDigests(t *Task) ([]core.OutputDigest, error) {
	out := make([]core.OutputDigest, 0, len(t.Outputs))
	for _, p := range t.Outputs {
		d, err := fileDigest(p)
		if err != nil {
			return nil, fmt.Errorf("task %s did not produce %s: %w", t.Key, p, err)
		}
		out = append(out, core.OutputDigest{Path: p, Digest: d})
	}
	return out, nil
}

// cacheHit reports whether entry still describes the task's outputs on
// disk.
func cacheHit(t *Task, entry *core.CacheEntry, digest string) bool {
	if entry == nil || entry.InputDigest != digest || len(entry.Outputs) != len(t.Outputs) {
		return false
	}
	for i, o := range entry.Outputs {
		if o.Path != t.Outputs[i] {
			return false
		}
		d, err := fileDigest(o.Path)
		if err != nil || d != o.Digest {
			return false
		}
	}
	return true
}
