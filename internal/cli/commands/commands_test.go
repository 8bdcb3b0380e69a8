package commands

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/internal/testutil"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

func TestNewRunCommand(t *testing.T) {
	cmd := NewRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.NotEmpty(t, cmd.Short, "Short should not be empty")
	assert.NotEmpty(t, cmd.Example, "Example should not be empty")

	for _, flag := range []string{"json", "publish"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestNewPlanCommand(t *testing.T) {
	cmd := NewPlanCommand()
	assert.Equal(t, "plan", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
}

func TestNewValidateCommand(t *testing.T) {
	cmd := NewValidateCommand()
	assert.Equal(t, "validate", cmd.Use)
	assert.NotEmpty(t, cmd.Long)
}

func TestNewHistoryCommand(t *testing.T) {
	cmd := NewHistoryCommand()
	assert.Equal(t, "history", cmd.Use)
	for _, flag := range []string{"limit", "run"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
	assert.Equal(t, "20", cmd.Flags().Lookup("limit").DefValue)
}

func TestNewWatchCommand(t *testing.T) {
	cmd := NewWatchCommand()
	assert.Equal(t, "watch", cmd.Use)
	for _, flag := range []string{"debounce", "json", "publish"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestNewServeCommand(t *testing.T) {
	cmd := NewServeCommand()
	assert.Equal(t, "serve", cmd.Use)
	for _, flag := range []string{"addr", "watch", "debounce", "publish"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
	assert.Equal(t, "localhost:8080", cmd.Flags().Lookup("addr").DefValue)
}

func TestTaskEvent(t *testing.T) {
	ev := taskEvent(engine.Result{
		Key:      "stream_threshold_d8_100",
		Stage:    "stream_threshold",
		TFA:      100,
		Status:   core.TaskRunStatusFailed,
		Err:      assert.AnError,
		Duration: 1500 * time.Millisecond,
	})
	assert.Equal(t, "task_done", ev.Event)
	assert.Equal(t, 100, ev.TFA)
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, int64(1500), ev.DurationMS)
	assert.Equal(t, assert.AnError.Error(), ev.Error)
}

func TestJoinInts(t *testing.T) {
	assert.Equal(t, "", joinInts(nil))
	assert.Equal(t, "100, 200", joinInts([]int{100, 200}))
}

func TestRunDuration(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", runDuration(&core.Run{StartedAt: start}))
	done := start.Add(2 * time.Second)
	assert.Equal(t, "2s", runDuration(&core.Run{StartedAt: start, CompletedAt: &done}))
}

func TestWatchedFiles(t *testing.T) {
	dir := t.TempDir()
	files := watchedFiles(filepath.Join(dir, "dem.tif"), "", filepath.Join(dir, "sub", "..", "routedem.yaml"))
	assert.Len(t, files, 2)
	assert.True(t, files[filepath.Join(dir, "routedem.yaml")])
	assert.Equal(t, map[string]bool{dir: true}, watchedDirs(files))
}

func TestWatchLoop_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	dem := filepath.Join(dir, "dem.tif")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(dem, []byte("v1"), 0600))

	watcher, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })
	require.NoError(t, watcher.Add(dir))

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		watchLoop(ctx, testutil.NewTestLogger(t), watcher, watchedFiles(dem), 100*time.Millisecond, func() { runs.Add(1) })
		close(done)
	}()

	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0600))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(dem, []byte("v2"), 0600))
	}
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "a burst of writes triggers one run")

	cancel()
	<-done
}

func TestStageCounts(t *testing.T) {
	levels := []planLevel{
		{Level: 0, Tasks: []planTask{{Key: "fill_pits", Stage: "fill_pits"}}},
		{Level: 1, Tasks: []planTask{
			{Key: "stream_threshold_d8_10", Stage: "stream_threshold", TFA: 10},
			{Key: "stream_threshold_d8_20", Stage: "stream_threshold", TFA: 20},
		}},
	}
	assert.Equal(t, [][]string{{"Fill Pits", "1"}, {"Stream Threshold", "2"}}, stageCounts(levels))
}
