package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megannissel/invest-routedem-tfa-range/internal/dag"
	"github.com/megannissel/invest-routedem-tfa-range/internal/state"
	"github.com/megannissel/invest-routedem-tfa-range/internal/testutil"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// recorder builds tasks that write one output file and log their order.
type recorder struct {
	dir   string
	mu    sync.Mutex
	order []string
	calls map[string]int
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{dir: t.TempDir(), calls: make(map[string]int)}
}

func (r *recorder) path(key string) string {
	return filepath.Join(r.dir, key+".out")
}

func (r *recorder) task(key string, fail error, inputs ...string) *Task {
	t := &Task{Key: key, Stage: key, Outputs: []string{r.path(key)}}
	for _, in := range inputs {
		t.Inputs = append(t.Inputs, r.path(in))
	}
	t.Run = func(ctx context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, key)
		r.calls[key]++
		r.mu.Unlock()
		if fail != nil {
			return fail
		}
		return os.WriteFile(r.path(key), []byte(key), 0o600)
	}
	return t
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func (r *recorder) position(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, k := range r.order {
		if k == key {
			return i
		}
	}
	return -1
}

// build adds tasks and edges given as "parent>child" pairs.
func build(t *testing.T, tasks []*Task, edges ...[2]string) *dag.Graph[*Task] {
	t.Helper()
	g := dag.NewGraph[*Task]()
	for _, task := range tasks {
		g.AddNode(task.Key, task)
	}
	for _, e := range edges {
		p, ok := g.Lookup(e[0])
		require.True(t, ok, e[0])
		c, ok := g.Lookup(e[1])
		require.True(t, ok, e[1])
		require.NoError(t, g.AddEdge(p, c))
	}
	return g
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.Logger = testutil.NewTestLogger(t)
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func memoryStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	store := state.NewSQLiteStore(nil)
	require.NoError(t, store.Open(":memory:"))
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_Defaults(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	assert.Positive(t, e.Workers())
	assert.Nil(t, e.Store())
	assert.Equal(t, CacheReuse, e.cache)
	require.NoError(t, e.Close())

	_, err = New(Config{Cache: "sometimes"})
	require.Error(t, err)
}

func TestNew_OpensStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskgraph_cache", "state.db")
	e := newEngine(t, Config{StatePath: path})
	require.NotNil(t, e.Store())
	assert.FileExists(t, path)
}

func TestRun_DependencyOrder(t *testing.T) {
	r := newRecorder(t)
	g := build(t, []*Task{
		r.task("d", nil, "b", "c"),
		r.task("c", nil, "a"),
		r.task("b", nil, "a"),
		r.task("a", nil),
	}, [2]string{"a", "b"}, [2]string{"a", "c"}, [2]string{"b", "d"}, [2]string{"c", "d"})

	report, err := newEngine(t, Config{Workers: 4}).Run(context.Background(), g, RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, report.Status)
	assert.Equal(t, 4, report.Count(core.TaskRunStatusSucceeded))

	assert.Less(t, r.position("a"), r.position("b"))
	assert.Less(t, r.position("a"), r.position("c"))
	assert.Less(t, r.position("b"), r.position("d"))
	assert.Less(t, r.position("c"), r.position("d"))
}

func TestRun_BarrierTask(t *testing.T) {
	r := newRecorder(t)
	g := build(t, []*Task{
		r.task("a", nil),
		r.task("b", nil),
		{Key: "barrier", Stage: "barrier"},
		r.task("c", nil, "a"),
	}, [2]string{"a", "barrier"}, [2]string{"b", "barrier"}, [2]string{"barrier", "c"})

	report, err := newEngine(t, Config{}).Run(context.Background(), g, RunMeta{})
	require.NoError(t, err)
	res, ok := report.Result("barrier")
	require.True(t, ok)
	assert.Equal(t, core.TaskRunStatusSucceeded, res.Status)
	assert.Greater(t, r.position("c"), r.position("a"))
	assert.Greater(t, r.position("c"), r.position("b"))
}

func TestRun_OnTaskDone(t *testing.T) {
	r := newRecorder(t)
	g := build(t, []*Task{
		r.task("a", errors.New("boom")),
		r.task("b", nil, "a"),
		r.task("c", nil),
	}, [2]string{"a", "b"})

	var done []Result
	e := newEngine(t, Config{Workers: 1, OnTaskDone: func(res Result) { done = append(done, res) }})
	_, err := e.Run(context.Background(), g, RunMeta{})
	require.NoError(t, err)

	require.Len(t, done, 3)
	got := make(map[string]core.TaskRunStatus)
	for _, d := range done {
		got[d.Key] = d.Status
	}
	assert.Equal(t, map[string]core.TaskRunStatus{
		"a": core.TaskRunStatusFailed,
		"b": core.TaskRunStatusSkipped,
		"c": core.TaskRunStatusSucceeded,
	}, got)
}

func TestRun_FailureSkipsOnlyDescendants(t *testing.T) {
	r := newRecorder(t)
	boom := errors.New("boom")
	g := build(t, []*Task{
		r.task("shared", nil),
		r.task("branch_1", boom, "shared"),
		r.task("branch_1_child", nil, "branch_1"),
		r.task("branch_2", nil, "shared"),
		r.task("branch_2_child", nil, "branch_2"),
	},
		[2]string{"shared", "branch_1"}, [2]string{"branch_1", "branch_1_child"},
		[2]string{"shared", "branch_2"}, [2]string{"branch_2", "branch_2_child"},
	)

	store := memoryStore(t)
	report, err := newEngine(t, Config{Store: store}).Run(context.Background(), g, RunMeta{Workspace: "ws"})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPartial, report.Status)

	failed, _ := report.Result("branch_1")
	assert.Equal(t, core.TaskRunStatusFailed, failed.Status)
	assert.ErrorIs(t, failed.Err, boom)

	skipped, _ := report.Result("branch_1_child")
	assert.Equal(t, core.TaskRunStatusSkipped, skipped.Status)
	var skipErr *SkipError
	require.ErrorAs(t, skipped.Err, &skipErr)
	assert.Equal(t, "branch_1", skipErr.Upstream)
	assert.ErrorIs(t, skipped.Err, boom)
	assert.Zero(t, r.count("branch_1_child"))

	ok, _ := report.Result("branch_2_child")
	assert.Equal(t, core.TaskRunStatusSucceeded, ok.Status)

	run, err := store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPartial, run.Status)
	assert.Contains(t, run.Error, "branch_1")

	trs, err := store.GetTaskRunsForRun(report.RunID)
	require.NoError(t, err)
	require.Len(t, trs, 5)
	byKey := make(map[string]*core.TaskRun)
	for _, tr := range trs {
		byKey[tr.TaskKey] = tr
	}
	assert.Equal(t, core.TaskRunStatusFailed, byKey["branch_1"].Status)
	assert.Equal(t, "boom", byKey["branch_1"].Error)
	assert.Equal(t, core.TaskRunStatusSkipped, byKey["branch_1_child"].Status)
	assert.Equal(t, core.TaskRunStatusSucceeded, byKey["shared"].Status)
}

func TestRun_SharedFailureFailsRun(t *testing.T) {
	r := newRecorder(t)
	g := build(t, []*Task{
		r.task("shared", errors.New("no DEM")),
		r.task("leaf_1", nil, "shared"),
		r.task("leaf_2", nil, "shared"),
	}, [2]string{"shared", "leaf_1"}, [2]string{"shared", "leaf_2"})

	report, err := newEngine(t, Config{}).Run(context.Background(), g, RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, report.Status)
	assert.Equal(t, 2, report.Count(core.TaskRunStatusSkipped))
}

func TestRun_CacheReuse(t *testing.T) {
	r := newRecorder(t)
	tasks := func() *dag.Graph[*Task] {
		return build(t, []*Task{r.task("a", nil), r.task("b", nil, "a")}, [2]string{"a", "b"})
	}
	store := memoryStore(t)
	e := newEngine(t, Config{Store: store})

	report, err := e.Run(context.Background(), tasks(), RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(core.TaskRunStatusSucceeded))

	report, err = e.Run(context.Background(), tasks(), RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(core.TaskRunStatusCached))
	assert.Equal(t, core.RunStatusCompleted, report.Status)
	assert.Equal(t, 1, r.count("a"))
	assert.Equal(t, 1, r.count("b"))

	// a tampered output invalidates the task that wrote it
	require.NoError(t, os.WriteFile(r.path("b"), []byte("edited"), 0o600))
	report, err = e.Run(context.Background(), tasks(), RunMeta{})
	require.NoError(t, err)
	res, _ := report.Result("b")
	assert.Equal(t, core.TaskRunStatusSucceeded, res.Status)
	assert.Equal(t, 2, r.count("b"))
	assert.Equal(t, 1, r.count("a"))
}

func TestRun_CacheRecompute(t *testing.T) {
	r := newRecorder(t)
	store := memoryStore(t)
	for i := 0; i < 2; i++ {
		e := newEngine(t, Config{Store: store, Cache: CacheRecompute})
		g := build(t, []*Task{r.task("a", nil)})
		report, err := e.Run(context.Background(), g, RunMeta{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Count(core.TaskRunStatusSucceeded))
	}
	assert.Equal(t, 2, r.count("a"))
}

func TestRun_MissingOutputFailsTask(t *testing.T) {
	g := build(t, []*Task{{
		Key:     "lazy",
		Stage:   "lazy",
		Outputs: []string{filepath.Join(t.TempDir(), "never.tif")},
		Run:     func(context.Context) error { return nil },
	}})
	report, err := newEngine(t, Config{}).Run(context.Background(), g, RunMeta{})
	require.NoError(t, err)
	res, _ := report.Result("lazy")
	assert.Equal(t, core.TaskRunStatusFailed, res.Status)
	assert.ErrorContains(t, res.Err, "did not produce")
}

func TestRun_Cancellation(t *testing.T) {
	r := newRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopper := &Task{Key: "stopper", Stage: "stopper", Run: func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}
	g := build(t, []*Task{stopper, r.task("after", nil)}, [2]string{"stopper", "after"})

	report, err := newEngine(t, Config{}).Run(ctx, g, RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelled, report.Status)
	assert.Equal(t, 2, report.Count(core.TaskRunStatusCancelled))
	assert.Zero(t, r.count("after"))
}

func TestRun_BoundedWorkers(t *testing.T) {
	var running, peak atomic.Int32
	var tasks []*Task
	for _, key := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		tasks = append(tasks, &Task{Key: key, Stage: "sleep", Run: func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}})
	}

	report, err := newEngine(t, Config{Workers: 2}).Run(context.Background(), build(t, tasks), RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, 6, report.Count(core.TaskRunStatusSucceeded))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_Cycle(t *testing.T) {
	r := newRecorder(t)
	g := build(t, []*Task{r.task("a", nil), r.task("b", nil)}, [2]string{"a", "b"}, [2]string{"b", "a"})
	_, err := newEngine(t, Config{}).Run(context.Background(), g, RunMeta{})
	require.ErrorContains(t, err, "cycle")
	assert.Zero(t, r.count("a"))
}

func TestPlan(t *testing.T) {
	r := newRecorder(t)
	g := build(t, []*Task{r.task("a", nil), r.task("b", nil), r.task("c", nil)}, [2]string{"a", "c"})
	levels, err := Plan(g)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 2)
	assert.Equal(t, "c", levels[1][0].Key)
}

func TestParseCachePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    CachePolicy
		wantErr bool
	}{
		{in: "", want: CacheReuse},
		{in: "reuse", want: CacheReuse},
		{in: "recompute", want: CacheRecompute},
		{in: "never", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCachePolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
