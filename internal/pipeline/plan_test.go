package pipeline

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megannissel/invest-routedem-tfa-range/internal/dag"
	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/internal/testutil"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

func keysOf(tasks []*engine.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Key
	}
	return out
}

func TestPlan_Layout(t *testing.T) {
	opts := fullOptions(t, "1000:2001:500")
	plan, err := New(Config{}).Plan(opts)
	require.NoError(t, err)

	assert.Equal(t, []int{1000, 1500, 2000}, plan.TFAs)
	// 4 shared tasks, the barrier, 4 tasks per value
	assert.Equal(t, 5+4*3, plan.Graph.Len())

	levels, err := engine.Plan(plan.Graph)
	require.NoError(t, err)
	require.Len(t, levels, 7)
	assert.Equal(t, []string{"fill_pits"}, keysOf(levels[0]))
	assert.ElementsMatch(t, []string{"flow_direction_d8", "slope"}, keysOf(levels[1]))
	assert.Equal(t, []string{"flow_accumulation_d8"}, keysOf(levels[2]))
	assert.Equal(t, []string{HydrologyKey}, keysOf(levels[3]))
	assert.ElementsMatch(t, []string{
		"stream_threshold_d8_1000", "stream_threshold_d8_1500", "stream_threshold_d8_2000",
	}, keysOf(levels[4]))
	assert.ElementsMatch(t, []string{
		"stream_order_d8_1000", "stream_order_d8_1500", "stream_order_d8_2000",
		"downslope_distance_d8_1000", "downslope_distance_d8_1500", "downslope_distance_d8_2000",
	}, keysOf(levels[5]))
	assert.ElementsMatch(t, []string{
		"subwatersheds_d8_1000", "subwatersheds_d8_1500", "subwatersheds_d8_2000",
	}, keysOf(levels[6]))
}

func TestPlan_BranchesWaitForHydrology(t *testing.T) {
	plan, err := New(Config{}).Plan(fullOptions(t, "10:30:10"))
	require.NoError(t, err)

	barrier, ok := plan.Graph.Lookup(HydrologyKey)
	require.True(t, ok)
	for _, v := range plan.TFAs {
		for _, key := range []string{"stream_threshold_d8_", "subwatersheds_d8_", "downslope_distance_d8_"} {
			h, ok := plan.Graph.Lookup(key + strconv.Itoa(v))
			require.True(t, ok)
			assert.Contains(t, plan.Graph.Ancestors(h), barrier)
		}
	}
}

func TestPlan_WithoutOptionalStages(t *testing.T) {
	opts := fullOptions(t, "10:30:10")
	opts.CalculateSlope = false
	opts.CalculateStreamOrder = false
	opts.CalculateSubwatersheds = false
	opts.CalculateDownslopeDistance = false

	plan, err := New(Config{}).Plan(opts)
	require.NoError(t, err)
	assert.Equal(t, 4+2, plan.Graph.Len())
	_, ok := plan.Graph.Lookup(StageSlope)
	assert.False(t, ok)

	var ids []string
	for _, a := range plan.Artifacts() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{IDFilled, IDFlowDirection, IDFlowAccumulation, IDStream, IDStream}, ids)
}

func TestValidate(t *testing.T) {
	dem := testutil.WriteRaster(t, t.TempDir(), "dem.tif", testutil.ValleyDEM(5, 5))
	bad := filepath.Join(t.TempDir(), "badraster.tif")
	require.NoError(t, os.WriteFile(bad, []byte("This is an invalid raster format."), 0o600))

	valid := Options{WorkspaceDir: t.TempDir(), DEMPath: dem, Algorithm: core.AlgorithmD8, TFARange: "1000:2000:500"}

	tests := []struct {
		name string
		mod  func(*Options)
		keys []string
	}{
		{name: "valid", mod: func(*Options) {}},
		{
			name: "required keys empty",
			mod:  func(o *Options) { *o = Options{} },
			keys: []string{"workspace_dir", "dem_path", "routing_algorithm", "tfa_range"},
		},
		{name: "invalid raster", mod: func(o *Options) { o.DEMPath = bad }, keys: []string{"dem_path"}},
		{name: "negative band", mod: func(o *Options) { o.DEMBand = -5 }, keys: []string{"dem_band_index"}},
		{name: "band too large", mod: func(o *Options) { o.DEMBand = 5 }, keys: []string{"dem_band_index"}},
		{name: "two-part range", mod: func(o *Options) { o.TFARange = "2:5" }, keys: []string{"tfa_range"}},
		{name: "zero step", mod: func(o *Options) { o.TFARange = "3:4:0" }, keys: []string{"tfa_range"}},
		{name: "unknown algorithm", mod: func(o *Options) { o.Algorithm = "dinf" }, keys: []string{"routing_algorithm"}},
		{
			name: "stream order under mfd",
			mod: func(o *Options) {
				o.Algorithm = core.AlgorithmMFD
				o.CalculateStreamOrder = true
			},
			keys: []string{"calculate_stream_order", "routing_algorithm"},
		},
		{name: "negative trace limit", mod: func(o *Options) { o.MaxTracePixels = -1 }, keys: []string{"max_trace_pixels"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mod(&opts)
			err := Check(opts)
			if len(tt.keys) == 0 {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.ElementsMatch(t, tt.keys, verr.InvalidKeys())
		})
	}
}

func TestValidate_EmptyRangeMessage(t *testing.T) {
	dem := testutil.WriteRaster(t, t.TempDir(), "dem.tif", testutil.ValleyDEM(5, 5))
	issues := Validate(Options{WorkspaceDir: t.TempDir(), DEMPath: dem, Algorithm: core.AlgorithmD8, TFARange: "5:5:1"})
	require.Len(t, issues, 1)
	assert.Equal(t, []string{"tfa_range"}, issues[0].Keys)
	assert.Equal(t, MsgEmptyRange, issues[0].Message)
}

func TestRegistry_Paths(t *testing.T) {
	r := NewRegistry("/ws", "")
	assert.Equal(t, "/ws/filled.tif", r.Path(IDFilled, 0))
	assert.Equal(t, "/ws/strahler_stream_order_tfa_1500.gpkg", r.Path(IDStreamOrder, 1500))
	assert.Equal(t, "/ws/taskgraph_cache/state.db", r.StatePath())

	r = NewRegistry("/ws", "_final")
	assert.Equal(t, "/ws/downslope_distance_tfa_10_final.tif", r.Path(IDDownslopeDistance, 10))
	assert.True(t, Templated(IDSubwatersheds))
	assert.False(t, Templated(IDSlope))
}

func TestPlan_StreamOrderReadsSharedRastersOnly(t *testing.T) {
	plan, err := New(Config{}).Plan(fullOptions(t, "10:30:10"))
	require.NoError(t, err)
	reg := plan.Registry

	for _, v := range plan.TFAs {
		h, ok := plan.Graph.Lookup("stream_order_d8_" + strconv.Itoa(v))
		require.True(t, ok)
		threshold, ok := plan.Graph.Lookup("stream_threshold_d8_" + strconv.Itoa(v))
		require.True(t, ok)

		assert.Equal(t, []dag.Handle{threshold}, plan.Graph.Parents(h))
		task := plan.Graph.Data(h)
		assert.ElementsMatch(t, []string{
			reg.Path(IDFlowDirection, 0), reg.Path(IDFlowAccumulation, 0), reg.Path(IDFilled, 0),
		}, task.Inputs)
		assert.NotContains(t, task.Inputs, reg.Path(IDStream, v))
	}
}
