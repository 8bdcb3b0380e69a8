package routing

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/internal/testutil"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillGrid_RaisesPit(t *testing.T) {
	dem := testutil.EastSlopeDEM(5, 5)
	dem.Set(2, 2, 0) // pit below both neighbours

	filled, err := FillGrid(context.Background(), dem)
	require.NoError(t, err)

	// the pit spills over its lowest neighbour (elevation 2 to the east)
	assert.Equal(t, 2.0, filled.At(2, 2))
	assert.Equal(t, 0.0, dem.At(2, 2), "input is not modified")
	for i := range dem.Data {
		if i != dem.Index(2, 2) {
			assert.Equal(t, dem.Data[i], filled.Data[i])
		}
	}
}

func TestFillGrid_KeepsNodata(t *testing.T) {
	dem := testutil.EastSlopeDEM(4, 3)
	dem.Set(1, 1, dem.NoData)

	filled, err := FillGrid(context.Background(), dem)
	require.NoError(t, err)
	assert.False(t, filled.Valid(filled.Index(1, 1)))
}

func TestD8Grid_Plane(t *testing.T) {
	dem := testutil.EastSlopeDEM(4, 3)
	dirs, err := D8Grid(context.Background(), dem)
	require.NoError(t, err)
	for i, v := range dirs.Data {
		assert.Equal(t, float64(East), v, "pixel %d", i)
	}
	assert.Equal(t, raster.Uint8, dirs.Type)
}

func TestD8Grid_FlatDrainsToEdges(t *testing.T) {
	dem := raster.New(5, 5, raster.Float32)
	dirs, err := D8Grid(context.Background(), dem)
	require.NoError(t, err)

	for i, v := range dirs.Data {
		require.True(t, ValidD8(v), "pixel %d unresolved", i)
	}
	acc, err := AccumulateD8(context.Background(), dirs)
	require.NoError(t, err, "flat resolution must not create cycles")

	// the centre drains through one ring of neighbours to the edge
	assert.GreaterOrEqual(t, acc.At(2, 2), 1.0)
}

func TestAccumulateD8_Plane(t *testing.T) {
	dem := testutil.EastSlopeDEM(4, 3)
	dirs, err := D8Grid(context.Background(), dem)
	require.NoError(t, err)
	acc, err := AccumulateD8(context.Background(), dirs)
	require.NoError(t, err)

	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			assert.Equal(t, float64(col+1), acc.At(col, row))
		}
	}
}

func TestAccumulateD8_Valley(t *testing.T) {
	dem := testutil.ValleyDEM(9, 20)
	dirs, err := D8Grid(context.Background(), dem)
	require.NoError(t, err)
	acc, err := AccumulateD8(context.Background(), dirs)
	require.NoError(t, err)

	for row := 0; row < 20; row++ {
		assert.Equal(t, float64((row+1)*9), acc.At(4, row), "row %d", row)
	}
}

func TestAccumulateD8_Cycle(t *testing.T) {
	dirs := raster.New(2, 1, raster.Uint8)
	dirs.NoData, dirs.HasNoData = D8Nodata, true
	dirs.Data = []float64{East, West}

	_, err := AccumulateD8(context.Background(), dirs)
	require.ErrorIs(t, err, ErrFlowCycle)
}

func TestMFD_ConservesFlow(t *testing.T) {
	dem := testutil.EastSlopeDEM(6, 5)
	dirs, err := MFDGrid(context.Background(), dem)
	require.NoError(t, err)

	interior := int32(dirs.At(2, 2))
	assert.Equal(t, 6, MFDWeight(interior, East))
	assert.Equal(t, 4, MFDWeight(interior, NorthEast))
	assert.Equal(t, 4, MFDWeight(interior, SouthEast))
	assert.Equal(t, 0, MFDWeight(interior, West))

	acc, err := AccumulateMFD(context.Background(), dirs)
	require.NoError(t, err)

	outflow := 0.0
	for row := 0; row < 5; row++ {
		outflow += acc.At(5, row)
	}
	assert.InDelta(t, 30.0, outflow, 1e-9, "all area leaves through the east edge")
	assert.Greater(t, acc.At(5, 2), acc.At(0, 2))
}

func TestPackMFD_RoundTrip(t *testing.T) {
	w := [8]int{1, 2, 3, 4, 5, 6, 7, 15}
	v := PackMFD(w)
	for d := range w {
		assert.Equal(t, w[d], MFDWeight(v, d))
	}
}

func TestSlopeGrid_Percent(t *testing.T) {
	dem := testutil.EastSlopeDEM(5, 5)
	slope, err := SlopeGrid(context.Background(), dem)
	require.NoError(t, err)
	// one unit drop per 10 m cell
	assert.InDelta(t, 10.0, slope.At(2, 2), 1e-6)
	assert.Equal(t, raster.Float32, slope.Type)
}

func TestStreamGrid_Monotonic(t *testing.T) {
	dem := testutil.ValleyDEM(9, 20)
	dirs, err := D8Grid(context.Background(), dem)
	require.NoError(t, err)
	acc, err := AccumulateD8(context.Background(), dirs)
	require.NoError(t, err)

	low, err := StreamGrid(context.Background(), acc, dirs, core.AlgorithmD8, 20)
	require.NoError(t, err)
	high, err := StreamGrid(context.Background(), acc, dirs, core.AlgorithmD8, 90)
	require.NoError(t, err)

	for i := range high.Data {
		if high.Data[i] == 1 {
			assert.Equal(t, 1.0, low.Data[i], "pixel %d", i)
		}
	}
	assert.Equal(t, 1.0, high.At(4, 19))
	assert.Equal(t, 0.0, high.At(4, 0))
}

func TestStreamGrid_PropagatesNodata(t *testing.T) {
	acc := raster.New(3, 1, raster.Float64)
	acc.NoData, acc.HasNoData = AccumulationNodata, true
	acc.Data = []float64{1, AccumulationNodata, 5}
	dirs := raster.New(3, 1, raster.Int32)
	dirs.NoData, dirs.HasNoData = MFDNodata, true
	dirs.Data = []float64{float64(PackMFD([8]int{15})), 0, MFDNodata}

	d8, err := StreamGrid(context.Background(), acc, dirs, core.AlgorithmD8, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, StreamNodata, 1}, d8.Data)

	mfd, err := StreamGrid(context.Background(), acc, dirs, core.AlgorithmMFD, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, StreamNodata, StreamNodata}, mfd.Data)

	_, err = StreamGrid(context.Background(), acc, dirs, core.AlgorithmD8, 0)
	require.Error(t, err)
}

func TestDistanceD8_Plane(t *testing.T) {
	dem := testutil.EastSlopeDEM(5, 3)
	dirs, err := D8Grid(context.Background(), dem)
	require.NoError(t, err)
	acc, err := AccumulateD8(context.Background(), dirs)
	require.NoError(t, err)
	streams, err := StreamGrid(context.Background(), acc, dirs, core.AlgorithmD8, 5)
	require.NoError(t, err)

	dist, err := DistanceD8(context.Background(), dirs, streams)
	require.NoError(t, err)
	for row := 0; row < 3; row++ {
		for col := 0; col < 5; col++ {
			assert.Equal(t, float64(4-col), dist.At(col, row))
		}
	}
}

func TestDistanceD8_UnreachedIsNodata(t *testing.T) {
	dem := testutil.EastSlopeDEM(3, 1)
	dirs, err := D8Grid(context.Background(), dem)
	require.NoError(t, err)
	streams := raster.NewLike(dirs, raster.Uint8, StreamNodata)
	streams.Fill(0)

	dist, err := DistanceD8(context.Background(), dirs, streams)
	require.NoError(t, err)
	for i := range dist.Data {
		assert.Equal(t, float64(DistanceNodata), dist.Data[i])
	}
}

func TestDistanceMFD_WeightedMean(t *testing.T) {
	dem := testutil.EastSlopeDEM(5, 5)
	dirs, err := MFDGrid(context.Background(), dem)
	require.NoError(t, err)
	streams := raster.NewLike(dirs, raster.Uint8, StreamNodata)
	streams.Fill(0)
	for row := 0; row < 5; row++ {
		streams.Set(4, row, 1)
	}

	dist, err := DistanceMFD(context.Background(), dirs, streams)
	require.NoError(t, err)
	assert.Equal(t, 0.0, dist.At(4, 2))
	want := (6*1 + 8*math.Sqrt2) / 14
	assert.InDelta(t, want, dist.At(3, 2), 1e-9)
	assert.Greater(t, dist.At(0, 2), dist.At(1, 2))
}

func TestFileRouter_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	demPath := testutil.WriteRaster(t, dir, "dem.tif", testutil.ValleyDEM(9, 20))
	r := NewFileRouter(testutil.NewTestLogger(t))
	ctx := context.Background()

	filled := filepath.Join(dir, "filled.tif")
	fdir := filepath.Join(dir, "flow_direction.tif")
	facc := filepath.Join(dir, "flow_accumulation.tif")
	slope := filepath.Join(dir, "slope.tif")
	streams := filepath.Join(dir, "stream_tfa_50.tif")
	dist := filepath.Join(dir, "downslope_distance_tfa_50.tif")

	require.NoError(t, r.FillPits(ctx, raster.Ref(demPath), filled))
	require.NoError(t, r.FlowDirection(ctx, filled, fdir, core.AlgorithmD8))
	require.NoError(t, r.FlowAccumulation(ctx, fdir, facc, core.AlgorithmD8))
	require.NoError(t, r.Slope(ctx, raster.Ref(filled), slope))
	require.NoError(t, r.ThresholdStreams(ctx, facc, fdir, streams, core.AlgorithmD8, 50))
	require.NoError(t, r.DistanceToChannel(ctx, fdir, streams, dist, core.AlgorithmD8))

	acc := testutil.ReadRaster(t, facc)
	assert.Equal(t, 180.0, acc.At(4, 19))
	assert.Equal(t, 32610, acc.EPSG)

	st := testutil.ReadRaster(t, streams)
	assert.Equal(t, 1.0, st.At(4, 19))
	assert.Equal(t, 0.0, st.At(0, 19))

	d := testutil.ReadRaster(t, dist)
	assert.Equal(t, 0.0, d.At(4, 19))
	assert.Equal(t, 4.0, d.At(0, 19))
}

func TestFileRouter_MissingInput(t *testing.T) {
	r := NewFileRouter(nil)
	err := r.FillPits(context.Background(), raster.Ref(filepath.Join(t.TempDir(), "nope.tif")), "out.tif")
	require.Error(t, err)
}

func TestFillGrid_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FillGrid(ctx, testutil.EastSlopeDEM(50, 50))
	require.ErrorIs(t, err, context.Canceled)
}
