package testutil

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
)

// EastSlopeDEM returns a DEM that falls one unit per column towards its
// east edge. Cells are 10 map units wide.
func EastSlopeDEM(width, height int) *raster.Grid {
	g := raster.New(width, height, raster.Float32)
	g.GeoTransform = [6]float64{500000, 10, 0, 4100000, 0, -10}
	g.EPSG = 32610
	g.NoData, g.HasNoData = -9999, true
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			g.Set(col, row, float64(width-col))
		}
	}
	return g
}

// ValleyDEM returns a DEM with a single valley running down its centre
// column and draining out of the south edge.
func ValleyDEM(width, height int) *raster.Grid {
	g := raster.New(width, height, raster.Float32)
	g.GeoTransform = [6]float64{500000, 10, 0, 4100000, 0, -10}
	g.EPSG = 32610
	g.NoData, g.HasNoData = -9999, true
	mid := width / 2
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			g.Set(col, row, 10*math.Abs(float64(col-mid))+float64(height-1-row))
		}
	}
	return g
}

// WriteRaster writes g as a GeoTIFF named name inside dir and returns its
// path, failing the test on error.
func WriteRaster(t testing.TB, dir, name string, g *raster.Grid) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := raster.Write(path, g); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// ReadRaster reads band 1 of path, failing the test on error.
func ReadRaster(t testing.TB, path string) *raster.Grid {
	t.Helper()
	g, err := raster.Read(raster.Ref(path))
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return g
}
