package routing

import (
	"context"
	"math"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
)

// SlopeGrid computes percent slope with Horn's third-order finite
// difference. Missing neighbours at edges and next to nodata take the
// centre elevation.
func SlopeGrid(ctx context.Context, dem *raster.Grid) (*raster.Grid, error) {
	out := raster.NewLike(dem, raster.Float32, SlopeNodata)
	dx := math.Abs(dem.GeoTransform[1])
	dy := math.Abs(dem.GeoTransform[5])
	if dx == 0 {
		dx = 1
	}
	if dy == 0 {
		dy = 1
	}

	for row := 0; row < dem.Height; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for col := 0; col < dem.Width; col++ {
			i := dem.Index(col, row)
			if !dem.Valid(i) {
				continue
			}
			z := dem.Data[i]
			at := func(dc, dr int) float64 {
				c, r := col+dc, row+dr
				if !dem.InBounds(c, r) {
					return z
				}
				v := dem.At(c, r)
				if dem.IsNoData(v) {
					return z
				}
				return v
			}
			a, b, c := at(-1, -1), at(0, -1), at(1, -1)
			d, f := at(-1, 0), at(1, 0)
			g, h, k := at(-1, 1), at(0, 1), at(1, 1)
			dzdx := ((c + 2*f + k) - (a + 2*d + g)) / (8 * dx)
			dzdy := ((g + 2*h + k) - (a + 2*b + c)) / (8 * dy)
			out.Data[i] = 100 * math.Hypot(dzdx, dzdy)
		}
	}
	return out, nil
}
