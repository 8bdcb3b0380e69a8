package routing

import (
	"context"
	"fmt"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// StreamGrid marks pixels whose accumulation reaches tfa. Nodata follows
// the accumulation raster and, for MFD, the flow direction raster too.
func StreamGrid(ctx context.Context, acc, dirs *raster.Grid, alg core.Algorithm, tfa int) (*raster.Grid, error) {
	if tfa <= 0 {
		return nil, fmt.Errorf("threshold flow accumulation must be positive, got %d", tfa)
	}
	if !acc.SameShape(dirs) {
		return nil, fmt.Errorf("flow accumulation is %dx%d but flow direction is %dx%d",
			acc.Width, acc.Height, dirs.Width, dirs.Height)
	}
	out := raster.NewLike(acc, raster.Uint8, StreamNodata)
	threshold := float64(tfa)
	for i, v := range acc.Data {
		if i%acc.Width == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if acc.IsNoData(v) {
			continue
		}
		if alg == core.AlgorithmMFD && !dirs.Valid(i) {
			continue
		}
		if v >= threshold {
			out.Data[i] = 1
		} else {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// DistanceD8 measures, along D8 paths, the pixel distance from every pixel
// to the first stream pixel it reaches. Pixels that never reach a stream
// are nodata.
func DistanceD8(ctx context.Context, dirs, streams *raster.Grid) (*raster.Grid, error) {
	if !dirs.SameShape(streams) {
		return nil, fmt.Errorf("flow direction is %dx%d but streams are %dx%d",
			dirs.Width, dirs.Height, streams.Width, streams.Height)
	}
	out := raster.NewLike(dirs, raster.Float32, DistanceNodata)
	queue := make([]int, 0, dirs.Len()/4)
	for i, v := range streams.Data {
		if v == 1 && !streams.IsNoData(v) {
			out.Data[i] = 0
			queue = append(queue, i)
		}
	}
	for head := 0; head < len(queue); head++ {
		if head%(dirs.Width*64) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		p := queue[head]
		d := out.Data[p]
		Upstream(dirs, p, func(j int) {
			if out.Data[j] != DistanceNodata {
				return
			}
			out.Data[j] = d + StepLength(int(dirs.Data[j]))
			queue = append(queue, j)
		})
	}
	return out, nil
}

// DistanceMFD assigns every pixel the weighted mean, over the downslope
// neighbours that reach a stream, of their distance plus the step to them.
func DistanceMFD(ctx context.Context, dirs, streams *raster.Grid) (*raster.Grid, error) {
	if !dirs.SameShape(streams) {
		return nil, fmt.Errorf("flow direction is %dx%d but streams are %dx%d",
			dirs.Width, dirs.Height, streams.Width, streams.Height)
	}
	n := dirs.Len()
	out := raster.NewLike(dirs, raster.Float32, DistanceNodata)
	remaining := make([]int32, n)
	done := make([]bool, n)
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if streams.Data[i] == 1 {
			out.Data[i] = 0
			done[i] = true
			queue = append(queue, i)
			continue
		}
		if dirs.IsNoData(dirs.Data[i]) {
			done[i] = true
			continue
		}
		mfdTargets(dirs, i, func(_, _, _ int) { remaining[i]++ })
		if remaining[i] == 0 {
			done[i] = true
			queue = append(queue, i)
		}
	}

	for head := 0; head < len(queue); head++ {
		if head%(dirs.Width*64) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		p := queue[head]
		pc, pr := dirs.ColRow(p)
		for d := 0; d < 8; d++ {
			nc, nr := pc+dCol[d], pr+dRow[d]
			if !dirs.InBounds(nc, nr) {
				continue
			}
			q := dirs.Index(nc, nr)
			if done[q] || dirs.IsNoData(dirs.Data[q]) {
				continue
			}
			if MFDWeight(int32(int64(dirs.Data[q])), Reverse(d)) == 0 {
				continue
			}
			remaining[q]--
			if remaining[q] > 0 {
				continue
			}
			done[q] = true
			out.Data[q] = weightedDistance(dirs, out, q)
			queue = append(queue, q)
		}
	}
	return out, nil
}

func weightedDistance(dirs, dist *raster.Grid, i int) float64 {
	sum, weight := 0.0, 0.0
	mfdTargets(dirs, i, func(j, d, w int) {
		if dist.Data[j] == DistanceNodata {
			return
		}
		sum += float64(w) * (dist.Data[j] + StepLength(d))
		weight += float64(w)
	})
	if weight == 0 {
		return DistanceNodata
	}
	return sum / weight
}
