package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
)

// ErrFlowCycle is returned when a flow direction raster routes water in a
// loop.
var ErrFlowCycle = errors.New("flow direction contains a cycle")

// mfdTargets lists the in-grid valid neighbours pixel i sends flow to, with
// their weights.
func mfdTargets(dirs *raster.Grid, i int, fn func(j, dir, weight int)) {
	v := dirs.Data[i]
	if dirs.IsNoData(v) {
		return
	}
	packed := int32(int64(v))
	col, row := dirs.ColRow(i)
	for d := 0; d < 8; d++ {
		w := MFDWeight(packed, d)
		if w == 0 {
			continue
		}
		nc, nr := col+dCol[d], row+dRow[d]
		if !dirs.InBounds(nc, nr) {
			continue
		}
		j := dirs.Index(nc, nr)
		if !dirs.Valid(j) {
			continue
		}
		fn(j, d, w)
	}
}

func mfdTotal(v float64) int {
	packed := int32(int64(v))
	total := 0
	for d := 0; d < 8; d++ {
		total += MFDWeight(packed, d)
	}
	return total
}

// AccumulateD8 counts, for every pixel, the number of pixels whose D8 path
// passes through it, the pixel itself included.
func AccumulateD8(ctx context.Context, dirs *raster.Grid) (*raster.Grid, error) {
	n := dirs.Len()
	acc := raster.NewLike(dirs, raster.Float64, AccumulationNodata)
	indeg := make([]int32, n)
	valid := 0
	for i := 0; i < n; i++ {
		if dirs.IsNoData(dirs.Data[i]) {
			continue
		}
		valid++
		acc.Data[i] = 1
		if j, ok := Downstream(dirs, i); ok && !dirs.IsNoData(dirs.Data[j]) {
			indeg[j]++
		}
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if !dirs.IsNoData(dirs.Data[i]) && indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	for head := 0; head < len(queue); head++ {
		if head%(dirs.Width*64) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i := queue[head]
		j, ok := Downstream(dirs, i)
		if !ok || dirs.IsNoData(dirs.Data[j]) {
			continue
		}
		acc.Data[j] += acc.Data[i]
		indeg[j]--
		if indeg[j] == 0 {
			queue = append(queue, j)
		}
	}
	if len(queue) != valid {
		return nil, fmt.Errorf("%w: %d pixels never drained", ErrFlowCycle, valid-len(queue))
	}
	return acc, nil
}

// AccumulateMFD distributes each pixel's accumulated area to its
// downslope neighbours in proportion to the MFD weights.
func AccumulateMFD(ctx context.Context, dirs *raster.Grid) (*raster.Grid, error) {
	n := dirs.Len()
	acc := raster.NewLike(dirs, raster.Float64, AccumulationNodata)
	indeg := make([]int32, n)
	valid := 0
	for i := 0; i < n; i++ {
		if dirs.IsNoData(dirs.Data[i]) {
			continue
		}
		valid++
		acc.Data[i] = 1
		mfdTargets(dirs, i, func(j, _, _ int) { indeg[j]++ })
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if !dirs.IsNoData(dirs.Data[i]) && indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	for head := 0; head < len(queue); head++ {
		if head%(dirs.Width*64) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i := queue[head]
		total := float64(mfdTotal(dirs.Data[i]))
		mfdTargets(dirs, i, func(j, _, w int) {
			acc.Data[j] += acc.Data[i] * float64(w) / total
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		})
	}
	if len(queue) != valid {
		return nil, fmt.Errorf("%w: %d pixels never drained", ErrFlowCycle, valid-len(queue))
	}
	return acc, nil
}
