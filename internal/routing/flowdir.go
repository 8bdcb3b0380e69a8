package routing

import (
	"context"
	"math"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
)

// descends marks a pixel that has at least one strictly lower neighbour.
const descends = 254

// forced holds one entry per pixel: a D8 code, descends, or D8Nodata.
type forced struct {
	dirs []uint8
}

// resolveDrainage picks one outflow direction for every valid pixel that
// has no strictly lower neighbour. Boundary pixels drain out of the DEM;
// interior flats drain towards the nearest equal-elevation pixel that
// already drains. Pixels with a lower neighbour are marked descends and
// nodata pixels D8Nodata.
func resolveDrainage(ctx context.Context, filled *raster.Grid) (forced, error) {
	n := filled.Len()
	f := forced{dirs: make([]uint8, n)}
	var queue []int

	for i := 0; i < n; i++ {
		if i%filled.Width == 0 {
			if err := ctx.Err(); err != nil {
				return f, err
			}
		}
		if !filled.Valid(i) {
			f.dirs[i] = D8Nodata
			continue
		}
		col, row := filled.ColRow(i)
		z := filled.Data[i]
		exit := -1
		lower := false
		for d := 0; d < 8; d++ {
			nc, nr := col+dCol[d], row+dRow[d]
			if !filled.InBounds(nc, nr) || !filled.Valid(filled.Index(nc, nr)) {
				if exit < 0 {
					exit = d
				}
				continue
			}
			if filled.At(nc, nr) < z {
				lower = true
			}
		}
		switch {
		case lower:
			f.dirs[i] = descends
			queue = append(queue, i)
		case exit >= 0:
			f.dirs[i] = uint8(exit)
			queue = append(queue, i)
		default:
			f.dirs[i] = D8Nodata
		}
	}

	// breadth-first across flats from pixels that already drain
	for head := 0; head < len(queue); head++ {
		p := queue[head]
		col, row := filled.ColRow(p)
		z := filled.Data[p]
		for d := 0; d < 8; d++ {
			nc, nr := col+dCol[d], row+dRow[d]
			if !filled.InBounds(nc, nr) {
				continue
			}
			q := filled.Index(nc, nr)
			if f.dirs[q] != D8Nodata || !filled.Valid(q) || filled.Data[q] != z {
				continue
			}
			f.dirs[q] = uint8(Reverse(d))
			queue = append(queue, q)
		}
	}
	return f, nil
}

// D8Grid computes D8 flow direction on a pit-filled DEM by steepest
// descent, resolving flats towards their outlets.
func D8Grid(ctx context.Context, filled *raster.Grid) (*raster.Grid, error) {
	f, err := resolveDrainage(ctx, filled)
	if err != nil {
		return nil, err
	}
	out := raster.NewLike(filled, raster.Uint8, D8Nodata)
	for i, fd := range f.dirs {
		switch fd {
		case D8Nodata:
		case descends:
			out.Data[i] = float64(steepest(filled, i))
		default:
			out.Data[i] = float64(fd)
		}
	}
	return out, nil
}

// steepest returns the direction of the steepest downhill neighbour of i.
// Ties go to the lowest direction code.
func steepest(g *raster.Grid, i int) int {
	col, row := g.ColRow(i)
	z := g.Data[i]
	best, bestSlope := -1, 0.0
	for d := 0; d < 8; d++ {
		nc, nr := col+dCol[d], row+dRow[d]
		if !g.InBounds(nc, nr) {
			continue
		}
		j := g.Index(nc, nr)
		if !g.Valid(j) {
			continue
		}
		s := (z - g.Data[j]) / StepLength(d)
		if s > bestSlope {
			best, bestSlope = d, s
		}
	}
	return best
}

// MFDGrid computes multiple flow direction on a pit-filled DEM. Each
// pixel distributes flow to its lower neighbours in proportion to slope,
// quantized to 4-bit weights; flats and boundary outlets send all flow
// one way.
func MFDGrid(ctx context.Context, filled *raster.Grid) (*raster.Grid, error) {
	f, err := resolveDrainage(ctx, filled)
	if err != nil {
		return nil, err
	}
	out := raster.NewLike(filled, raster.Int32, MFDNodata)
	for i, fd := range f.dirs {
		switch fd {
		case D8Nodata:
		case descends:
			out.Data[i] = float64(proportional(filled, i))
		default:
			var w [8]int
			w[fd] = 0xF
			out.Data[i] = float64(PackMFD(w))
		}
	}
	return out, nil
}

func proportional(g *raster.Grid, i int) int32 {
	col, row := g.ColRow(i)
	z := g.Data[i]
	var slopes [8]float64
	total, maxSlope, maxDir := 0.0, 0.0, 0
	for d := 0; d < 8; d++ {
		nc, nr := col+dCol[d], row+dRow[d]
		if !g.InBounds(nc, nr) {
			continue
		}
		j := g.Index(nc, nr)
		if !g.Valid(j) || g.Data[j] >= z {
			continue
		}
		s := (z - g.Data[j]) / StepLength(d)
		slopes[d] = s
		total += s
		if s > maxSlope {
			maxSlope, maxDir = s, d
		}
	}
	var w [8]int
	sum := 0
	for d, s := range slopes {
		if s > 0 {
			w[d] = int(math.Round(0xF * s / total))
			sum += w[d]
		}
	}
	if sum == 0 {
		w[maxDir] = 0xF
	}
	return PackMFD(w)
}
