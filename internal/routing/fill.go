package routing

import (
	"container/heap"
	"context"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
)

type floodCell struct {
	idx  int
	elev float64
	seq  int
}

// floodQueue orders cells by elevation, then by insertion so that flats
// are flooded breadth-first.
type floodQueue []floodCell

func (q floodQueue) Len() int { return len(q) }
func (q floodQueue) Less(i, j int) bool {
	if q[i].elev != q[j].elev {
		return q[i].elev < q[j].elev
	}
	return q[i].seq < q[j].seq
}
func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *floodQueue) Push(x any)   { *q = append(*q, x.(floodCell)) }
func (q *floodQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

// isBoundary reports whether pixel i touches the grid edge or a nodata
// pixel, i.e. whether water can leave the DEM there.
func isBoundary(g *raster.Grid, i int) bool {
	col, row := g.ColRow(i)
	for d := 0; d < 8; d++ {
		nc, nr := col+dCol[d], row+dRow[d]
		if !g.InBounds(nc, nr) || !g.Valid(g.Index(nc, nr)) {
			return true
		}
	}
	return false
}

// FillGrid raises every depression of dem to its spill elevation using a
// priority flood seeded from the DEM boundary. Nodata pixels are kept.
func FillGrid(ctx context.Context, dem *raster.Grid) (*raster.Grid, error) {
	out := dem.Clone()
	closed := make([]bool, dem.Len())
	q := &floodQueue{}
	seq := 0

	for i := range dem.Data {
		if !dem.Valid(i) {
			closed[i] = true
			continue
		}
		if isBoundary(dem, i) {
			closed[i] = true
			heap.Push(q, floodCell{idx: i, elev: dem.Data[i], seq: seq})
			seq++
		}
	}

	popped := 0
	for q.Len() > 0 {
		c := heap.Pop(q).(floodCell)
		popped++
		if popped%dem.Width == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		col, row := dem.ColRow(c.idx)
		for d := 0; d < 8; d++ {
			nc, nr := col+dCol[d], row+dRow[d]
			if !dem.InBounds(nc, nr) {
				continue
			}
			j := dem.Index(nc, nr)
			if closed[j] {
				continue
			}
			closed[j] = true
			e := max(out.Data[j], c.elev)
			out.Data[j] = e
			heap.Push(q, floodCell{idx: j, elev: e, seq: seq})
			seq++
		}
	}
	return out, nil
}
