package subwatershed

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
)

// Boundary edge directions in a y-up frame.
const (
	edgeEast = iota
	edgeNorth
	edgeWest
	edgeSouth
)

var edgeStep = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

type ring struct {
	pts  [][2]int // corner coordinates (col, -row), closed
	area int      // twice the signed area
}

// Polygonize converts a set of pixels of grid g into a MultiPolygon in map
// coordinates. Pixels sharing an edge merge into one polygon; pixels that
// only touch at a corner become separate polygons. Outer rings are
// counter-clockwise and holes clockwise.
func Polygonize(g *raster.Grid, pixels []int) orb.MultiPolygon {
	if len(pixels) == 0 {
		return nil
	}
	minC, minR := g.Width, g.Height
	maxC, maxR := -1, -1
	for _, p := range pixels {
		c, r := g.ColRow(p)
		minC, maxC = min(minC, c), max(maxC, c)
		minR, maxR = min(minR, r), max(maxR, r)
	}
	bw, bh := maxC-minC+1, maxR-minR+1
	mask := make([]bool, bw*bh)
	for _, p := range pixels {
		c, r := g.ColRow(p)
		mask[(r-minR)*bw+(c-minC)] = true
	}
	in := func(c, r int) bool {
		return c >= 0 && r >= 0 && c < bw && r < bh && mask[r*bw+c]
	}

	// vertices are local pixel corners (x = col, y = -row)
	vw := bw + 1
	vid := func(x, y int) int { return -y*vw + x }
	out := make([][4]bool, vw*(bh+1))
	used := make([][4]bool, vw*(bh+1))
	add := func(x, y, dir int) { out[vid(x, y)][dir] = true }
	for r := 0; r < bh; r++ {
		for c := 0; c < bw; c++ {
			if !mask[r*bw+c] {
				continue
			}
			if !in(c, r+1) {
				add(c, -(r + 1), edgeEast)
			}
			if !in(c+1, r) {
				add(c+1, -(r + 1), edgeNorth)
			}
			if !in(c, r-1) {
				add(c+1, -r, edgeWest)
			}
			if !in(c-1, r) {
				add(c, -r, edgeSouth)
			}
		}
	}

	next := func(x, y, incoming int) int {
		o := out[vid(x, y)]
		for _, d := range [3]int{(incoming + 1) % 4, incoming, (incoming + 3) % 4} {
			if o[d] {
				return d
			}
		}
		return -1
	}

	var rings []ring
	for y := 0; y >= -bh; y-- {
		for x := 0; x <= bw; x++ {
			for d0 := 0; d0 < 4; d0++ {
				v0 := vid(x, y)
				if !out[v0][d0] || used[v0][d0] {
					continue
				}
				rg := ring{pts: [][2]int{{x, y}}}
				cx, cy, d := x, y, d0
				for {
					used[vid(cx, cy)][d] = true
					cx, cy = cx+edgeStep[d][0], cy+edgeStep[d][1]
					nd := next(cx, cy, d)
					if nd != d {
						rg.pts = append(rg.pts, [2]int{cx, cy})
					}
					if (cx == x && cy == y && nd == d0) || nd < 0 {
						break
					}
					d = nd
				}
				// scan order reaches every ring at a corner, so the start
				// vertex is kept
				if last := rg.pts[len(rg.pts)-1]; last != rg.pts[0] {
					rg.pts = append(rg.pts, rg.pts[0])
				}
				rg.area = signedArea(rg.pts)
				rings = append(rings, rg)
			}
		}
	}

	gt := g.GeoTransform
	flip := gt[1]*gt[5]-gt[2]*gt[4] > 0
	toMap := func(rg ring) orb.Ring {
		pts := make(orb.Ring, len(rg.pts))
		for i, p := range rg.pts {
			mx, my := g.PixelCorner(p[0]+minC, -p[1]+minR)
			pts[i] = orb.Point{mx, my}
		}
		if flip {
			for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
				pts[i], pts[j] = pts[j], pts[i]
			}
		}
		return pts
	}

	var polys orb.MultiPolygon
	var outerLocal []ring
	for _, rg := range rings {
		if rg.area > 0 {
			polys = append(polys, orb.Polygon{toMap(rg)})
			outerLocal = append(outerLocal, rg)
		}
	}
	for _, rg := range rings {
		if rg.area >= 0 {
			continue
		}
		// a point just inside the hole's first edge, on the polygon side
		a, b := rg.pts[0], rg.pts[1]
		probe := orb.Point{float64(a[0]+b[0]) / 2, float64(a[1]+b[1]) / 2}
		best := -1
		for i, o := range outerLocal {
			if planar.RingContains(localRing(o), probe) {
				if best < 0 || o.area < outerLocal[best].area {
					best = i
				}
			}
		}
		if best >= 0 {
			polys[best] = append(polys[best], toMap(rg))
		}
	}
	return polys
}

func localRing(rg ring) orb.Ring {
	out := make(orb.Ring, len(rg.pts))
	for i, p := range rg.pts {
		out[i] = orb.Point{float64(p[0]), float64(p[1])}
	}
	return out
}

func signedArea(pts [][2]int) int {
	a := 0
	for i := 0; i+1 < len(pts); i++ {
		a += pts[i][0]*pts[i+1][1] - pts[i+1][0]*pts[i][1]
	}
	return a
}
