package routing

import (
	"math"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
)

// D8 flow direction encoding. Directions count counter-clockwise from east.
const (
	East = iota
	NorthEast
	North
	NorthWest
	West
	SouthWest
	South
	SouthEast
)

// Nodata values of the rasters the router writes.
const (
	D8Nodata           = 255
	MFDNodata          = 0
	AccumulationNodata = -1
	SlopeNodata        = -9999
	StreamNodata       = 255
	DistanceNodata     = -1
)

// Column and row offsets indexed by direction.
var (
	dCol = [8]int{1, 1, 0, -1, -1, -1, 0, 1}
	dRow = [8]int{0, -1, -1, -1, 0, 1, 1, 1}
)

// Offset returns the column and row step of a D8 direction.
func Offset(dir int) (dc, dr int) {
	return dCol[dir], dRow[dir]
}

// StepLength is the pixel-unit length of one step in direction dir.
func StepLength(dir int) float64 {
	if dir%2 == 1 {
		return math.Sqrt2
	}
	return 1
}

// Reverse returns the direction pointing back along dir.
func Reverse(dir int) int {
	return (dir + 4) % 8
}

// ValidD8 reports whether v is a D8 direction code.
func ValidD8(v float64) bool {
	return v >= 0 && v <= 7 && v == math.Trunc(v)
}

// Downstream returns the pixel that pixel i drains to under a D8 grid.
// ok is false when i is nodata or drains off the grid.
func Downstream(dirs *raster.Grid, i int) (int, bool) {
	v := dirs.Data[i]
	if dirs.IsNoData(v) || !ValidD8(v) {
		return 0, false
	}
	col, row := dirs.ColRow(i)
	d := int(v)
	nc, nr := col+dCol[d], row+dRow[d]
	if !dirs.InBounds(nc, nr) {
		return 0, false
	}
	return dirs.Index(nc, nr), true
}

// Upstream calls fn for each neighbour of pixel i whose D8 direction
// drains into i.
func Upstream(dirs *raster.Grid, i int, fn func(j int)) {
	col, row := dirs.ColRow(i)
	for d := 0; d < 8; d++ {
		nc, nr := col+dCol[d], row+dRow[d]
		if !dirs.InBounds(nc, nr) {
			continue
		}
		j := dirs.Index(nc, nr)
		v := dirs.Data[j]
		if dirs.IsNoData(v) || !ValidD8(v) {
			continue
		}
		if int(v) == Reverse(d) {
			fn(j)
		}
	}
}

// MFDWeight extracts the 4-bit flow weight towards direction dir from a
// packed MFD value.
func MFDWeight(v int32, dir int) int {
	return int(v>>(4*dir)) & 0xF
}

// PackMFD packs eight 4-bit weights into one MFD value.
func PackMFD(weights [8]int) int32 {
	var v int32
	for d, w := range weights {
		v |= int32(w&0xF) << (4 * d)
	}
	return v
}
