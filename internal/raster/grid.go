// Package raster holds single-band grids in memory and reads/writes them as
// GeoTIFF files. It covers the subset of TIFF needed for DEM processing:
// strips or tiles, chunky or planar bands, no/deflate/LZW compression.
package raster

import (
	"fmt"
	"math"
)

// DataType is the on-disk sample type of a raster band.
type DataType int

// Supported sample types.
const (
	Uint8 DataType = iota + 1
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

// Size returns the sample size in bytes.
func (t DataType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// String returns a GDAL-style type name.
func (t DataType) String() string {
	switch t {
	case Uint8:
		return "Byte"
	case Int16:
		return "Int16"
	case Uint16:
		return "UInt16"
	case Int32:
		return "Int32"
	case Uint32:
		return "UInt32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// BandRef names one band of a raster file. Bands are 1-based.
type BandRef struct {
	Path string
	Band int
}

// Ref returns a reference to band 1 of path.
func Ref(path string) BandRef {
	return BandRef{Path: path, Band: 1}
}

// Grid is a single raster band held in memory as float64 samples in
// row-major order. The georeferencing follows the GDAL geotransform
// convention.
type Grid struct {
	Width        int
	Height       int
	GeoTransform [6]float64
	EPSG         int
	Type         DataType
	NoData       float64
	HasNoData    bool
	Data         []float64
}

// New creates a grid filled with zeros.
func New(width, height int, dt DataType) *Grid {
	return &Grid{
		Width:        width,
		Height:       height,
		GeoTransform: [6]float64{0, 1, 0, 0, 0, -1},
		Type:         dt,
		Data:         make([]float64, width*height),
	}
}

// NewLike creates a grid with the same shape and georeferencing as ref,
// every pixel set to nodata.
func NewLike(ref *Grid, dt DataType, nodata float64) *Grid {
	g := &Grid{
		Width:        ref.Width,
		Height:       ref.Height,
		GeoTransform: ref.GeoTransform,
		EPSG:         ref.EPSG,
		Type:         dt,
		NoData:       nodata,
		HasNoData:    true,
		Data:         make([]float64, len(ref.Data)),
	}
	g.Fill(nodata)
	return g
}

// Fill sets every pixel to v.
func (g *Grid) Fill(v float64) {
	for i := range g.Data {
		g.Data[i] = v
	}
}

// Len returns the number of pixels.
func (g *Grid) Len() int {
	return g.Width * g.Height
}

// Index converts a column/row pair to a flat index.
func (g *Grid) Index(col, row int) int {
	return row*g.Width + col
}

// ColRow converts a flat index to a column/row pair.
func (g *Grid) ColRow(i int) (col, row int) {
	return i % g.Width, i / g.Width
}

// InBounds reports whether col/row lies inside the grid.
func (g *Grid) InBounds(col, row int) bool {
	return col >= 0 && row >= 0 && col < g.Width && row < g.Height
}

// At returns the value at col/row.
func (g *Grid) At(col, row int) float64 {
	return g.Data[row*g.Width+col]
}

// Set stores v at col/row.
func (g *Grid) Set(col, row int, v float64) {
	g.Data[row*g.Width+col] = v
}

// IsNoData reports whether v is this grid's nodata value. NaN samples are
// always treated as nodata.
func (g *Grid) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return g.HasNoData && v == g.NoData
}

// Valid reports whether the pixel at flat index i holds data.
func (g *Grid) Valid(i int) bool {
	return !g.IsNoData(g.Data[i])
}

// PixelCenter returns the map coordinates of the centre of col/row.
func (g *Grid) PixelCenter(col, row int) (x, y float64) {
	gt := g.GeoTransform
	fc, fr := float64(col)+0.5, float64(row)+0.5
	return gt[0] + fc*gt[1] + fr*gt[2], gt[3] + fc*gt[4] + fr*gt[5]
}

// PixelCorner returns the map coordinates of the upper-left corner of
// col/row. Columns and rows may be one past the grid edge.
func (g *Grid) PixelCorner(col, row int) (x, y float64) {
	gt := g.GeoTransform
	fc, fr := float64(col), float64(row)
	return gt[0] + fc*gt[1] + fr*gt[2], gt[3] + fc*gt[4] + fr*gt[5]
}

// SameShape reports whether o covers exactly the same pixels as g.
func (g *Grid) SameShape(o *Grid) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// Clone returns a deep copy of g.
func (g *Grid) Clone() *Grid {
	c := *g
	c.Data = make([]float64, len(g.Data))
	copy(c.Data, g.Data)
	return &c
}
