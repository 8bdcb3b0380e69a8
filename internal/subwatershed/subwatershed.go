// Package subwatershed delineates one drainage area per stream segment of
// a Strahler stream order layer.
//
// Segments are read back from the stream order GeoPackage rather than from
// memory, so a cached stream layer from an earlier run can be reused.
package subwatershed

import (
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/orb"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/internal/routing"
	"github.com/megannissel/invest-routedem-tfa-range/internal/streamorder"
	"github.com/megannissel/invest-routedem-tfa-range/internal/vector"
)

// Fields of the subwatershed layer, in column order.
var Fields = []vector.Field{
	{Name: "stream_id", Type: vector.Integer},
	{Name: "terminated_early", Type: vector.Integer},
	{Name: "outlet_x", Type: vector.Integer},
	{Name: "outlet_y", Type: vector.Integer},
}

// Segment is the part of a stream order feature the delineation needs.
type Segment struct {
	StreamID int64
	Outlet   bool
	UsFA     float64
	UsX, UsY int
	DsX, DsY int
	Ds1X     int
	Ds1Y     int
}

// OutletPixel returns the pixel where the segment's own drainage area
// ends: the last pixel for outlets, the pixel above the junction
// otherwise.
func (s Segment) OutletPixel() (col, row int) {
	if s.Outlet {
		return s.DsX, s.DsY
	}
	return s.Ds1X, s.Ds1Y
}

// Subwatershed is the area draining directly into one segment.
type Subwatershed struct {
	StreamID        int64
	TerminatedEarly bool
	OutletX         int
	OutletY         int
	Pixels          []int
}

// Options bounds the delineation.
type Options struct {
	// MaxTracePixels caps the upstream trace of one segment; zero means the
	// grid's pixel count.
	MaxTracePixels int
}

// SegmentsFromLayer reads delineation inputs from a stream order layer.
func SegmentsFromLayer(layer *vector.Layer) []Segment {
	segs := make([]Segment, 0, len(layer.Features))
	for i := range layer.Features {
		f := &layer.Features[i]
		segs = append(segs, Segment{
			StreamID: f.ID,
			Outlet:   f.Int("outlet") != 0,
			UsFA:     f.Float("us_fa"),
			UsX:      int(f.Int("us_x")),
			UsY:      int(f.Int("us_y")),
			DsX:      int(f.Int("ds_x")),
			DsY:      int(f.Int("ds_y")),
			Ds1X:     int(f.Int("ds_x_1")),
			Ds1Y:     int(f.Int("ds_y_1")),
		})
	}
	return segs
}

// Delineate assigns every pixel that drains to a segment to exactly one
// subwatershed. Segments are processed from the smallest upstream
// accumulation up, so tributaries claim their areas before the reaches
// they feed.
func Delineate(ctx context.Context, dirs *raster.Grid, segs []Segment, opts Options) ([]Subwatershed, error) {
	limit := opts.MaxTracePixels
	if limit <= 0 {
		limit = dirs.Len()
	}
	order := make([]int, len(segs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return segs[order[a]].UsFA < segs[order[b]].UsFA
	})

	claimed := make([]bool, dirs.Len())
	out := make([]Subwatershed, len(segs))
	for _, si := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seg := segs[si]
		sw := Subwatershed{StreamID: seg.StreamID}
		sw.OutletX, sw.OutletY = seg.OutletPixel()

		if !dirs.InBounds(seg.UsX, seg.UsY) {
			return nil, fmt.Errorf("stream %d starts outside the grid at (%d, %d)", seg.StreamID, seg.UsX, seg.UsY)
		}

		// walk the segment's own pixels down to its outlet pixel
		cur := dirs.Index(seg.UsX, seg.UsY)
		target := -1
		if dirs.InBounds(sw.OutletX, sw.OutletY) {
			target = dirs.Index(sw.OutletX, sw.OutletY)
		}
		for steps := 0; ; steps++ {
			if !claimed[cur] {
				claimed[cur] = true
				sw.Pixels = append(sw.Pixels, cur)
			}
			if cur == target {
				break
			}
			if steps >= dirs.Len() {
				sw.TerminatedEarly = true
				break
			}
			next, ok := routing.Downstream(dirs, cur)
			if !ok {
				sw.TerminatedEarly = true
				break
			}
			cur = next
		}

		// then everything unclaimed that drains into them
		traced := 0
		for head := 0; head < len(sw.Pixels) && !sw.TerminatedEarly; head++ {
			routing.Upstream(dirs, sw.Pixels[head], func(j int) {
				if claimed[j] || sw.TerminatedEarly {
					return
				}
				if traced >= limit {
					sw.TerminatedEarly = true
					return
				}
				claimed[j] = true
				traced++
				sw.Pixels = append(sw.Pixels, j)
			})
		}
		out[si] = sw
	}
	return out, nil
}

// Layer converts subwatersheds to a MultiPolygon layer.
func Layer(name string, dirs *raster.Grid, sws []Subwatershed) *vector.Layer {
	layer := &vector.Layer{
		Name:         name,
		GeometryType: "MULTIPOLYGON",
		EPSG:         dirs.EPSG,
		Fields:       Fields,
		Features:     make([]vector.Feature, 0, len(sws)),
	}
	for _, sw := range sws {
		geom := Polygonize(dirs, sw.Pixels)
		if geom == nil {
			geom = orb.MultiPolygon{}
		}
		terminated := 0
		if sw.TerminatedEarly {
			terminated = 1
		}
		layer.Features = append(layer.Features, vector.Feature{
			Geometry: geom,
			Properties: map[string]any{
				"stream_id":        sw.StreamID,
				"terminated_early": terminated,
				"outlet_x":         sw.OutletX,
				"outlet_y":         sw.OutletY,
			},
		})
	}
	return layer
}

// Extract delineates subwatersheds for the stream order GeoPackage at
// streams and writes them to target.
func Extract(ctx context.Context, flowDir, streams, target string, opts Options) ([]Subwatershed, error) {
	dirs, err := raster.Read(raster.Ref(flowDir))
	if err != nil {
		return nil, fmt.Errorf("read flow direction: %w", err)
	}
	layer, err := vector.Read(ctx, streams)
	if err != nil {
		return nil, fmt.Errorf("read stream order layer: %w", err)
	}
	sws, err := Delineate(ctx, dirs, SegmentsFromLayer(layer), opts)
	if err != nil {
		return nil, err
	}
	if err := vector.Write(ctx, target, Layer(streamorder.LayerName(target), dirs, sws)); err != nil {
		return nil, err
	}
	return sws, nil
}
