package streamorder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/internal/vector"
)

// Fields of the stream order layer, in column order.
var Fields = []vector.Field{
	{Name: "order", Type: vector.Integer},
	{Name: "river_id", Type: vector.Integer},
	{Name: "drop_distance", Type: vector.Real},
	{Name: "outlet", Type: vector.Integer},
	{Name: "us_fa", Type: vector.Real},
	{Name: "ds_fa", Type: vector.Real},
	{Name: "thresh_fa", Type: vector.Integer},
	{Name: "upstream_d8_dir", Type: vector.Integer},
	{Name: "ds_x", Type: vector.Integer},
	{Name: "ds_y", Type: vector.Integer},
	{Name: "ds_x_1", Type: vector.Integer},
	{Name: "ds_y_1", Type: vector.Integer},
	{Name: "us_x", Type: vector.Integer},
	{Name: "us_y", Type: vector.Integer},
}

// LayerName derives a layer name from an output path the way GDAL does.
func LayerName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Layer converts the network to a LineString layer. Feature i is segment
// i, so feature ids are segment index + 1 once written.
func (n *Network) Layer(name string) *vector.Layer {
	g := n.Grid
	layer := &vector.Layer{
		Name:         name,
		GeometryType: "LINESTRING",
		EPSG:         g.EPSG,
		Fields:       Fields,
		Features:     make([]vector.Feature, 0, len(n.Segments)),
	}
	for i := range n.Segments {
		s := &n.Segments[i]
		pix := s.Geometry()
		line := make(orb.LineString, 0, max(len(pix), 2))
		for _, p := range pix {
			x, y := g.PixelCenter(g.ColRow(p))
			line = append(line, orb.Point{x, y})
		}
		if len(line) == 1 {
			line = append(line, line[0])
		}

		dsX, dsY := g.ColRow(s.Downstream())
		ds1X, ds1Y := g.ColRow(s.DownstreamMinusOne())
		usX, usY := g.ColRow(s.Pixels[0])
		outlet := 0
		if s.Outlet() {
			outlet = 1
		}
		layer.Features = append(layer.Features, vector.Feature{
			Geometry: line,
			Properties: map[string]any{
				"order":           s.Order,
				"river_id":        s.RiverID,
				"drop_distance":   s.DropDistance,
				"outlet":          outlet,
				"us_fa":           s.UsFA,
				"ds_fa":           s.DsFA,
				"thresh_fa":       n.TFA,
				"upstream_d8_dir": s.UpstreamD8Dir,
				"ds_x":            dsX,
				"ds_y":            dsY,
				"ds_x_1":          ds1X,
				"ds_y_1":          ds1Y,
				"us_x":            usX,
				"us_y":            usY,
			},
		})
	}
	return layer
}

// Extract reads the routing rasters, builds the network for tfa and writes
// it as a GeoPackage at target. An empty network still produces a valid
// GeoPackage with no features.
func Extract(ctx context.Context, flowDir, flowAccum, filled, target string, tfa int) (*Network, error) {
	dirs, err := raster.Read(raster.Ref(flowDir))
	if err != nil {
		return nil, fmt.Errorf("read flow direction: %w", err)
	}
	acc, err := raster.Read(raster.Ref(flowAccum))
	if err != nil {
		return nil, fmt.Errorf("read flow accumulation: %w", err)
	}
	dem, err := raster.Read(raster.Ref(filled))
	if err != nil {
		return nil, fmt.Errorf("read filled dem: %w", err)
	}
	net, err := Build(ctx, dirs, acc, dem, tfa)
	if err != nil {
		return nil, err
	}
	if err := vector.Write(ctx, target, net.Layer(LayerName(target))); err != nil {
		return nil, err
	}
	return net, nil
}
