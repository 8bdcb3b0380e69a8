// Package routing provides the hydrological routing primitives the pipeline
// invokes: pit filling, D8 and MFD flow direction, flow accumulation,
// slope, stream thresholding and distance to channel.
//
// The pipeline depends on the Router interface only. FileRouter is the
// default implementation; it reads and writes GeoTIFFs through the raster
// package, and every primitive is also exposed as a pure function over
// in-memory grids.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Router computes routing rasters from files to files. Implementations
// must write each target atomically and must not modify their inputs.
type Router interface {
	FillPits(ctx context.Context, dem raster.BandRef, target string) error
	FlowDirection(ctx context.Context, filled, target string, alg core.Algorithm) error
	FlowAccumulation(ctx context.Context, flowDir, target string, alg core.Algorithm) error
	Slope(ctx context.Context, dem raster.BandRef, target string) error
	ThresholdStreams(ctx context.Context, flowAccum, flowDir, target string, alg core.Algorithm, tfa int) error
	DistanceToChannel(ctx context.Context, flowDir, streams, target string, alg core.Algorithm) error
}

// FileRouter implements Router over GeoTIFF files.
type FileRouter struct {
	logger *slog.Logger
}

var _ Router = (*FileRouter)(nil)

// NewFileRouter creates a FileRouter. A nil logger discards output.
func NewFileRouter(logger *slog.Logger) *FileRouter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileRouter{logger: logger}
}

func (r *FileRouter) done(op, target string, start time.Time) {
	r.logger.Debug("raster written", "op", op, "target", target, "duration", time.Since(start))
}

// FillPits writes a copy of the DEM band with every depression filled.
func (r *FileRouter) FillPits(ctx context.Context, dem raster.BandRef, target string) error {
	start := time.Now()
	g, err := raster.Read(dem)
	if err != nil {
		return fmt.Errorf("read dem: %w", err)
	}
	filled, err := FillGrid(ctx, g)
	if err != nil {
		return err
	}
	if err := raster.Write(target, filled); err != nil {
		return err
	}
	r.done("fill_pits", target, start)
	return nil
}

// FlowDirection writes a D8 (uint8) or MFD (packed int32) direction raster.
func (r *FileRouter) FlowDirection(ctx context.Context, filled, target string, alg core.Algorithm) error {
	start := time.Now()
	g, err := raster.Read(raster.Ref(filled))
	if err != nil {
		return fmt.Errorf("read filled dem: %w", err)
	}
	var out *raster.Grid
	switch alg {
	case core.AlgorithmD8:
		out, err = D8Grid(ctx, g)
	case core.AlgorithmMFD:
		out, err = MFDGrid(ctx, g)
	default:
		return fmt.Errorf("unknown routing algorithm %q", alg)
	}
	if err != nil {
		return err
	}
	if err := raster.Write(target, out); err != nil {
		return err
	}
	r.done("flow_direction", target, start)
	return nil
}

// FlowAccumulation writes the upstream pixel count of every pixel.
func (r *FileRouter) FlowAccumulation(ctx context.Context, flowDir, target string, alg core.Algorithm) error {
	start := time.Now()
	g, err := raster.Read(raster.Ref(flowDir))
	if err != nil {
		return fmt.Errorf("read flow direction: %w", err)
	}
	var out *raster.Grid
	switch alg {
	case core.AlgorithmD8:
		out, err = AccumulateD8(ctx, g)
	case core.AlgorithmMFD:
		out, err = AccumulateMFD(ctx, g)
	default:
		return fmt.Errorf("unknown routing algorithm %q", alg)
	}
	if err != nil {
		return err
	}
	if err := raster.Write(target, out); err != nil {
		return err
	}
	r.done("flow_accumulation", target, start)
	return nil
}

// Slope writes percent slope of the DEM band.
func (r *FileRouter) Slope(ctx context.Context, dem raster.BandRef, target string) error {
	start := time.Now()
	g, err := raster.Read(dem)
	if err != nil {
		return fmt.Errorf("read dem: %w", err)
	}
	out, err := SlopeGrid(ctx, g)
	if err != nil {
		return err
	}
	if err := raster.Write(target, out); err != nil {
		return err
	}
	r.done("slope", target, start)
	return nil
}

// ThresholdStreams writes a stream raster for one threshold.
func (r *FileRouter) ThresholdStreams(ctx context.Context, flowAccum, flowDir, target string, alg core.Algorithm, tfa int) error {
	start := time.Now()
	acc, err := raster.Read(raster.Ref(flowAccum))
	if err != nil {
		return fmt.Errorf("read flow accumulation: %w", err)
	}
	dirs, err := raster.Read(raster.Ref(flowDir))
	if err != nil {
		return fmt.Errorf("read flow direction: %w", err)
	}
	out, err := StreamGrid(ctx, acc, dirs, alg, tfa)
	if err != nil {
		return err
	}
	if err := raster.Write(target, out); err != nil {
		return err
	}
	r.done("threshold_streams", target, start)
	return nil
}

// DistanceToChannel writes the downslope distance to the stream network.
func (r *FileRouter) DistanceToChannel(ctx context.Context, flowDir, streams, target string, alg core.Algorithm) error {
	start := time.Now()
	dirs, err := raster.Read(raster.Ref(flowDir))
	if err != nil {
		return fmt.Errorf("read flow direction: %w", err)
	}
	st, err := raster.Read(raster.Ref(streams))
	if err != nil {
		return fmt.Errorf("read streams: %w", err)
	}
	var out *raster.Grid
	switch alg {
	case core.AlgorithmD8:
		out, err = DistanceD8(ctx, dirs, st)
	case core.AlgorithmMFD:
		out, err = DistanceMFD(ctx, dirs, st)
	default:
		return fmt.Errorf("unknown routing algorithm %q", alg)
	}
	if err != nil {
		return err
	}
	if err := raster.Write(target, out); err != nil {
		return err
	}
	r.done("distance_to_channel", target, start)
	return nil
}
