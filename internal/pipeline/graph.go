package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/megannissel/invest-routedem-tfa-range/internal/dag"
	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/internal/routing"
	"github.com/megannissel/invest-routedem-tfa-range/internal/streamorder"
	"github.com/megannissel/invest-routedem-tfa-range/internal/subwatershed"
	"github.com/megannissel/invest-routedem-tfa-range/internal/tfa"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Task stages.
const (
	StageFillPits          = "fill_pits"
	StageFlowDirection     = "flow_direction"
	StageFlowAccumulation  = "flow_accumulation"
	StageSlope             = "slope"
	StageHydrology         = "hydrology"
	StageStreamThreshold   = "stream_threshold"
	StageStreamOrder       = "stream_order"
	StageSubwatersheds     = "subwatersheds"
	StageDownslopeDistance = "downslope_distance"
)

// HydrologyKey is the barrier every threshold branch waits on.
const HydrologyKey = StageHydrology

// Plan is the task graph of one run together with the artifacts it
// produces.
type Plan struct {
	Options  Options
	TFAs     []int
	Registry Registry
	Graph    *dag.Graph[*engine.Task]

	artifacts []plannedArtifact
}

type plannedArtifact struct {
	artifact  core.Artifact
	requested bool
}

// Artifacts returns the requested artifacts, shared ones first and then
// per TFA value in ascending order.
func (p *Plan) Artifacts() []core.Artifact {
	var out []core.Artifact
	for _, a := range p.artifacts {
		if a.requested {
			out = append(out, a.artifact)
		}
	}
	return out
}

// builder adds tasks to a graph. Adding a task whose key already exists
// returns the existing node, so shared stages requested by every branch
// exist once.
type builder struct {
	opts   Options
	reg    Registry
	router routing.Router
	g      *dag.Graph[*engine.Task]
	plan   *Plan
}

func (b *builder) add(t *engine.Task, parents ...dag.Handle) dag.Handle {
	h, added := b.g.AddNode(t.Key, t)
	if !added {
		return h
	}
	for _, p := range parents {
		// both handles were just returned by AddNode
		_ = b.g.AddEdge(p, h)
	}
	return h
}

func (b *builder) artifact(id string, tfaValue int, task string, requested bool) {
	b.plan.artifacts = append(b.plan.artifacts, plannedArtifact{
		artifact: core.Artifact{
			ID:   id,
			TFA:  tfaValue,
			Path: b.reg.Path(id, tfaValue),
			Task: task,
		},
		requested: requested,
	})
}

func (b *builder) alg() core.Algorithm {
	return b.opts.Algorithm
}

func (b *builder) fillPits() dag.Handle {
	dem := raster.BandRef{Path: b.opts.DEMPath, Band: b.opts.Band()}
	target := b.reg.Path(IDFilled, 0)
	return b.add(&engine.Task{
		Key:     StageFillPits,
		Stage:   StageFillPits,
		Inputs:  []string{dem.Path},
		Outputs: []string{target},
		Params:  "band=" + strconv.Itoa(dem.Band),
		Run: func(ctx context.Context) error {
			return b.router.FillPits(ctx, dem, target)
		},
	})
}

func (b *builder) flowDirection() dag.Handle {
	fill := b.fillPits()
	filled := b.reg.Path(IDFilled, 0)
	target := b.reg.Path(IDFlowDirection, 0)
	alg := b.alg()
	return b.add(&engine.Task{
		Key:     StageFlowDirection + "_" + alg.String(),
		Stage:   StageFlowDirection,
		Inputs:  []string{filled},
		Outputs: []string{target},
		Run: func(ctx context.Context) error {
			return b.router.FlowDirection(ctx, filled, target, alg)
		},
	}, fill)
}

func (b *builder) flowAccumulation() dag.Handle {
	dir := b.flowDirection()
	flowDir := b.reg.Path(IDFlowDirection, 0)
	target := b.reg.Path(IDFlowAccumulation, 0)
	alg := b.alg()
	return b.add(&engine.Task{
		Key:     StageFlowAccumulation + "_" + alg.String(),
		Stage:   StageFlowAccumulation,
		Inputs:  []string{flowDir},
		Outputs: []string{target},
		Run: func(ctx context.Context) error {
			return b.router.FlowAccumulation(ctx, flowDir, target, alg)
		},
	}, dir)
}

func (b *builder) slope() dag.Handle {
	fill := b.fillPits()
	filled := b.reg.Path(IDFilled, 0)
	target := b.reg.Path(IDSlope, 0)
	return b.add(&engine.Task{
		Key:     StageSlope,
		Stage:   StageSlope,
		Inputs:  []string{filled},
		Outputs: []string{target},
		Run: func(ctx context.Context) error {
			return b.router.Slope(ctx, raster.Ref(filled), target)
		},
	}, fill)
}

// hydrology is the barrier between the shared stage and the branches.
func (b *builder) hydrology() dag.Handle {
	parents := []dag.Handle{b.fillPits(), b.flowDirection(), b.flowAccumulation()}
	if b.opts.CalculateSlope {
		parents = append(parents, b.slope())
	}
	return b.add(&engine.Task{Key: HydrologyKey, Stage: StageHydrology}, parents...)
}

func (b *builder) streams(t int) dag.Handle {
	barrier := b.hydrology()
	flowAccum := b.reg.Path(IDFlowAccumulation, 0)
	flowDir := b.reg.Path(IDFlowDirection, 0)
	target := b.reg.Path(IDStream, t)
	alg := b.alg()
	return b.add(&engine.Task{
		Key:     fmt.Sprintf("%s_%s_%d", StageStreamThreshold, alg, t),
		Stage:   StageStreamThreshold,
		TFA:     t,
		Inputs:  []string{flowAccum, flowDir},
		Outputs: []string{target},
		Params:  "tfa=" + strconv.Itoa(t),
		Run: func(ctx context.Context) error {
			return b.router.ThresholdStreams(ctx, flowAccum, flowDir, target, alg, t)
		},
	}, barrier)
}

// streamOrder re-thresholds flow accumulation while it walks the network,
// so it never reads the stream raster. The edge from the threshold task only
// keeps a failed threshold from producing a stream order for that value.
func (b *builder) streamOrder(t int) dag.Handle {
	stream := b.streams(t)
	flowDir := b.reg.Path(IDFlowDirection, 0)
	flowAccum := b.reg.Path(IDFlowAccumulation, 0)
	filled := b.reg.Path(IDFilled, 0)
	target := b.reg.Path(IDStreamOrder, t)
	return b.add(&engine.Task{
		Key:     fmt.Sprintf("%s_d8_%d", StageStreamOrder, t),
		Stage:   StageStreamOrder,
		TFA:     t,
		Inputs:  []string{flowDir, flowAccum, filled},
		Outputs: []string{target},
		Params:  "tfa=" + strconv.Itoa(t),
		Run: func(ctx context.Context) error {
			_, err := streamorder.Extract(ctx, flowDir, flowAccum, filled, target, t)
			return err
		},
	}, stream)
}

func (b *builder) subwatersheds(t int) dag.Handle {
	order := b.streamOrder(t)
	flowDir := b.reg.Path(IDFlowDirection, 0)
	streams := b.reg.Path(IDStreamOrder, t)
	target := b.reg.Path(IDSubwatersheds, t)
	opts := subwatershed.Options{MaxTracePixels: b.opts.MaxTracePixels}
	return b.add(&engine.Task{
		Key:     fmt.Sprintf("%s_d8_%d", StageSubwatersheds, t),
		Stage:   StageSubwatersheds,
		TFA:     t,
		Inputs:  []string{flowDir, streams},
		Outputs: []string{target},
		Params:  "max_trace_pixels=" + strconv.Itoa(opts.MaxTracePixels),
		Run: func(ctx context.Context) error {
			_, err := subwatershed.Extract(ctx, flowDir, streams, target, opts)
			return err
		},
	}, order)
}

func (b *builder) downslopeDistance(t int) dag.Handle {
	stream := b.streams(t)
	flowDir := b.reg.Path(IDFlowDirection, 0)
	streams := b.reg.Path(IDStream, t)
	target := b.reg.Path(IDDownslopeDistance, t)
	alg := b.alg()
	return b.add(&engine.Task{
		Key:     fmt.Sprintf("%s_%s_%d", StageDownslopeDistance, alg, t),
		Stage:   StageDownslopeDistance,
		TFA:     t,
		Inputs:  []string{flowDir, streams},
		Outputs: []string{target},
		Run: func(ctx context.Context) error {
			return b.router.DistanceToChannel(ctx, flowDir, streams, target, alg)
		},
	}, stream)
}

// buildPlan validates opts and lays out the task graph: the shared stage
// once, then one branch per TFA value.
func buildPlan(opts Options, router routing.Router) (*Plan, error) {
	if err := Check(opts); err != nil {
		return nil, err
	}
	values, err := tfa.Parse(opts.TFARange)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry(opts.WorkspaceDir, opts.ResultsSuffix)
	plan := &Plan{Options: opts, TFAs: values, Registry: reg, Graph: dag.NewGraph[*engine.Task]()}
	b := &builder{opts: opts, reg: reg, router: router, g: plan.Graph, plan: plan}

	b.artifact(IDFilled, 0, StageFillPits, true)
	b.artifact(IDFlowDirection, 0, StageFlowDirection+"_"+opts.Algorithm.String(), true)
	b.artifact(IDFlowAccumulation, 0, StageFlowAccumulation+"_"+opts.Algorithm.String(), true)
	if opts.CalculateSlope {
		b.artifact(IDSlope, 0, StageSlope, true)
	}
	b.hydrology()

	for _, t := range values {
		b.artifact(IDStream, t, b.g.Key(b.streams(t)), true)
		if opts.StreamOrderNeeded() {
			b.artifact(IDStreamOrder, t, b.g.Key(b.streamOrder(t)), opts.CalculateStreamOrder)
		}
		if opts.CalculateSubwatersheds {
			b.artifact(IDSubwatersheds, t, b.g.Key(b.subwatersheds(t)), true)
		}
		if opts.CalculateDownslopeDistance {
			b.artifact(IDDownslopeDistance, t, b.g.Key(b.downslopeDistance(t)), true)
		}
	}
	return plan, nil
}
