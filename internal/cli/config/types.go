// Package config loads routedem-tfa configuration.
//
// Values are layered, lowest to highest precedence: built-in defaults,
// routedem.yaml (found in the working directory or one of its parents),
// ROUTEDEM_* environment variables, then explicitly set flags.
package config

import (
	"runtime"

	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
	"github.com/megannissel/invest-routedem-tfa-range/internal/pipeline"
	"github.com/megannissel/invest-routedem-tfa-range/internal/publish"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Config holds all CLI configuration options.
type Config struct {
	// ProjectRoot is the directory relative paths from the config file and
	// defaults are resolved against.
	ProjectRoot string `koanf:"-"`

	WorkspaceDir               string         `koanf:"workspace_dir"`
	ResultsSuffix              string         `koanf:"results_suffix"`
	DEMPath                    string         `koanf:"dem_path"`
	DEMBandIndex               int            `koanf:"dem_band_index"`
	RoutingAlgorithm           core.Algorithm `koanf:"routing_algorithm"`
	TFARange                   string         `koanf:"tfa_range"`
	CalculateSlope             bool           `koanf:"calculate_slope"`
	CalculateStreamOrder       bool           `koanf:"calculate_stream_order"`
	CalculateSubwatersheds     bool           `koanf:"calculate_subwatersheds"`
	CalculateDownslopeDistance bool           `koanf:"calculate_downslope_distance"`
	MaxTracePixels             int            `koanf:"max_trace_pixels"`

	Workers      int            `koanf:"n_workers" validate:"gte=-1"`
	CachePolicy  string         `koanf:"cache_policy" validate:"omitempty,oneof=reuse recompute"`
	StatePath    string         `koanf:"state_path"`
	Verbose      bool           `koanf:"verbose"`
	OutputFormat string         `koanf:"output" validate:"omitempty,oneof=auto text markdown md json"`
	Publish      publish.Config `koanf:"publish" validate:"-"`
}

// Default configuration values.
const (
	DefaultAlgorithm   = core.AlgorithmD8
	DefaultCachePolicy = string(engine.CacheReuse)
	DefaultOutput      = "auto" // Auto-detect: TTY=text, non-TTY=markdown
)

// Config file names, in lookup order.
var configFileNames = []string{"routedem.yaml", "routedem.yml"}

// Options returns the run options described by the configuration.
func (c *Config) Options() pipeline.Options {
	return pipeline.Options{
		WorkspaceDir:               c.WorkspaceDir,
		ResultsSuffix:              c.ResultsSuffix,
		DEMPath:                    c.DEMPath,
		DEMBand:                    c.DEMBandIndex,
		Algorithm:                  c.RoutingAlgorithm,
		TFARange:                   c.TFARange,
		CalculateSlope:             c.CalculateSlope,
		CalculateStreamOrder:       c.CalculateStreamOrder,
		CalculateSubwatersheds:     c.CalculateSubwatersheds,
		CalculateDownslopeDistance: c.CalculateDownslopeDistance,
		MaxTracePixels:             c.MaxTracePixels,
	}
}

// EngineWorkers maps n_workers onto a worker pool size: -1 runs tasks one
// at a time and 0 uses every CPU.
func (c *Config) EngineWorkers() int {
	switch {
	case c.Workers < 0:
		return 1
	case c.Workers == 0:
		return runtime.NumCPU()
	}
	return c.Workers
}
