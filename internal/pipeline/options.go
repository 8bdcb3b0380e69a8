package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/internal/tfa"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Options describe one run. Field tags name the configuration keys.
type Options struct {
	WorkspaceDir               string         `json:"workspace_dir" key:"workspace_dir" validate:"required"`
	ResultsSuffix              string         `json:"results_suffix,omitempty" key:"results_suffix"`
	DEMPath                    string         `json:"dem_path" key:"dem_path" validate:"required"`
	DEMBand                    int            `json:"dem_band_index,omitempty" key:"dem_band_index" validate:"gte=0"`
	Algorithm                  core.Algorithm `json:"routing_algorithm" key:"routing_algorithm" validate:"required,oneof=d8 mfd"`
	TFARange                   string         `json:"tfa_range" key:"tfa_range" validate:"required"`
	CalculateSlope             bool           `json:"calculate_slope" key:"calculate_slope"`
	CalculateStreamOrder       bool           `json:"calculate_stream_order" key:"calculate_stream_order"`
	CalculateSubwatersheds     bool           `json:"calculate_subwatersheds" key:"calculate_subwatersheds"`
	CalculateDownslopeDistance bool           `json:"calculate_downslope_distance" key:"calculate_downslope_distance"`
	// MaxTracePixels caps each subwatershed's upstream trace; zero means
	// the DEM's pixel count.
	MaxTracePixels int `json:"max_trace_pixels,omitempty" key:"max_trace_pixels" validate:"gte=0"`
}

// Band returns the DEM band to read, defaulting to 1.
func (o Options) Band() int {
	if o.DEMBand <= 0 {
		return 1
	}
	return o.DEMBand
}

// StreamOrderNeeded reports whether the stream order vector is produced,
// either because it was requested or because subwatersheds consume it.
func (o Options) StreamOrderNeeded() bool {
	return o.CalculateStreamOrder || o.CalculateSubwatersheds
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("key")
	})
	return v
}

// Messages shown for invalid options.
const (
	MsgMissingValue     = "Key is required but has no value"
	MsgInvalidAlgorithm = "Value must be one of: d8, mfd"
	MsgNegative         = "Value must be zero or positive"
	MsgRequiresD8       = "Only available with the d8 routing algorithm"
	MsgInvalidRange     = "Value must be of the form start_value:stop_value:step_value"
	MsgEmptyRange       = "Provided range contains zero items"
)

// Validate checks opts without computing anything and returns every issue
// found. The DEM is opened to check it is a readable raster with the
// requested band.
func Validate(opts Options) []Issue {
	var issues []Issue

	if err := validate.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []Issue{{Keys: []string{"options"}, Message: err.Error(), Err: ErrConfiguration}}
		}
		for _, fe := range verrs {
			issues = append(issues, Issue{Keys: []string{fe.Field()}, Message: fieldMessage(fe), Err: ErrConfiguration})
		}
	}
	invalid := func(key string) bool {
		for _, is := range issues {
			for _, k := range is.Keys {
				if k == key {
					return true
				}
			}
		}
		return false
	}

	if !invalid("dem_path") {
		if h, err := raster.ReadHeader(opts.DEMPath); err != nil {
			issues = append(issues, Issue{
				Keys:    []string{"dem_path"},
				Message: fmt.Sprintf("File could not be opened as a GeoTIFF raster: %v", err),
				Err:     ErrConfiguration,
			})
		} else if !invalid("dem_band_index") && opts.Band() > h.Bands {
			issues = append(issues, Issue{
				Keys:    []string{"dem_band_index"},
				Message: fmt.Sprintf("Value must be between 1 and %d", h.Bands),
				Err:     ErrConfiguration,
			})
		}
	}

	if !invalid("tfa_range") {
		if _, err := tfa.Parse(opts.TFARange); err != nil {
			msg := MsgInvalidRange
			if errors.Is(err, tfa.ErrEmptyRange) {
				msg = MsgEmptyRange
			}
			issues = append(issues, Issue{Keys: []string{"tfa_range"}, Message: msg, Err: err})
		}
	}

	if !invalid("routing_algorithm") && !opts.Algorithm.SupportsStreamNetwork() {
		if opts.CalculateStreamOrder {
			issues = append(issues, Issue{
				Keys:    []string{"calculate_stream_order", "routing_algorithm"},
				Message: MsgRequiresD8,
				Err:     ErrConfiguration,
			})
		}
		if opts.CalculateSubwatersheds {
			issues = append(issues, Issue{
				Keys:    []string{"calculate_subwatersheds", "routing_algorithm"},
				Message: MsgRequiresD8,
				Err:     ErrConfiguration,
			})
		}
	}
	return issues
}

// Check validates opts and returns a *ValidationError when any issue is
// found.
func Check(opts Options) error {
	if issues := Validate(opts); len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return MsgMissingValue
	case "oneof":
		return MsgInvalidAlgorithm
	case "gte":
		return MsgNegative
	}
	return strings.TrimSpace(fe.Error())
}
