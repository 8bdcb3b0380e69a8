package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/output"
	"github.com/megannissel/invest-routedem-tfa-range/internal/pipeline"
)

// ErrInvalidOptions is returned by validate when any issue was found.
var ErrInvalidOptions = errors.New("invalid options")

type validationIssue struct {
	Keys    []string `json:"keys"`
	Message string   `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check options without computing anything",
		Long: `Validate the configured options and report every invalid key.

The DEM is opened to check that it is a readable raster with the requested
band, the TFA range is parsed, and stream order and subwatershed requests
are checked against the routing algorithm.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd)
		},
	}
}

func runValidate(cmd *cobra.Command) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	issues := pipeline.Validate(cc.Cfg.Options())
	if err := cc.Cfg.Validate(); err != nil {
		issues = append(issues, pipeline.Issue{Keys: []string{"config"}, Message: err.Error()})
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		out := make([]validationIssue, len(issues))
		for i, is := range issues {
			out[i] = validationIssue{Keys: is.Keys, Message: is.Message}
		}
		if err := r.JSON(map[string]any{"valid": len(issues) == 0, "issues": out}); err != nil {
			return err
		}
	} else if len(issues) == 0 {
		r.StatusLine("valid", "all options are valid")
	} else {
		r.Header("Validation")
		rows := make([][]string, len(issues))
		for i, is := range issues {
			rows[i] = []string{strings.Join(is.Keys, ", "), is.Message}
		}
		r.Table([]string{"Keys", "Message"}, rows)
	}

	if len(issues) > 0 {
		return fmt.Errorf("%w: %d issue(s)", ErrInvalidOptions, len(issues))
	}
	return nil
}
