package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/megannissel/invest-routedem-tfa-range/internal/cli/output"
	"github.com/megannissel/invest-routedem-tfa-range/internal/engine"
)

// planLevel is one execution level of the JSON plan output.
type planLevel struct {
	Level int        `json:"level"`
	Tasks []planTask `json:"tasks"`
}

type planTask struct {
	Key     string   `json:"key"`
	Stage   string   `json:"stage"`
	TFA     int      `json:"tfa,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Parents []string `json:"parents,omitempty"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the task graph without running it",
		Long: `Display the tasks a run would execute, grouped by execution level.

Tasks on the same level have no dependencies on each other and may run in
parallel. The shared hydrology tasks appear once however many TFA values
are requested.`,
		Example: `  # Show the plan for the configured range
  routedem-tfa plan

  # Output as JSON
  routedem-tfa plan --output json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd)
		},
	}
}

func runPlan(cmd *cobra.Command) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	plan, err := cc.Pipeline(nil).Plan(cc.Cfg.Options())
	if err != nil {
		return err
	}
	levels, err := engine.Plan(plan.Graph)
	if err != nil {
		return err
	}

	out := make([]planLevel, len(levels))
	for i, lvl := range levels {
		out[i].Level = i
		for _, t := range lvl {
			h, _ := plan.Graph.Lookup(t.Key)
			pt := planTask{Key: t.Key, Stage: t.Stage, TFA: t.TFA, Outputs: t.Outputs}
			for _, p := range plan.Graph.Parents(h) {
				pt.Parents = append(pt.Parents, plan.Graph.Key(p))
			}
			out[i].Tasks = append(out[i].Tasks, pt)
		}
	}

	r := cc.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(map[string]any{
			"routing_algorithm": plan.Options.Algorithm,
			"tfa_values":        plan.TFAs,
			"tasks":             plan.Graph.Len(),
			"levels":            out,
		})
	}

	r.Header("RouteDEM plan")
	r.KeyValue("Algorithm", plan.Options.Algorithm.String())
	r.KeyValue("TFA values", joinInts(plan.TFAs))
	r.KeyValue("Tasks", strconv.Itoa(plan.Graph.Len()))
	r.Println()
	r.Table([]string{"Stage", "Tasks"}, stageCounts(out))
	r.Println()
	for _, lvl := range out {
		r.Header(fmt.Sprintf("Level %d", lvl.Level))
		for _, t := range lvl.Tasks {
			line := t.Key
			if len(t.Parents) > 0 {
				line += " " + r.Muted("<- "+strings.Join(t.Parents, ", "))
			}
			r.Println("  " + line)
		}
		r.Println()
	}
	return nil
}

// stageCounts returns one row per stage, in first-seen order, with the
// number of planned tasks of that stage.
func stageCounts(levels []planLevel) [][]string {
	titleCaser := cases.Title(language.English)
	counts := make(map[string]int)
	var order []string
	for _, lvl := range levels {
		for _, t := range lvl.Tasks {
			if counts[t.Stage] == 0 {
				order = append(order, t.Stage)
			}
			counts[t.Stage]++
		}
	}
	rows := make([][]string, len(order))
	for i, stage := range order {
		rows[i] = []string{titleCaser.String(strings.ReplaceAll(stage, "_", " ")), strconv.Itoa(counts[stage])}
	}
	return rows
}
