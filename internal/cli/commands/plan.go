package commands

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	intconfig "github.com/Protekly/mergekit/internal/config"
	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/plan"
	"github.com/Protekly/mergekit/internal/tensorio"
)

// PlanOptions holds options for the plan command.
type PlanOptions struct {
	OutPath string
	JSON    bool
}

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	opts := &PlanOptions{}

	cmd := &cobra.Command{
		Use:   "plan <config.yml>",
		Short: "Compile a merge configuration without executing it",
		Long: `Compile a merge configuration into its task graph and report what a
merge would do: the resolved method, the output layout, and the task
counts per kind. Nothing is read from or written to disk beyond the
model configs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.OutPath, "out", "o", "merged", "Output directory the plan targets")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON")

	return cmd
}

// planSummary is the serialized shape of a compiled plan.
type planSummary struct {
	Method     string         `json:"method"`
	OutPath    string         `json:"out_path"`
	DType      string         `json:"dtype"`
	Models     []string       `json:"models"`
	Layers     int            `json:"layers"`
	Slices     []sliceSummary `json:"slices"`
	Tensors    int            `json:"tensors"`
	TotalTasks int            `json:"total_tasks"`
	TaskKinds  map[string]int `json:"task_kinds"`
	Parameters []paramInfo    `json:"parameters,omitempty"`
}

type sliceSummary struct {
	Layers  int      `json:"layers"`
	Sources []string `json:"sources"`
}

func runPlan(cmd *cobra.Command, opts *PlanOptions, configPath string) error {
	cmdCtx := NewCommandContext(cmd)

	cfg, err := intconfig.Load(configPath)
	if err != nil {
		return err
	}

	planner, err := plan.NewPlanner(cfg, plan.Options{
		OutPath: opts.OutPath,
		Logger:  cmdCtx.Logger,
	})
	if err != nil {
		return err
	}
	defer planner.Close()

	pl, err := planner.Plan()
	if err != nil {
		return err
	}
	g, err := graph.Build(pl.Roots())
	if err != nil {
		return err
	}

	summary := summarizePlan(planner, pl, g, opts.OutPath)

	if opts.JSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cmdCtx.Styles.Title.Render(fmt.Sprintf("Merge plan: %s", summary.Method)))
	fmt.Fprintf(out, "  models: %s\n", strings.Join(summary.Models, ", "))
	fmt.Fprintf(out, "  output: %s (%s, %d layers, %d tensors)\n",
		summary.OutPath, summary.DType, summary.Layers, summary.Tensors)
	for i, s := range summary.Slices {
		fmt.Fprintf(out, "  slice %d: %d layers from %s\n", i, s.Layers, strings.Join(s.Sources, ", "))
	}
	if len(summary.Parameters) > 0 {
		fmt.Fprintf(out, "  parameters: %s\n", formatParams(summary.Parameters))
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Task Kind", "Count"})
	for _, kind := range sortedKinds(summary.TaskKinds) {
		t.AppendRow(table.Row{kind, summary.TaskKinds[kind]})
	}
	t.Render()

	fmt.Fprintf(out, "%d tasks after deduplication\n", summary.TotalTasks)

	return nil
}

func summarizePlan(planner *plan.Planner, pl *plan.Plan, g *graph.Graph, outPath string) *planSummary {
	cfg := planner.Config()

	models := make([]string, 0, len(cfg.ReferencedModels()))
	for _, ref := range cfg.ReferencedModels() {
		models = append(models, ref.String())
	}

	slices := make([]sliceSummary, len(cfg.Slices))
	for i, s := range cfg.Slices {
		sources := make([]string, len(s.Sources))
		for j, src := range s.Sources {
			sources[j] = fmt.Sprintf("%s %s", src.Model, src.Range)
		}
		slices[i] = sliceSummary{Layers: s.Sources[0].Range.Len(), Sources: sources}
	}

	tensors := 0
	for _, task := range pl.Tasks {
		if _, ok := task.(*tensorio.SaveTensor); ok {
			tensors++
		}
	}

	kinds := make(map[string]int)
	for _, task := range g.TopologicalSort() {
		kinds[taskKind(task.Key())]++
	}

	return &planSummary{
		Method:     planner.Method().Name(),
		OutPath:    outPath,
		DType:      cfg.DType.String(),
		Models:     models,
		Layers:     planner.OutputArch().LayerCount(),
		Slices:     slices,
		Tensors:    tensors,
		TotalTasks: g.TaskCount(),
		TaskKinds:  kinds,
		Parameters: toParamInfos(append(planner.Method().Parameters(), planner.Method().TensorParameters()...)),
	}
}

// taskKind extracts the kind prefix from a task key, the identifier
// before the first parenthesized or bracketed section.
func taskKind(key string) string {
	if i := strings.IndexAny(key, "(["); i > 0 {
		return key[:i]
	}
	return key
}

func sortedKinds(kinds map[string]int) []string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
