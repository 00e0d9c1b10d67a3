package commands

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Protekly/mergekit/internal/method"
)

// MethodsOptions holds options for the methods command.
type MethodsOptions struct {
	JSON bool
}

// NewMethodsCommand creates the methods command.
func NewMethodsCommand() *cobra.Command {
	opts := &MethodsOptions{}

	cmd := &cobra.Command{
		Use:   "methods",
		Short: "List the available merge methods",
		Long: `List every registered merge method with its parameter schema.

Global parameters apply to the whole merge. Tensor parameters are
resolved per input model and may vary across layers via gradients.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMethods(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON")

	return cmd
}

// methodInfo is the serialized shape of one method listing.
type methodInfo struct {
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	Parameters       []paramInfo `json:"parameters,omitempty"`
	TensorParameters []paramInfo `json:"tensor_parameters,omitempty"`
}

type paramInfo struct {
	Name     string   `json:"name"`
	Required bool     `json:"required"`
	Default  *float64 `json:"default,omitempty"`
}

func runMethods(cmd *cobra.Command, opts *MethodsOptions) error {
	infos := make([]methodInfo, 0, len(method.Names()))
	for _, name := range method.Names() {
		m, err := method.Get(name)
		if err != nil {
			return err
		}
		infos = append(infos, methodInfo{
			Name:             m.Name(),
			Description:      m.Description(),
			Parameters:       toParamInfos(m.Parameters()),
			TensorParameters: toParamInfos(m.TensorParameters()),
		})
	}

	if opts.JSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Method", "Description", "Parameters", "Tensor Parameters"})
	for _, info := range infos {
		t.AppendRow(table.Row{
			info.Name,
			info.Description,
			formatParams(info.Parameters),
			formatParams(info.TensorParameters),
		})
	}
	t.Render()

	return nil
}

func toParamInfos(defs []method.ParamDef) []paramInfo {
	infos := make([]paramInfo, len(defs))
	for i, d := range defs {
		infos[i] = paramInfo{Name: d.Name, Required: d.Required}
		if !d.Required {
			def := d.Default
			infos[i].Default = &def
		}
	}
	return infos
}

// formatParams renders a parameter list as "name (required)" or
// "name=default" entries.
func formatParams(params []paramInfo) string {
	if len(params) == 0 {
		return "-"
	}
	parts := make([]string, len(params))
	for i, p := range params {
		if p.Required {
			parts[i] = p.Name + " (required)"
		} else {
			parts[i] = fmt.Sprintf("%s=%g", p.Name, *p.Default)
		}
	}
	return strings.Join(parts, ", ")
}
