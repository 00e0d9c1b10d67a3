package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Protekly/mergekit/internal/cli/output"
	"github.com/Protekly/mergekit/internal/state"
)

// RunsOptions holds options for the runs command.
type RunsOptions struct {
	Limit int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand() *cobra.Command {
	opts := &RunsOptions{}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recorded merge runs",
		Long:  `Show the merge runs recorded in the state ledger, newest first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRuns(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Maximum number of runs to show")

	return cmd
}

func runRuns(cmd *cobra.Command, opts *RunsOptions) error {
	cmdCtx := NewCommandContext(cmd)

	store, err := openStore(cmdCtx.Settings, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), cmdCtx.Styles.Muted.Render("no merge runs recorded"))
		return nil
	}

	titleCaser := cases.Title(language.English)

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Method", "Status", "Tensors", "Started", "Took", "Output"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			shortID(run.ID),
			run.Method,
			styleStatus(cmdCtx.Styles, run.Status, titleCaser),
			run.Tensors,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatTook(run),
			run.OutPath,
		})
	}
	t.Render()

	for _, run := range runs {
		if run.Status == state.RunStatusFailed && run.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n",
				cmdCtx.Styles.Error.Render(fmt.Sprintf("run %s:", shortID(run.ID))), run.Error)
		}
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func styleStatus(styles *output.Styles, status state.RunStatus, caser cases.Caser) string {
	label := caser.String(string(status))
	switch status {
	case state.RunStatusCompleted:
		return styles.Success.Render(label)
	case state.RunStatusFailed:
		return styles.Error.Render(label)
	default:
		return styles.Warning.Render(label)
	}
}

func formatTook(run *state.MergeRun) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}
