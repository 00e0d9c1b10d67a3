package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/spf13/cobra"

	"github.com/Protekly/mergekit/internal/cli/output"
	intconfig "github.com/Protekly/mergekit/internal/config"
	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/plan"
	"github.com/Protekly/mergekit/internal/state"
	"github.com/Protekly/mergekit/internal/tensorio"
)

// MergeOptions holds options for the merge command.
type MergeOptions struct {
	OutPath      string
	Parallel     int
	CloneTensors bool
	NoAlign      bool
	NoProgress   bool
	NoState      bool
	DryRun       bool
}

// NewMergeCommand creates the merge command.
func NewMergeCommand() *cobra.Command {
	opts := &MergeOptions{}

	cmd := &cobra.Command{
		Use:   "merge <config.yml>",
		Short: "Execute a merge configuration",
		Long: `Compile a merge configuration and execute the resulting task graph,
writing the merged checkpoint as sharded safetensors together with its
config.json, tokenizer files, and a copy of the configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.OutPath, "out", "o", "merged", "Output directory for the merged model")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 0, "Concurrent tasks per execution level (0 = all CPUs)")
	cmd.Flags().BoolVar(&opts.CloneTensors, "clone-tensors", false, "Copy tensors before writing instead of reusing shared buffers")
	cmd.Flags().BoolVar(&opts.NoAlign, "no-align", false, "Disable weight space alignment")
	cmd.Flags().BoolVar(&opts.NoProgress, "no-progress", false, "Disable the progress display")
	cmd.Flags().BoolVar(&opts.NoState, "no-state", false, "Do not record this run in the state ledger")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Compile and report the plan without executing it")

	return cmd
}

func runMerge(cmd *cobra.Command, opts *MergeOptions, configPath string) error {
	cmdCtx := NewCommandContext(cmd)
	logger := cmdCtx.Logger
	styles := cmdCtx.Styles
	out := cmd.OutOrStdout()

	cfg, err := intconfig.Load(configPath)
	if err != nil {
		return err
	}
	if opts.NoAlign {
		cfg.AlignWeights = false
	}

	planner, err := plan.NewPlanner(cfg, plan.Options{
		OutPath:      opts.OutPath,
		CloneTensors: opts.CloneTensors,
		Logger:       logger,
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

	tensors := 0
	for _, task := range pl.Tasks {
		if _, ok := task.(*tensorio.SaveTensor); ok {
			tensors++
		}
	}

	fmt.Fprintln(out, styles.Title.Render(fmt.Sprintf("Merging %d models with %s",
		len(cfg.ReferencedModels()), planner.Method().Name())))
	fmt.Fprintf(out, "%d output tensors, %d layers, %d tasks\n",
		tensors, planner.OutputArch().LayerCount(), g.TaskCount())

	if opts.DryRun {
		fmt.Fprintln(out, styles.Muted.Render("dry run requested, nothing executed"))
		return nil
	}

	var store *state.SQLiteStore
	var run *state.MergeRun
	if !opts.NoState {
		store, err = openStore(cmdCtx.Settings, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		run, err = store.CreateRun(planner.Method().Name(), opts.OutPath, g.TaskCount())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, styles.Muted.Render("run "+run.ID))
	}

	parallel := cmdCtx.Settings.Parallel
	if cmd.Flags().Changed("parallel") {
		parallel = opts.Parallel
	}

	var pw progress.Writer
	var tracker *progress.Tracker
	if !opts.NoProgress && output.IsTerminal(cmd.ErrOrStderr()) {
		pw = progress.NewWriter()
		pw.SetOutputWriter(cmd.ErrOrStderr())
		pw.SetUpdateFrequency(100 * time.Millisecond)
		tracker = &progress.Tracker{Message: "merging tensors", Total: int64(tensors)}
		pw.AppendTracker(tracker)
		go pw.Render()
	}

	onDone := func(ev graph.Event) {
		save, ok := ev.Task.(*tensorio.SaveTensor)
		if !ok {
			return
		}
		if tracker != nil {
			if ev.Err != nil {
				tracker.MarkAsErrored()
			} else {
				tracker.Increment(1)
			}
		}
		if run != nil {
			status := state.TensorStatusSaved
			switch {
			case ev.Err != nil:
				status = state.TensorStatusFailed
			case ev.Value == nil:
				status = state.TensorStatusSkipped
			}
			if rerr := store.RecordTensor(run.ID, save.TensorName(), status, ev.Duration); rerr != nil {
				logger.Warn("recording tensor", "tensor", save.TensorName(), "error", rerr)
			}
		}
	}

	exec := graph.NewExecutor(graph.Config{
		Parallelism: parallel,
		Logger:      logger,
		OnDone:      onDone,
	})

	started := time.Now()
	results, runErr := exec.Run(cmd.Context(), g)

	if pw != nil {
		if tracker != nil && runErr == nil {
			tracker.MarkAsDone()
		}
		pw.Stop()
		for pw.IsRenderInProgress() {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if runErr == nil {
		runErr = writeMergedArtifacts(planner, pl, results, opts.OutPath, logger)
	}

	if runErr != nil {
		if run != nil {
			if cerr := store.CompleteRun(run.ID, state.RunStatusFailed, runErr.Error()); cerr != nil {
				logger.Warn("closing run record", "run", run.ID, "error", cerr)
			}
		}
		return runErr
	}
	if run != nil {
		if cerr := store.CompleteRun(run.ID, state.RunStatusCompleted, ""); cerr != nil {
			logger.Warn("closing run record", "run", run.ID, "error", cerr)
		}
	}

	fmt.Fprintf(out, "%s merged %d tensors into %s in %s\n",
		styles.Success.Render("done:"), tensors, opts.OutPath,
		time.Since(started).Round(time.Millisecond))

	return nil
}
