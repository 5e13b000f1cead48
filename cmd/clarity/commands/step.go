package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/steprunner"
)

func newStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Drive protocol steps",
		Long: `Start, run and advance protocol steps.

A run walks a step through every screen until it is Completed. Each screen
can be handled by a Starlark script that defines functions named after the
screens: setup, placement, arranging, pooling, add_reagent,
record_details and next_steps.`,
	}

	cmd.AddCommand(newStepRunCommand())
	cmd.AddCommand(newStepAdvanceCommand())

	return cmd
}

type stepResult struct {
	URI   string `json:"uri"`
	State string `json:"state"`
}

func printStep(ctx context.Context, cmd *cobra.Command, step *clarity.Step) error {
	state, err := step.CurrentState(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, stepResult{URI: step.URI(), State: state})
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", step.URI(), state)
	return err
}

func newStepRunCommand() *cobra.Command {
	var (
		protocol        string
		stepName        string
		scriptPath      string
		stepID          string
		inputs          []string
		previousStep    string
		controls        []string
		containerType   string
		reagentCategory string
		numberOfInputs  int
		noQueue         bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a step to completion",
		Long: `Run a step of a protocol to Completed.

Without --step-id a new step is started from --input artifacts, the outputs
of --previous-step, or the step's queue. Runs are recorded in the history
database when one is configured.`,
		Example: `  # Start a step from the queue and run it with a script
  clarity step run --protocol "Library Prep" --step "Fragmentation" --script frag.star

  # Start from two artifacts
  clarity step run --protocol "Library Prep" --step "Fragmentation" --input 2-101 --input 2-102

  # Finish a step that is already open
  clarity step run --protocol "Library Prep" --step "Fragmentation" --step-id 24-1001`,
		Args: cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var hooks steprunner.Hooks = steprunner.NopHooks{}
			if scriptPath != "" {
				h, err := steprunner.NewScriptHooks(scriptPath, nil, a.cfg.Runner.ScriptTimeout)
				if err != nil {
					return err
				}
				hooks = h
			}

			opts := a.cfg.RunnerOptions()
			if cmd.Flags().Changed("inputs") {
				opts.NumberOfInputs = numberOfInputs
			}
			if noQueue {
				opts.UseQueuedInputs = false
			}
			if _, ok := a.cfg.StoreConfig(); ok {
				store, err := a.historyStore(ctx)
				if err != nil {
					return err
				}
				opts.Recorder = store
			}

			runner, err := steprunner.New(a.session, protocol, stepName, hooks, opts)
			if err != nil {
				return err
			}

			in := steprunner.RunInput{
				StepLimsID: stepID,
				NewStepInput: steprunner.NewStepInput{
					ControlNames:    controls,
					ContainerType:   containerType,
					ReagentCategory: reagentCategory,
				},
			}
			for _, ref := range inputs {
				in.InputURIs = append(in.InputURIs, a.artifact(ref).URI())
			}
			if previousStep != "" {
				in.PreviousStep = a.session.Step(previousStep)
			}

			log.Info().
				Str("protocol", protocol).
				Str("step", stepName).
				Str("script", scriptPath).
				Msg("Running step")

			if err := runner.Run(ctx, in); err != nil {
				return err
			}
			return printStep(ctx, cmd, runner.Step())
		}),
	}

	cmd.Flags().StringVar(&protocol, "protocol", "", "protocol name")
	cmd.Flags().StringVar(&stepName, "step", "", "step name within the protocol")
	cmd.Flags().StringVar(&scriptPath, "script", "", "Starlark file with screen hooks")
	cmd.Flags().StringVar(&stepID, "step-id", "", "LIMS ID of an existing step to finish")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "input artifact LIMS IDs or URIs")
	cmd.Flags().StringVar(&previousStep, "previous-step", "", "take the outputs of this step as inputs")
	cmd.Flags().StringSliceVar(&controls, "control", nil, "control type names to add")
	cmd.Flags().StringVar(&containerType, "container-type", "", "container type for the new step")
	cmd.Flags().StringVar(&reagentCategory, "reagent-category", "", "reagent category for the new step")
	cmd.Flags().IntVar(&numberOfInputs, "inputs", 0, "number of queued artifacts to take (0 takes all)")
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "never take inputs from the queue")
	_ = cmd.MarkFlagRequired("protocol")
	_ = cmd.MarkFlagRequired("step")

	return cmd
}

func newStepAdvanceCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "advance <step-limsid|uri>",
		Short: "Move a step to its next screen",
		Example: `  # Advance once
  clarity step advance 24-1001

  # Wait for running automations first
  clarity step advance 24-1001 --wait`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			step := a.session.Step(args[0])
			if strings.Contains(args[0], "/") {
				step = a.session.StepFromURI(a.resolve(args[0]))
			}

			if wait {
				if err := step.WaitForEPP(ctx); err != nil {
					return err
				}
			}
			if err := step.Advance(ctx); err != nil {
				return err
			}
			return printStep(ctx, cmd, step)
		}),
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait for running automations before advancing")
	return cmd
}
