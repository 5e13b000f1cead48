package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		stepURI string
		status  string
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded step runs",
		Long: `List the step runs recorded in the history database, newest first.
Use "history show" for the screens of one run.`,
		Example: `  # Last 20 runs
  clarity history

  # Failed runs of the past day
  clarity history --status failed --since 24h`,
		Args: cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			store, err := a.historyStore(ctx)
			if err != nil {
				return err
			}

			filter := stores.RunFilter{
				StepURI: stepURI,
				Status:  stores.RunStatus(status),
				Limit:   limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			runs, err := store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, runs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTEP\tNAME\tSTATUS\tSTARTED\tDURATION")
			for _, run := range runs {
				duration := "-"
				if run.CompletedAt != nil {
					duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.StepURI, run.StepName, run.Status,
					run.StartedAt.Local().Format(time.DateTime), duration)
			}
			return w.Flush()
		}),
	}

	cmd.Flags().StringVar(&stepURI, "step", "", "only runs of this step URI")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, completed, failed, cancelled)")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

type runDetail struct {
	*stores.Run
	Transitions []*stores.Transition `json:"transitions"`
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its screens",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			store, err := a.historyStore(ctx)
			if err != nil {
				return err
			}
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			transitions, err := store.ListTransitions(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, runDetail{Run: run, Transitions: transitions})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:      %s\n", run.ID)
			fmt.Fprintf(out, "step:     %s (%s / %s)\n", run.StepURI, run.Protocol, run.StepName)
			fmt.Fprintf(out, "status:   %s\n", run.Status)
			fmt.Fprintf(out, "user:     %s@%s\n", run.Username, run.Server)
			if run.Error != nil {
				fmt.Fprintf(out, "error:    %s\n", *run.Error)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\nFROM\tTO\tDURATION\tERROR")
			for _, t := range transitions {
				errMsg := ""
				if t.Error != nil {
					errMsg = *t.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.FromState, t.ToState, t.Duration.Round(time.Millisecond), errMsg)
			}
			return w.Flush()
		}),
	}
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete old runs",
		Example: `  clarity history prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			store, err := a.historyStore(ctx)
			if err != nil {
				return err
			}
			n, err := store.PruneRuns(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
			return err
		}),
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs started before this long ago")
	return cmd
}
