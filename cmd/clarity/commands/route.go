package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

func newRouteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Queue artifacts to workflows and stages",
		Long: `Assign artifacts to, or unassign them from, a workflow or stage.

A workflow URI queues artifacts to its first stage. A URI containing
/stages/ addresses that stage.`,
	}

	cmd.AddCommand(newRouteActionCommand("assign", "Queue artifacts", (*clarity.Router).Assign))
	cmd.AddCommand(newRouteActionCommand("unassign", "Remove artifacts from a workflow or stage", (*clarity.Router).Unassign))

	return cmd
}

func newRouteActionCommand(action, short string, stage func(*clarity.Router, string, ...*clarity.Artifact)) *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   action + " <workflow-or-stage-uri> <artifact>...",
		Short: short,
		Example: fmt.Sprintf(`  clarity route %[1]s configuration/workflows/51 2-101 2-102
  clarity route %[1]s configuration/workflows/51/stages/302 2-101 --show`, action),
		Args: cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			artifacts := make([]*clarity.Artifact, 0, len(args)-1)
			for _, ref := range args[1:] {
				artifacts = append(artifacts, a.artifact(ref))
			}

			router := a.session.Router()
			stage(router, a.resolve(args[0]), artifacts...)

			if show {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), xmltree.String(router.Document()))
				return err
			}
			if err := router.Commit(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%sed %d artifacts\n", action, len(artifacts))
			return err
		}),
	}

	cmd.Flags().BoolVar(&show, "show", false, "print the routing document instead of sending it")
	return cmd
}
