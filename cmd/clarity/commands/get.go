package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <path|uri>",
		Short: "Print a resource document",
		Long: `Fetch one resource and print its XML document. A relative path is
resolved against the API root.`,
		Example: `  # Print an artifact
  clarity get artifacts/2-1234

  # Print step details by absolute URI
  clarity get https://lims.example.com/api/v2/steps/24-1001/details`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			uri := a.resolve(args[0])
			root, err := a.session.Request(ctx, http.MethodGet, uri, nil)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, map[string]string{
					"uri":      uri,
					"tag":      xmltree.QName(root),
					"document": xmltree.String(root),
				})
			}
			data, err := xmltree.Document(root)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}),
	}
	return cmd
}
