package commands

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// queryable maps a resource path to its factory's query.
func queryable(s *clarity.Session) map[string]func(context.Context, url.Values) ([]string, error) {
	return map[string]func(context.Context, url.Values) ([]string, error){
		"artifacts":      s.Artifacts.QueryURIs,
		"samples":        s.Samples.QueryURIs,
		"containers":     s.Containers.QueryURIs,
		"containertypes": s.ContainerTypes.QueryURIs,
		"processes":      s.Processes.QueryURIs,
		"processtypes":   s.ProcessTypes.QueryURIs,
		"projects":       s.Projects.QueryURIs,
		"researchers":    s.Researchers.QueryURIs,
		"labs":           s.Labs.QueryURIs,
		"controltypes":   s.ControlTypes.QueryURIs,
		"instruments":    s.Instruments.QueryURIs,
		"reagentkits":    s.ReagentKits.QueryURIs,
		"reagentlots":    s.ReagentLots.QueryURIs,
		"files":          s.Files.QueryURIs,
		"steps":          s.Steps.QueryURIs,
	}
}

// parseParams reads key=value arguments. Repeated keys are kept in order.
func parseParams(args []string) (url.Values, error) {
	params := url.Values{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, clarity.NewUsageError(fmt.Sprintf("expected key=value, got %q", arg))
		}
		params.Add(key, value)
	}
	return params, nil
}

func newQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <resource> [key=value...]",
		Short: "List the URIs of resources matching query parameters",
		Long: `Query a resource list, following every page, and print the URI of each
match. Parameters are passed to the server as given; repeat a key to
match any of several values.

Resources: artifacts, samples, containers, containertypes, processes,
processtypes, projects, researchers, labs, controltypes, instruments,
reagentkits, reagentlots, files, steps.`,
		Example: `  # Artifacts of two samples
  clarity query artifacts samplelimsid=ABC123A1 samplelimsid=ABC123A2

  # Containers by name
  clarity query containers name=27-1234`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			queries := queryable(a.session)
			query, ok := queries[args[0]]
			if !ok {
				names := make([]string, 0, len(queries))
				for name := range queries {
					names = append(names, name)
				}
				sort.Strings(names)
				return clarity.NewUsageError(fmt.Sprintf("unknown resource %q (one of %s)", args[0], strings.Join(names, ", ")))
			}

			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			uris, err := query(ctx, params)
			if err != nil {
				return err
			}
			log.Debug().Str("resource", args[0]).Int("count", len(uris)).Msg("Query complete")

			if jsonOutput {
				return printJSON(cmd, uris)
			}
			for _, uri := range uris {
				fmt.Fprintln(cmd.OutOrStdout(), uri)
			}
			return nil
		}),
	}
	return cmd
}
