package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	rootURI    string
	username   string
	password   string
	dryRun     bool
	insecure   bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clarity",
		Short: "Command-line client for the Clarity LIMS REST API",
		Long: `clarity reads and writes LIMS resources and drives protocol steps
through their screens.

Connection settings come from a YAML file (--config or CLARITY_CONFIG),
then CLARITY_* environment variables, then the flags below. Writes are
checked against the request policies before they are sent, and --dry-run
answers every write locally.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path")
	flags.StringVar(&rootURI, "root-uri", "", "API root, e.g. https://lims.example.com/api/v2")
	flags.StringVarP(&username, "username", "u", "", "API user")
	flags.StringVarP(&password, "password", "p", "", "API password")
	flags.BoolVar(&dryRun, "dry-run", false, "log writes instead of sending them")
	flags.BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newStepCommand())
	rootCmd.AddCommand(newRouteCommand())
	rootCmd.AddCommand(newFileCommand())
	rootCmd.AddCommand(newUdfCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
