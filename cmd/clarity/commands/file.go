package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/archive"
)

func newFileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Download, upload and archive LIMS files",
		Long: `Work with files stored by the LIMS.

Content at sftp:// locations is read over SSH with the ssh settings when
configured; everything else goes through the API download endpoint.`,
	}

	cmd.AddCommand(newFileGetCommand())
	cmd.AddCommand(newFilePutCommand())
	cmd.AddCommand(newFileArchiveCommand())

	return cmd
}

func newFileGetCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "get <file-limsid>",
		Short: "Download file content",
		Example: `  # Print to stdout
  clarity file get 40-1234

  # Save to a local file
  clarity file get 40-1234 --out results.csv`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			f, err := a.session.Files.FetchLimsID(ctx, args[0])
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outFile != "" && outFile != "-" {
				fh, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer fh.Close()
				w = fh
			}
			return f.Download(ctx, w)
		}),
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write to this path instead of stdout")
	return cmd
}

func newFilePutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <artifact> <path>",
		Short: "Attach a local file to an artifact",
		Long: `Upload a local file as the artifact's file. A file already attached is
replaced.`,
		Example: `  clarity file put 92-5678 ./plate-map.csv`,
		Args:    cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			f, err := a.artifact(args[0]).File(ctx)
			if err != nil {
				return err
			}
			if err := f.ReplaceAndCommitFromLocal(ctx, args[1]); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, map[string]string{"uri": f.URI(), "path": args[1]})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), f.URI())
			return err
		}),
	}
	return cmd
}

func newFileArchiveCommand() *cobra.Command {
	var parallel int

	cmd := &cobra.Command{
		Use:   "archive <file-limsid>...",
		Short: "Copy file content to the archive bucket",
		Long: `Copy each file's content to the configured S3 bucket under
<prefix>/<limsid>/<name>, with the file URI, attachment and SHA-256 stored
as object metadata.`,
		Example: `  clarity file archive 40-1234 40-1235
  clarity file archive 40-1234 40-1235 40-1236 --parallel 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			sink, err := a.archiveSink(ctx)
			if err != nil {
				return err
			}

			files, err := a.session.Files.BatchGetFromLimsIDs(ctx, args)
			if err != nil {
				return err
			}
			results, archiveErr := sink.ArchiveAll(ctx, files, parallel)

			done := make([]*archive.Result, 0, len(results))
			for _, res := range results {
				if res != nil {
					done = append(done, res)
				}
			}
			if jsonOutput {
				if err := printJSON(cmd, done); err != nil {
					return err
				}
			} else {
				for _, res := range done {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", res.Location, res.Size, res.Checksum)
				}
			}
			return archiveErr
		}),
	}

	cmd.Flags().IntVar(&parallel, "parallel", archive.DefaultParallel, "files archived at once")
	return cmd
}
