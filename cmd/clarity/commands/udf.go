package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
)

// fieldEntity is a resource with user-defined fields.
type fieldEntity interface {
	URI() string
	Commit(ctx context.Context) error
	FieldNames(ctx context.Context) ([]string, error)
	GetRawField(ctx context.Context, name, def string) (string, error)
	FieldType(ctx context.Context, name string) (codec.FieldType, error)
	SetField(ctx context.Context, name string, value any) error
	UdfConfig(ctx context.Context, name string) (*clarity.UdfConfig, error)
}

var fieldKinds = []string{"artifact", "sample", "process", "project", "container"}

func (a *app) fieldEntity(kind, ref string) (fieldEntity, error) {
	uri := ""
	if strings.Contains(ref, "/") {
		uri = a.resolve(ref)
	}
	s := a.session
	switch kind {
	case "artifact":
		return a.artifact(ref), nil
	case "sample":
		if uri != "" {
			return s.Samples.Get(uri), nil
		}
		return s.Sample(ref), nil
	case "process":
		if uri != "" {
			return s.Processes.Get(uri), nil
		}
		return s.Processes.FromLimsID(ref), nil
	case "project":
		if uri != "" {
			return s.Projects.Get(uri), nil
		}
		return s.Projects.FromLimsID(ref), nil
	case "container":
		if uri != "" {
			return s.Containers.Get(uri), nil
		}
		return s.Containers.FromLimsID(ref), nil
	}
	return nil, clarity.NewUsageError(fmt.Sprintf("unknown kind %q (one of %s)", kind, strings.Join(fieldKinds, ", ")))
}

func newUdfCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "udf",
		Short: "Read and write user-defined fields",
		Long: `Read and write the user-defined fields of artifacts, samples, processes,
projects and containers. Values are converted to the field's declared type
before they are sent.`,
	}

	cmd.AddCommand(newUdfGetCommand())
	cmd.AddCommand(newUdfSetCommand())
	cmd.AddCommand(newUdfDescribeCommand())

	return cmd
}

func newUdfGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <kind> <limsid|uri> [name]",
		Short: "Print field values",
		Example: `  # Every field of an artifact
  clarity udf get artifact 2-101

  # One sample field
  clarity udf get sample ABC123A1 "Concentration"`,
		Args: cobra.RangeArgs(2, 3),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			e, err := a.fieldEntity(args[0], args[1])
			if err != nil {
				return err
			}

			names := args[2:]
			if len(names) == 0 {
				if names, err = e.FieldNames(ctx); err != nil {
					return err
				}
				sort.Strings(names)
			}

			values := make(map[string]string, len(names))
			for _, name := range names {
				if values[name], err = e.GetRawField(ctx, name, ""); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(cmd, values)
			}
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, values[name])
			}
			return nil
		}),
	}
	return cmd
}

func newUdfSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <kind> <limsid|uri> <name> <value>",
		Short: "Set a field and save the resource",
		Long: `Set one field and PUT the resource. The value is parsed as the type the
field already has, or the type of its UDF configuration when the field is
not yet present.`,
		Example: `  clarity udf set artifact 2-101 "Concentration" 12.5
  clarity udf set sample ABC123A1 "Verified" true`,
		Args: cobra.ExactArgs(4),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			e, err := a.fieldEntity(args[0], args[1])
			if err != nil {
				return err
			}
			name, text := args[2], args[3]

			t, err := e.FieldType(ctx, name)
			if err != nil {
				return err
			}
			if t == "" {
				cfg, err := e.UdfConfig(ctx, name)
				if err != nil {
					return err
				}
				if t, err = cfg.FieldType(ctx); err != nil {
					return err
				}
			}

			value, err := codec.Parse(t, text)
			if err != nil {
				return clarity.NewUsageError(fmt.Sprintf("invalid %s value for '%s': %v", t, name, err))
			}
			if err := e.SetField(ctx, name, value); err != nil {
				return err
			}
			if err := e.Commit(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", e.URI(), name, text)
			return err
		}),
	}
	return cmd
}

type udfDescription struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Editable bool     `json:"editable"`
	Presets  []string `json:"presets,omitempty"`
}

func newUdfDescribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <kind> <limsid|uri> <name>",
		Short: "Print a field's configuration",
		Example: `  clarity udf describe artifact 2-101 "Concentration"`,
		Args:    cobra.ExactArgs(3),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			e, err := a.fieldEntity(args[0], args[1])
			if err != nil {
				return err
			}
			cfg, err := e.UdfConfig(ctx, args[2])
			if err != nil {
				return err
			}

			d := udfDescription{Name: args[2]}
			t, err := cfg.FieldType(ctx)
			if err != nil {
				return err
			}
			d.Type = string(t)
			if d.Required, err = cfg.IsRequired(ctx); err != nil {
				return err
			}
			if d.Editable, err = cfg.IsEditable(ctx); err != nil {
				return err
			}
			if d.Presets, err = cfg.Presets(ctx); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, d)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:     %s\n", d.Name)
			fmt.Fprintf(out, "type:     %s\n", d.Type)
			fmt.Fprintf(out, "required: %t\n", d.Required)
			fmt.Fprintf(out, "editable: %t\n", d.Editable)
			if len(d.Presets) > 0 {
				fmt.Fprintf(out, "presets:  %s\n", strings.Join(d.Presets, ", "))
			}
			return nil
		}),
	}
	return cmd
}
