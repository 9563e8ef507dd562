package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/leadflow/leadflow/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the CUE schema configurations are checked against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.SchemaSource())
			return err
		},
	})
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file against the CUE schema, field constraints
and cross-field checks. Without a path the --config file is used.`,
		Example: `  leadflow config validate ./leadflow.yaml
  leadflow config validate ./leadflow.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if _, err := config.Load(path); err != nil {
				var errs config.ValidationErrors
				if errors.As(err, &errs) && !jsonOutput {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %d problem(s):\n", color.New(color.FgRed).Sprint("INVALID"), len(errs))
					for _, e := range errs {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", e.String())
					}
				}
				return err
			}
			return output(cmd, map[string]any{"valid": true, "path": path}, func(w io.Writer) {
				name := path
				if name == "" {
					name = "(defaults)"
				}
				fmt.Fprintf(w, "%s %s\n", color.New(color.FgGreen).Sprint("OK"), name)
			})
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
