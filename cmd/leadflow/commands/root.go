package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leadflow",
		Short: "Leadflow - SMS lead lifecycle orchestration",
		Long: `Leadflow moves consented leads from first contact to a booked appointment
over SMS.

Features:
  - Lead state machine with an audited transition history
  - Initial contact, follow-ups and attempt caps
  - Intent classification of inbound replies
  - Appointment slot proposals and booking
  - Contact policies (OPA/rego) and quiet hours

Lead state only survives between commands with store.driver set to sqlite.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.cue, .yaml or .json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newLeadCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newSmsCommand())
	rootCmd.AddCommand(newContactsCommand())
	rootCmd.AddCommand(newSlotsCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newDemoCommand())

	return rootCmd
}

// loadConfig reads --config, applies LEADFLOW_* overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg, os.LookupEnv)
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp builds the app for a one-shot command, runs fn and shuts the
// app down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// One-shot commands never start the background runner.
	cfg.Runner.Enabled = false

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)
	if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output prints v as JSON with --json, otherwise calls human.
func output(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), v)
	}
	human(cmd.OutOrStdout())
	return nil
}
