package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/engine"
)

func newLeadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Create and inspect leads",
	}
	cmd.AddCommand(newLeadCreateCommand())
	cmd.AddCommand(newLeadGetCommand())
	cmd.AddCommand(newLeadListCommand())
	cmd.AddCommand(newLeadStatsCommand())
	return cmd
}

func newLeadCreateCommand() *cobra.Command {
	var (
		params   engine.CreateLeadParams
		metadata map[string]string
		start    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead",
		Example: `  # Create a consented lead and send the first message
  leadflow lead create --first-name Dana --phone +15550102030 --consent --start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params.Metadata = metadata
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				lead, err := a.CreateLead(ctx, params)
				if err != nil {
					return err
				}

				var exec *engine.WorkflowExecution
				if start {
					exec, err = a.StartWorkflow(ctx, lead.ID)
					if exec != nil {
						if refreshed, getErr := a.GetLead(ctx, lead.ID); getErr == nil {
							lead = refreshed
						}
					}
				}

				result := map[string]any{"lead": lead}
				if exec != nil {
					result["execution"] = exec
				}
				if outErr := output(cmd, result, func(w io.Writer) {
					fmt.Fprintf(w, "Created lead %s\n", lead.ID)
					printExecution(w, exec)
					printLead(w, lead)
				}); outErr != nil {
					return outErr
				}
				return err
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&params.FirstName, "first-name", "", "first name (required)")
	f.StringVar(&params.LastName, "last-name", "", "last name")
	f.StringVar(&params.Phone, "phone", "", "phone number (required)")
	f.StringVar(&params.Email, "email", "", "email address")
	f.StringVar(&params.Address, "address", "", "street address")
	f.StringVar(&params.ExternalRef, "external-ref", "", "ID in the source system")
	f.BoolVar(&params.ConsentVerified, "consent", false, "consent to SMS contact was verified")
	f.StringVar(&params.ConsentMethod, "consent-method", "", "how consent was captured")
	f.IntVar(&params.MaxContactAttempts, "max-attempts", 0, "contact attempt cap (default from config)")
	f.StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	f.BoolVar(&start, "start", false, "send the initial message right away")
	_ = cmd.MarkFlagRequired("first-name")
	_ = cmd.MarkFlagRequired("phone")

	return cmd
}

func newLeadGetCommand() *cobra.Command {
	var executions bool

	cmd := &cobra.Command{
		Use:   "get <lead-id>",
		Short: "Show a lead with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				lead, err := a.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				var execs []*engine.WorkflowExecution
				if executions {
					if execs, err = a.Executions(ctx, lead.ID); err != nil {
						return err
					}
				}
				return output(cmd, map[string]any{"lead": lead, "executions": execs}, func(w io.Writer) {
					printLead(w, lead)
					for _, e := range execs {
						printExecution(w, e)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&executions, "executions", false, "include workflow executions")
	return cmd
}

func newLeadListCommand() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				leads, err := a.GetAllLeads(ctx)
				if err != nil {
					return err
				}
				if state != "" {
					filtered := leads[:0]
					for _, l := range leads {
						if string(l.State) == state {
							filtered = append(filtered, l)
						}
					}
					leads = filtered
				}
				return output(cmd, leads, func(w io.Writer) {
					if len(leads) == 0 {
						fmt.Fprintln(w, "No leads.")
						return
					}
					printLeadTable(w, leads)
				})
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only leads in this state")
	return cmd
}

func newLeadStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show lead counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.GetLeadStats(ctx)
				if err != nil {
					return err
				}
				return output(cmd, stats, func(w io.Writer) { printStats(w, stats) })
			})
		},
	}
}
