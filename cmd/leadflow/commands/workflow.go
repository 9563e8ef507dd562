package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/engine"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Drive a lead through its lifecycle",
	}

	cmd.AddCommand(workflowSubcommand("start <lead-id>", "Send the initial message to a consented lead",
		func(ctx context.Context, a *app.App, id string) (*engine.WorkflowExecution, error) {
			return a.StartWorkflow(ctx, id)
		}))
	cmd.AddCommand(workflowSubcommand("propose <lead-id>", "Offer appointment slots to an interested lead",
		func(ctx context.Context, a *app.App, id string) (*engine.WorkflowExecution, error) {
			return a.ProposeSlots(ctx, id)
		}))
	cmd.AddCommand(workflowSubcommand("complete <lead-id>", "Mark a confirmed appointment as held",
		func(ctx context.Context, a *app.App, id string) (*engine.WorkflowExecution, error) {
			return a.CompleteAppointment(ctx, id)
		}))
	cmd.AddCommand(newEscalateCommand())

	return cmd
}

type workflowFunc func(ctx context.Context, a *app.App, leadID string) (*engine.WorkflowExecution, error)

func workflowSubcommand(use, short string, run workflowFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], run)
		},
	}
}

// runWorkflow prints the execution, including a failed one, and returns
// the workflow error.
func runWorkflow(cmd *cobra.Command, leadID string, run workflowFunc) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		exec, err := run(ctx, a, leadID)
		if exec != nil {
			if outErr := output(cmd, exec, func(w io.Writer) { printExecution(w, exec) }); outErr != nil {
				return outErr
			}
		}
		if err != nil {
			return err
		}
		lead, getErr := a.GetLead(ctx, leadID)
		if getErr == nil && !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "Lead %s is now %s\n", lead.ID, stateLabel(lead.State))
		}
		return nil
	})
}

func newEscalateCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "escalate <lead-id>",
		Short: "Hand a lead to a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], func(ctx context.Context, a *app.App, id string) (*engine.WorkflowExecution, error) {
				return a.EscalateLead(ctx, id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "escalated from CLI", "why the lead needs a human")
	return cmd
}
