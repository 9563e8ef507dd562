package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/engine"
)

func newSmsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sms",
		Short: "Simulate SMS traffic",
	}
	cmd.AddCommand(newSmsInboundCommand())
	return cmd
}

func newSmsInboundCommand() *cobra.Command {
	var messageID string

	cmd := &cobra.Command{
		Use:   "inbound <from> <body>",
		Short: "Process an inbound SMS as if the provider delivered it",
		Example: `  leadflow sms inbound +15550102030 "Yes, sounds good"
  leadflow sms inbound +15550102030 STOP`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.ProcessIncomingSms(ctx, args[0], args[1], messageID)
				if err != nil {
					return err
				}
				return output(cmd, res, func(w io.Writer) {
					mark := color.New(color.FgGreen).Sprint("OK")
					if !res.Success {
						mark = color.New(color.FgYellow).Sprint("!")
					}
					fmt.Fprintf(w, "%s %s", mark, res.Action)
					if res.LeadID != "" {
						fmt.Fprintf(w, "  lead=%s intent=%s state=%s", res.LeadID, res.Intent, stateLabel(res.State))
					}
					fmt.Fprintln(w)
					if res.Error != "" {
						fmt.Fprintf(w, "  error: %s\n", res.Error)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&messageID, "message-id", "", "provider message ID")
	return cmd
}

func newContactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Scheduled contact operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one scheduled contact pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				summary, err := a.RunScheduledContacts(ctx)
				if err != nil {
					return err
				}
				return output(cmd, summary, func(w io.Writer) {
					fmt.Fprintln(w, summary.String())
				})
			})
		},
	})
	return cmd
}

func newSlotsCommand() *cobra.Command {
	var days, limit int

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List available appointment slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				slots, err := a.ListSlots(ctx, days, limit)
				if err != nil {
					return err
				}
				return output(cmd, slots, func(w io.Writer) {
					if len(slots) == 0 {
						fmt.Fprintln(w, "No available slots.")
						return
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tWHEN")
					for _, s := range slots {
						fmt.Fprintf(tw, "%s\t%s\n", s.ID, a.FormatSlot(s))
					}
					_ = tw.Flush()
				})
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days ahead to search (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum slots to list, 0 for all")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		query engine.EventQuery
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the audit event log",
		Long: `Read domain events persisted by the audit sink. Events are only recorded
when events.audit is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				query.Since = time.Now().Add(-since)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Events(ctx, query)
				if err != nil {
					return err
				}
				return output(cmd, events, func(w io.Writer) {
					for _, e := range events {
						fmt.Fprintf(w, "%s  %-28s %-8s %s\n",
							e.Timestamp.Format(time.RFC3339), e.Type, e.LeadID, e.Message)
					}
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&query.LeadID, "lead", "", "only events for this lead")
	f.StringVar(&query.Type, "type", "", "only events of this type")
	f.DurationVar(&since, "since", 0, "only events newer than this")
	f.IntVar(&query.Limit, "limit", 50, "maximum events, newest kept")
	return cmd
}
