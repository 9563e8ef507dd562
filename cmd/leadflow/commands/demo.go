package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/engine"
)

// demoScript is one simulated conversation.
type demoScript struct {
	params  engine.CreateLeadParams
	replies []string
	finish  func(ctx context.Context, a *app.App, leadID string) error
}

func newDemoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run simulated conversations against an in-memory instance",
		Long: `Run a few simulated conversations end to end with the in-memory store
and the mock SMS provider, then print each transcript. Nothing is sent
and nothing is persisted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Store.Driver = "memory"
			cfg.Channel.Provider = "mock"
			cfg.Channel.FailRate = 0
			cfg.Runner.Enabled = false
			cfg.QuietHours.Enabled = false
			cfg.Policy.Paths = nil
			cfg.Policy.Watch = false
			cfg.Templates.Watch = false

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown(context.WithoutCancel(ctx)) }()

			scripts := []demoScript{
				{
					params:  engine.CreateLeadParams{FirstName: "Dana", LastName: "Scully", Phone: "+15550100001", ConsentVerified: true},
					replies: []string{"Yes, I'd like to hear more", "2"},
					finish: func(ctx context.Context, a *app.App, id string) error {
						_, err := a.CompleteAppointment(ctx, id)
						return err
					},
				},
				{
					params:  engine.CreateLeadParams{FirstName: "Fox", LastName: "Mulder", Phone: "+15550100002", ConsentVerified: true},
					replies: []string{"What does this cost?", "STOP"},
				},
				{
					params:  engine.CreateLeadParams{FirstName: "Walter", LastName: "Skinner", Phone: "+15550100003", ConsentVerified: true},
					replies: []string{"not right now, thanks"},
				},
			}

			var leads []*engine.Lead
			for _, s := range scripts {
				lead, err := runDemoScript(ctx, a, s)
				if err != nil {
					return err
				}
				leads = append(leads, lead)
			}

			stats, err := a.GetLeadStats(ctx)
			if err != nil {
				return err
			}
			return output(cmd, map[string]any{"leads": leads, "stats": stats}, func(w io.Writer) {
				for _, l := range leads {
					printTranscript(w, l)
				}
				printStats(w, stats)
			})
		},
	}
}

func runDemoScript(ctx context.Context, a *app.App, s demoScript) (*engine.Lead, error) {
	lead, err := a.CreateLead(ctx, s.params)
	if err != nil {
		return nil, err
	}
	if _, err := a.StartWorkflow(ctx, lead.ID); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", lead.FirstName, err)
	}
	for _, body := range s.replies {
		if _, err := a.ProcessIncomingSms(ctx, lead.Phone, body, ""); err != nil {
			return nil, err
		}
	}
	if s.finish != nil {
		if err := s.finish(ctx, a, lead.ID); err != nil {
			return nil, err
		}
	}
	return a.GetLead(ctx, lead.ID)
}

func printTranscript(w io.Writer, l *engine.Lead) {
	fmt.Fprintf(w, "%s (%s)  final state: %s\n", color.New(color.Bold).Sprint(l.FullName()), l.Phone, stateLabel(l.State))
	for _, m := range l.ContactAttempts {
		who := color.New(color.FgBlue).Sprint("  leadflow >")
		if m.Direction == engine.DirectionInbound {
			who = color.New(color.FgMagenta).Sprint("  lead     <")
		}
		fmt.Fprintf(w, "%s %s\n", who, m.Body)
	}
	fmt.Fprintln(w)
}
