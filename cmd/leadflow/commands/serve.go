package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leadflow/leadflow/pkg/api"
	"github.com/leadflow/leadflow/pkg/app"
)

func newServeCommand(version string) *cobra.Command {
	var (
		listen   string
		noRunner bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled contact runner",
		Long: `Run the HTTP API, the scheduled contact runner and the policy and
template watchers until interrupted.

Endpoints:
  POST /leads, GET /leads, GET /leads/stats, GET /leads/{id}
  POST /leads/{id}/workflow|propose|complete|escalate
  POST /webhooks/sms, GET /slots, GET /events, POST /contacts/run
  GET /status, GET /healthz, GET /metrics`,
		Example: `  leadflow serve --config ./leadflow.yaml
  leadflow serve --listen :8081 --no-runner`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.HTTP.Listen = listen
			}
			if noRunner {
				cfg.Runner.Enabled = false
			}
			if cfg.Service.Version == "dev" {
				cfg.Service.Version = version
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Shutdown(context.WithoutCancel(ctx))
				return err
			}

			log.Info().
				Str("listen", cfg.HTTP.Listen).
				Str("store", cfg.Store.Driver).
				Str("provider", cfg.Channel.Provider).
				Bool("runner", cfg.Runner.Enabled).
				Msg("Starting leadflow")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.NewServer(a).ListenAndServe(gctx)
			})
			if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.HTTP.Listen {
				tel := a.Telemetry()
				g.Go(func() error {
					return tel.Metrics.ServeMetrics(gctx, tel.Logger)
				})
			}
			runErr := g.Wait()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}
			log.Info().Msg("leadflow stopped")
			return runErr
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides http.listen)")
	cmd.Flags().BoolVar(&noRunner, "no-runner", false, "do not start the scheduled contact runner")
	return cmd
}
