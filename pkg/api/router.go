package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// Dependencies holds everything the HTTP transport needs.
type Dependencies struct {
	App            *app.App
	Logger         *telemetry.Logger
	HandlerTimeout time.Duration
}

// NewRouter creates a chi.Router with the middleware chain and every
// route. Health and metrics bypass request logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	a := deps.App

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)

	r.Get("/healthz", handleHealth(a))
	r.Handle("/metrics", a.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/status", handleStatus(a))

		r.Route("/leads", func(r chi.Router) {
			r.Post("/", handleCreateLead(a))
			r.Get("/", handleListLeads(a))
			r.Get("/stats", handleLeadStats(a))

			r.Route("/{leadId}", func(r chi.Router) {
				r.Get("/", handleGetLead(a))
				r.Get("/executions", handleLeadExecutions(a))
				r.Get("/events", handleLeadEvents(a))
				r.Post("/workflow", handleStartWorkflow(a))
				r.Post("/propose", handleProposeSlots(a))
				r.Post("/complete", handleCompleteAppointment(a))
				r.Post("/escalate", handleEscalateLead(a))
			})
		})

		r.Post("/webhooks/sms", handleSmsWebhook(a))
		r.Get("/slots", handleListSlots(a))
		r.Get("/events", handleListEvents(a))
		r.Post("/contacts/run", handleRunContacts(a))
	})

	return r
}

// Server serves the router until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *telemetry.Logger
}

// NewServer creates the HTTP server for a.
func NewServer(a *app.App) *Server {
	cfg := a.Config().HTTP
	logger := a.Telemetry().Logger.NewComponentLogger("http")
	handler := NewRouter(Dependencies{
		App:            a,
		Logger:         logger,
		HandlerTimeout: cfg.WriteTimeout.Std(),
	})
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout.Std(),
			ReadHeaderTimeout: cfg.ReadTimeout.Std(),
			WriteTimeout:      cfg.WriteTimeout.Std() + time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until ctx is done, then shuts the server down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.srv.Addr).Info("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
