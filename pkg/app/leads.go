package app

import (
	"context"
	"fmt"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/scheduler"
	"github.com/leadflow/leadflow/pkg/telemetry"
	"github.com/leadflow/leadflow/pkg/workflow"
)

// Status is a snapshot of the running system.
type Status struct {
	Running         bool              `json:"running"`
	ActiveWorkflows int               `json:"active_workflows"`
	PendingLeads    int               `json:"pending_leads"`
	Health          map[string]string `json:"health"`
	LastRun         *RunInfo          `json:"last_run,omitempty"`
}

// RunInfo describes the most recent scheduled contact pass.
type RunInfo struct {
	At      time.Time           `json:"at"`
	Summary workflow.RunSummary `json:"summary"`
}

// Healthy reports whether every component is healthy.
func (s Status) Healthy() bool {
	for _, v := range s.Health {
		if v != "ok" {
			return false
		}
	}
	return true
}

// CreateLead stores a new lead. Leads without their own attempt cap get the
// configured one.
func (a *App) CreateLead(ctx context.Context, params engine.CreateLeadParams) (*engine.Lead, error) {
	if params.MaxContactAttempts == 0 {
		params.MaxContactAttempts = a.config.Workflow.MaxContactAttempts
	}
	lead, err := a.store.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	a.tel.Metrics.RecordLeadCreated(lead.ConsentVerified)
	if err := a.tel.Events.PublishLeadEvent(telemetry.EventTypeLeadCreated, lead.ID, "Lead created",
		map[string]interface{}{
			"state":            string(lead.State),
			"consent_verified": lead.ConsentVerified,
		}); err != nil {
		a.logger.WithLeadID(lead.ID).WithError(err).Warn("domain event dropped")
	}
	a.logger.WithLeadID(lead.ID).WithField("state", string(lead.State)).Info("lead created")
	return lead, nil
}

// GetLead returns a lead by ID.
func (a *App) GetLead(ctx context.Context, id string) (*engine.Lead, error) {
	return a.store.GetByID(ctx, id)
}

// GetAllLeads returns every lead, oldest first.
func (a *App) GetAllLeads(ctx context.Context) ([]*engine.Lead, error) {
	return a.store.List(ctx)
}

// GetLeadStats returns counts over all leads.
func (a *App) GetLeadStats(ctx context.Context) (*engine.LeadStats, error) {
	return a.store.GetStats(ctx)
}

// StartWorkflow sends the initial message to a consented lead.
func (a *App) StartWorkflow(ctx context.Context, leadID string) (*engine.WorkflowExecution, error) {
	return a.orchestrator.StartForLead(ctx, leadID)
}

// ProcessIncomingSms handles an inbound SMS webhook.
func (a *App) ProcessIncomingSms(ctx context.Context, from, body, providerID string) (workflow.InboundResult, error) {
	return a.orchestrator.ProcessIncomingMessage(ctx, from, body, providerID)
}

// ProposeSlots offers appointment slots to an interested lead.
func (a *App) ProposeSlots(ctx context.Context, leadID string) (*engine.WorkflowExecution, error) {
	return a.orchestrator.ProposeAppointmentSlots(ctx, leadID)
}

// CompleteAppointment marks a lead's confirmed appointment as held.
func (a *App) CompleteAppointment(ctx context.Context, leadID string) (*engine.WorkflowExecution, error) {
	return a.orchestrator.CompleteAppointment(ctx, leadID)
}

// EscalateLead hands a lead to a human.
func (a *App) EscalateLead(ctx context.Context, leadID, reason string) (*engine.WorkflowExecution, error) {
	return a.orchestrator.EscalateLead(ctx, leadID, reason)
}

// RunScheduledContacts performs one runner pass now.
func (a *App) RunScheduledContacts(ctx context.Context) (workflow.RunSummary, error) {
	return a.runner.RunOnce(ctx)
}

// ListSlots returns available slots over the next days days.
func (a *App) ListSlots(ctx context.Context, days, limit int) ([]engine.AppointmentSlot, error) {
	if days <= 0 {
		days = a.config.Workflow.SlotWindowDays
	}
	now := a.clock()
	return a.scheduler.GetAvailableSlots(ctx, scheduler.Window{Start: now, End: now.AddDate(0, 0, days)}, limit)
}

// FormatSlot renders a slot the way it appears in messages.
func (a *App) FormatSlot(slot engine.AppointmentSlot) string {
	return a.scheduler.Format(slot)
}

// Events reads the audit log.
func (a *App) Events(ctx context.Context, query engine.EventQuery) ([]engine.Event, error) {
	return a.store.ListEvents(ctx, query)
}

// Executions lists workflow executions for a lead, or all of them.
func (a *App) Executions(ctx context.Context, leadID string) ([]*engine.WorkflowExecution, error) {
	return a.store.ListExecutions(ctx, leadID)
}

// Subscribe registers fn for domain events matching filter (nil for all).
// The returned function unsubscribes.
func (a *App) Subscribe(fn telemetry.EventSubscriber, filter telemetry.EventFilter) func() {
	return a.tel.Events.Subscribe(fn, filter)
}

// GetStatus reports whether background work is running, how many
// workflows are active, how many leads are due and component health.
func (a *App) GetStatus(ctx context.Context) (Status, error) {
	a.mu.Lock()
	running := a.started
	a.mu.Unlock()

	status := Status{Running: running, Health: map[string]string{}}

	active, err := a.store.CountActiveExecutions(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to count active workflows: %w", err)
	}
	status.ActiveWorkflows = active

	due, err := a.store.GetReadyForContact(ctx, a.clock())
	if err != nil {
		return status, fmt.Errorf("failed to count pending leads: %w", err)
	}
	status.PendingLeads = len(due)

	status.Health["store"] = healthOf(a.store.HealthCheck(ctx))
	status.Health["provider"] = "ok"
	status.Health["classifier"] = "ok"
	if a.policy != nil {
		status.Health["policy"] = "ok"
	}
	if a.config.Runner.Enabled {
		status.Health["runner"] = "ok"
		if running && !a.runner.Running() {
			status.Health["runner"] = "stopped"
		}
	}

	if summary, at := a.runner.LastRun(); !at.IsZero() {
		status.LastRun = &RunInfo{At: at, Summary: summary}
	}
	return status, nil
}

func healthOf(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
