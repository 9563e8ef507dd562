package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/engine"
)

const maxBodyBytes = 1 << 20

// SmsWebhook is the JSON form of an inbound SMS callback. Form-encoded
// callbacks use the From, Body and MessageSid fields instead.
type SmsWebhook struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id"`
}

// EscalateRequest is the body of POST /leads/{id}/escalate.
type EscalateRequest struct {
	Reason string `json:"reason"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return engine.ValidationError("invalid JSON body", err)
	}
	return nil
}

func handleCreateLead(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params engine.CreateLeadParams
		if err := decodeJSON(r, &params); err != nil {
			WriteError(w, err)
			return
		}
		lead, err := a.CreateLead(r.Context(), params)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Location", "/leads/"+lead.ID)
		WriteJSON(w, http.StatusCreated, lead)
	}
}

func handleListLeads(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leads, err := a.GetAllLeads(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		if state := r.URL.Query().Get("state"); state != "" {
			filtered := leads[:0]
			for _, l := range leads {
				if string(l.State) == state {
					filtered = append(filtered, l)
				}
			}
			leads = filtered
		}
		WriteJSON(w, http.StatusOK, map[string]any{"leads": leads, "count": len(leads)})
	}
}

func handleLeadStats(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := a.GetLeadStats(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

func handleGetLead(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lead, err := a.GetLead(r.Context(), chi.URLParam(r, "leadId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, lead)
	}
}

func handleLeadExecutions(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "leadId")
		if _, err := a.GetLead(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		execs, err := a.Executions(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"executions": execs})
	}
}

func handleLeadEvents(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := eventQuery(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		q.LeadID = chi.URLParam(r, "leadId")
		events, err := a.Events(r.Context(), q)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func handleListEvents(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := eventQuery(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		q.LeadID = r.URL.Query().Get("lead_id")
		events, err := a.Events(r.Context(), q)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func eventQuery(r *http.Request) (engine.EventQuery, error) {
	query := r.URL.Query()
	q := engine.EventQuery{Type: query.Get("type")}
	if v := query.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, engine.ValidationError("since must be an RFC 3339 timestamp", err)
		}
		q.Since = since
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return q, err
	}
	q.Limit = limit
	return q, nil
}

// workflowHandler adapts an orchestrator operation on one lead. A failed
// operation returns the error together with its execution record.
func workflowHandler(run func(r *http.Request, leadID string) (*engine.WorkflowExecution, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := run(r, chi.URLParam(r, "leadId"))
		if err != nil {
			writeError(w, err, exec)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleStartWorkflow(a *app.App) http.HandlerFunc {
	return workflowHandler(func(r *http.Request, id string) (*engine.WorkflowExecution, error) {
		return a.StartWorkflow(r.Context(), id)
	})
}

func handleProposeSlots(a *app.App) http.HandlerFunc {
	return workflowHandler(func(r *http.Request, id string) (*engine.WorkflowExecution, error) {
		return a.ProposeSlots(r.Context(), id)
	})
}

func handleCompleteAppointment(a *app.App) http.HandlerFunc {
	return workflowHandler(func(r *http.Request, id string) (*engine.WorkflowExecution, error) {
		return a.CompleteAppointment(r.Context(), id)
	})
}

func handleEscalateLead(a *app.App) http.HandlerFunc {
	return workflowHandler(func(r *http.Request, id string) (*engine.WorkflowExecution, error) {
		var req EscalateRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
		}
		if req.Reason == "" {
			req.Reason = "escalated via API"
		}
		return a.EscalateLead(r.Context(), id, req.Reason)
	})
}

func handleSmsWebhook(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := readWebhook(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		result, err := a.ProcessIncomingSms(r.Context(), msg.From, msg.Body, msg.MessageID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func readWebhook(r *http.Request) (SmsWebhook, error) {
	var msg SmsWebhook
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = io.NopCloser(io.LimitReader(r.Body, maxBodyBytes))
		if err := r.ParseForm(); err != nil {
			return msg, engine.ValidationError("invalid form body", err)
		}
		msg = SmsWebhook{
			From:      r.PostForm.Get("From"),
			Body:      r.PostForm.Get("Body"),
			MessageID: r.PostForm.Get("MessageSid"),
		}
	default:
		if err := decodeJSON(r, &msg); err != nil {
			return msg, err
		}
	}
	if msg.From == "" {
		return msg, engine.ValidationError("from is required", nil)
	}
	return msg, nil
}

func handleListSlots(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := intParam(r, "days")
		if err != nil {
			WriteError(w, err)
			return
		}
		limit, err := intParam(r, "limit")
		if err != nil {
			WriteError(w, err)
			return
		}
		slots, err := a.ListSlots(r.Context(), days, limit)
		if err != nil {
			WriteError(w, err)
			return
		}

		type slotView struct {
			engine.AppointmentSlot
			Display string `json:"display"`
		}
		views := make([]slotView, 0, len(slots))
		for _, s := range slots {
			views = append(views, slotView{AppointmentSlot: s, Display: a.FormatSlot(s)})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"slots": views})
	}
}

func handleRunContacts(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := a.RunScheduledContacts(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleStatus(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := a.GetStatus(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

func handleHealth(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := a.GetStatus(r.Context())
		if err != nil || !status.Healthy() {
			body := map[string]any{"status": "unhealthy", "health": status.Health}
			if err != nil {
				body["error"] = err.Error()
			}
			WriteJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		if err == nil {
			err = errors.New("negative value")
		}
		return 0, engine.ValidationError(name+" must be a non-negative integer", err)
	}
	return n, nil
}
