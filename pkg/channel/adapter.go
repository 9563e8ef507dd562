package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// SendResult reports the outcome of an outbound message. Attempt is always
// populated when the provider was called, including on failure.
type SendResult struct {
	Success bool
	Attempt engine.ContactAttempt
	Error   error
}

// InboundMessage is a normalized inbound SMS.
type InboundMessage struct {
	From       string
	Body       string
	ProviderID string
	Attempt    engine.ContactAttempt
}

// Config configures the Adapter.
type Config struct {
	// Timeout bounds a single provider call. Zero means no timeout.
	Timeout time.Duration

	// MaxBodyLength rejects bodies longer than this many runes. Zero disables the check.
	MaxBodyLength int

	Clock func() time.Time
}

// Adapter sends and receives SMS through an engine.MessageProvider and keeps
// a per-lead log of every attempt it made or received.
type Adapter struct {
	provider engine.MessageProvider
	config   Config
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	mu  sync.RWMutex
	log map[string][]engine.ContactAttempt
}

// NewAdapter creates a channel adapter over provider.
func NewAdapter(provider engine.MessageProvider, cfg Config, tel *telemetry.Telemetry) *Adapter {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	return &Adapter{
		provider: provider,
		config:   cfg,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("channel").WithProvider(provider.Name()),
		log:      make(map[string][]engine.ContactAttempt),
	}
}

// Provider returns the underlying provider.
func (a *Adapter) Provider() engine.MessageProvider {
	return a.provider
}

// SendMessage sends body to the lead's phone. Provider failures are reported
// in the result, never as a panic. Opted-out leads are refused without
// calling the provider.
func (a *Adapter) SendMessage(ctx context.Context, lead *engine.Lead, body string) SendResult {
	if lead == nil {
		return SendResult{Error: engine.ValidationError("lead is required", nil)}
	}
	if lead.State == engine.StateOptedOut {
		return SendResult{Error: engine.NewPermanentError("lead has opted out of messages", engine.ErrContactBlocked).
			WithCode(engine.ErrCodeContactBlocked).
			WithResource(lead.ID).
			WithOperation("send")}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return SendResult{Error: engine.ValidationError("message body is empty", nil)}
	}
	if a.config.MaxBodyLength > 0 && len([]rune(body)) > a.config.MaxBodyLength {
		return SendResult{Error: engine.ValidationError(
			fmt.Sprintf("message body exceeds %d characters", a.config.MaxBodyLength), nil)}
	}

	attempt := engine.ContactAttempt{
		ID:        uuid.New().String(),
		Channel:   engine.ChannelSMS,
		Direction: engine.DirectionOutbound,
		Timestamp: a.config.Clock(),
		Body:      body,
	}

	var result engine.ProviderResult
	err := a.tel.RecordProviderOperation(ctx, a.provider.Name(), "send", func(ctx context.Context) error {
		if a.config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
			defer cancel()
		}
		var sendErr error
		result, sendErr = a.safeSend(ctx, lead.Phone, body)
		return sendErr
	})

	logger := a.logger.WithLeadID(lead.ID)
	if err != nil {
		attempt.Status = engine.AttemptStatusFailed
		attempt.FailureReason = err.Error()
		a.record(lead.ID, attempt)
		a.tel.Metrics.RecordMessage(string(engine.DirectionOutbound), string(engine.AttemptStatusFailed))
		logger.WithError(err).Warn("message send failed")
		return SendResult{
			Attempt: attempt,
			Error: engine.NewTransientError("message provider failed", err).
				WithCode(engine.ErrCodeProviderFailed).
				WithResource(lead.ID).
				WithOperation("send"),
		}
	}

	attempt.ProviderID = result.MessageID
	attempt.Status = engine.AttemptStatusSent
	if result.Status == engine.AttemptStatusDelivered {
		attempt.Status = engine.AttemptStatusDelivered
	}
	a.record(lead.ID, attempt)
	a.tel.Metrics.RecordMessage(string(engine.DirectionOutbound), string(attempt.Status))
	logger.WithField("provider_id", attempt.ProviderID).Debug("message sent")

	return SendResult{Success: true, Attempt: attempt}
}

func (a *Adapter) safeSend(ctx context.Context, to, body string) (result engine.ProviderResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %s panicked: %v", a.provider.Name(), r)
		}
	}()
	return a.provider.Send(ctx, to, body)
}

// ProcessIncomingMessage normalizes an inbound SMS into a received attempt.
// The attempt is not attributed to a lead until Record is called.
func (a *Adapter) ProcessIncomingMessage(from, body, providerID string) InboundMessage {
	from = engine.NormalizePhone(from)
	body = strings.TrimSpace(body)
	if providerID == "" {
		providerID = "inbound-" + uuid.New().String()
	}

	a.tel.Metrics.RecordMessage(string(engine.DirectionInbound), string(engine.AttemptStatusReceived))

	return InboundMessage{
		From:       from,
		Body:       body,
		ProviderID: providerID,
		Attempt: engine.ContactAttempt{
			ID:         uuid.New().String(),
			Channel:    engine.ChannelSMS,
			Direction:  engine.DirectionInbound,
			Timestamp:  a.config.Clock(),
			Body:       body,
			Status:     engine.AttemptStatusReceived,
			ProviderID: providerID,
		},
	}
}

// Record adds an attempt to the lead's log.
func (a *Adapter) Record(leadID string, attempt engine.ContactAttempt) {
	a.record(leadID, attempt)
}

func (a *Adapter) record(leadID string, attempt engine.ContactAttempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log[leadID] = append(a.log[leadID], attempt)
}

// Log returns every attempt recorded for leadID, oldest first.
func (a *Adapter) Log(leadID string) []engine.ContactAttempt {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries := a.log[leadID]
	out := make([]engine.ContactAttempt, len(entries))
	copy(out, entries)
	return out
}
