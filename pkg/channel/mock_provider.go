package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// ErrSimulatedFailure is returned by MockProvider for randomly failed sends.
var ErrSimulatedFailure = errors.New("simulated carrier failure")

// SentMessage is a message accepted by MockProvider.
type SentMessage struct {
	To        string
	Body      string
	MessageID string
	At        time.Time
}

// MockProvider is an in-memory engine.MessageProvider. It records every
// accepted message and can be scripted to fail.
type MockProvider struct {
	mu       sync.Mutex
	sent     []SentMessage
	failures []error
	failFor  map[string]error
	failRate float64
	rng      *rand.Rand
	delay    time.Duration
	logger   *telemetry.Logger
}

var _ engine.MessageProvider = (*MockProvider)(nil)

// NewMockProvider creates a provider that accepts every message.
func NewMockProvider(logger *telemetry.Logger) *MockProvider {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &MockProvider{
		failFor: make(map[string]error),
		rng:     rand.New(rand.NewPCG(1, 2)),
		logger:  logger.WithProvider("mock"),
	}
}

func (p *MockProvider) Name() string { return "mock" }

// Send records the message or returns the next scripted failure.
func (p *MockProvider) Send(ctx context.Context, to, body string) (engine.ProviderResult, error) {
	p.mu.Lock()
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return engine.ProviderResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return engine.ProviderResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failFor[to]; ok {
		p.logger.WithField("to", to).Debug("scripted failure for recipient")
		return engine.ProviderResult{}, err
	}
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		p.logger.WithField("to", to).Debug("scripted failure")
		return engine.ProviderResult{}, err
	}
	if p.failRate > 0 && p.rng.Float64() < p.failRate {
		return engine.ProviderResult{}, ErrSimulatedFailure
	}

	msg := SentMessage{
		To:        to,
		Body:      body,
		MessageID: "mock-" + uuid.New().String(),
		At:        time.Now(),
	}
	p.sent = append(p.sent, msg)
	p.logger.WithFields(map[string]interface{}{
		"to":         to,
		"message_id": msg.MessageID,
	}).Info("sms sent")

	return engine.ProviderResult{MessageID: msg.MessageID, Status: engine.AttemptStatusSent}, nil
}

// FailNext makes the next len(errs) sends fail with errs in order.
func (p *MockProvider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// FailFor makes every send to phone fail with err. A nil err clears it.
func (p *MockProvider) FailFor(phone string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failFor, phone)
		return
	}
	p.failFor[phone] = err
}

// SetFailRate makes a fraction of sends fail with ErrSimulatedFailure.
func (p *MockProvider) SetFailRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRate = rate
}

// SetDelay makes every send wait d before completing.
func (p *MockProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Sent returns every accepted message, oldest first.
func (p *MockProvider) Sent() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

// SentTo returns accepted messages for one recipient.
func (p *MockProvider) SentTo(phone string) []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SentMessage
	for _, m := range p.sent {
		if m.To == phone {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message to phone.
func (p *MockProvider) Last(phone string) (SentMessage, error) {
	msgs := p.SentTo(phone)
	if len(msgs) == 0 {
		return SentMessage{}, fmt.Errorf("no messages sent to %s", phone)
	}
	return msgs[len(msgs)-1], nil
}

// Reset clears recorded messages and scripted failures.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
	p.failures = nil
	p.failFor = make(map[string]error)
	p.failRate = 0
}
