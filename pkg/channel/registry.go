package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// ProviderConfig carries provider settings from the channel config section.
type ProviderConfig struct {
	Name     string
	FailRate float64
}

// ProviderFactory builds a provider from its config.
type ProviderFactory func(cfg ProviderConfig, logger *telemetry.Logger) (engine.MessageProvider, error)

// Registry maps provider names to factories. The composition root picks one
// provider by name at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry creates a registry with the built-in mock and log providers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]ProviderFactory)}
	_ = r.Register("mock", func(cfg ProviderConfig, logger *telemetry.Logger) (engine.MessageProvider, error) {
		p := NewMockProvider(logger)
		p.SetFailRate(cfg.FailRate)
		return p, nil
	})
	_ = r.Register("log", func(_ ProviderConfig, logger *telemetry.Logger) (engine.MessageProvider, error) {
		return NewLogProvider(logger), nil
	})
	return r
}

// Register adds a factory. Registering a name twice is an error.
func (r *Registry) Register(name string, factory ProviderFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New builds the provider named in cfg.
func (r *Registry) New(cfg ProviderConfig, logger *telemetry.Logger) (engine.MessageProvider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown message provider %q (available: %v)", cfg.Name, r.Names())
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return factory(cfg, logger)
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogProvider writes outbound messages to the log instead of a carrier.
type LogProvider struct {
	logger *telemetry.Logger
}

// NewLogProvider creates a provider that logs every message at info level.
func NewLogProvider(logger *telemetry.Logger) *LogProvider {
	return &LogProvider{logger: logger.WithProvider("log")}
}

func (p *LogProvider) Name() string { return "log" }

// Send logs the message and reports it delivered.
func (p *LogProvider) Send(ctx context.Context, to, body string) (engine.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.ProviderResult{}, err
	}
	id := "log-" + uuid.New().String()
	p.logger.WithFields(map[string]interface{}{
		"to":         to,
		"message_id": id,
		"body":       body,
	}).Info("sms")
	return engine.ProviderResult{MessageID: id, Status: engine.AttemptStatusDelivered}, nil
}
