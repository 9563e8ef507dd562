package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// DefaultMinConfidence is the confidence below which a classification is
// treated as unknown.
const DefaultMinConfidence = 0.5

// Config selects and tunes the language model.
type Config struct {
	// Provider is "rules" or "starlark".
	Provider string

	// Script is the Starlark file for the starlark provider.
	Script string

	MinConfidence float64

	// Timeout bounds one model call.
	Timeout time.Duration
}

// NewModel builds the configured model.
func NewModel(cfg Config) (engine.LanguageModel, error) {
	switch cfg.Provider {
	case "", "rules":
		return NewRuleModel(), nil
	case "starlark":
		if cfg.Script == "" {
			return nil, fmt.Errorf("starlark classifier requires a script path")
		}
		return LoadStarlarkModel(cfg.Script, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}

// Adapter is the only consumer of the language model. It never touches lead
// state: it returns a classification or drafted text and the caller decides.
// Model errors fall back to the keyword rules, so Classify and Draft always
// produce a usable answer.
type Adapter struct {
	model         engine.LanguageModel
	fallback      engine.LanguageModel
	minConfidence float64
	timeout       time.Duration
	tel           *telemetry.Telemetry
	logger        *telemetry.Logger
}

// NewAdapter wraps model. A nil model uses the keyword rules.
func NewAdapter(model engine.LanguageModel, cfg Config, tel *telemetry.Telemetry) *Adapter {
	if model == nil {
		model = NewRuleModel()
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	return &Adapter{
		model:         model,
		fallback:      NewRuleModel(),
		minConfidence: cfg.MinConfidence,
		timeout:       cfg.Timeout,
		tel:           tel,
		logger:        tel.Logger.NewComponentLogger("classifier").WithProvider(model.Name()),
	}
}

// Model returns the wrapped model.
func (a *Adapter) Model() engine.LanguageModel {
	return a.model
}

// Classify maps text to an intent. An opt-out keyword is recognised by the
// rules before the model is asked, and stop is never downgraded. Other
// results below the minimum confidence become unknown.
func (a *Adapter) Classify(ctx context.Context, text string) engine.MessageClassification {
	if a.model.Name() != a.fallback.Name() {
		if c, err := a.fallback.Classify(ctx, text); err == nil && c.Intent == engine.IntentStop {
			a.tel.Metrics.RecordIntent(string(c.Intent))
			return c
		}
	}

	var c engine.MessageClassification
	err := a.tel.RecordProviderOperation(ctx, a.model.Name(), "classify", func(ctx context.Context) error {
		ctx, cancel := a.withTimeout(ctx)
		defer cancel()

		var err error
		c, err = a.model.Classify(ctx, text)
		if err == nil {
			err = c.Intent.Validate()
		}
		return err
	})
	if err != nil {
		a.logger.WithError(err).Warn("model classification failed, using keyword rules")
		c, _ = a.fallback.Classify(ctx, text)
	}

	if c.Intent != engine.IntentUnknown && c.Intent != engine.IntentStop && c.Confidence < a.minConfidence {
		a.logger.Debugf("downgrading %s at confidence %.2f to unknown", c.Intent, c.Confidence)
		c = engine.MessageClassification{Intent: engine.IntentUnknown, Confidence: c.Confidence}
	}

	a.tel.Metrics.RecordIntent(string(c.Intent))
	return c
}

// Draft produces reply text for dc.
func (a *Adapter) Draft(ctx context.Context, dc engine.DraftContext) string {
	var text string
	err := a.tel.RecordProviderOperation(ctx, a.model.Name(), "draft", func(ctx context.Context) error {
		ctx, cancel := a.withTimeout(ctx)
		defer cancel()

		var err error
		text, err = a.model.Draft(ctx, dc)
		if err == nil && strings.TrimSpace(text) == "" {
			err = fmt.Errorf("model returned an empty draft")
		}
		return err
	})
	if err != nil {
		a.logger.WithError(err).Debug("model draft failed, using keyword rules")
		text, _ = a.fallback.Draft(ctx, dc)
	}
	return strings.TrimSpace(text)
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return context.WithCancel(ctx)
}
