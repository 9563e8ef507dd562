package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete leadflow process configuration.
type Config struct {
	Service    ServiceConfig    `json:"service" yaml:"service"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Workflow   WorkflowConfig   `json:"workflow" yaml:"workflow"`
	Runner     RunnerConfig     `json:"runner" yaml:"runner"`
	QuietHours QuietHoursConfig `json:"quiet_hours" yaml:"quiet_hours"`
	Calendar   CalendarConfig   `json:"calendar" yaml:"calendar"`
	Channel    ChannelConfig    `json:"channel" yaml:"channel"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Policy     PolicyConfig     `json:"policy" yaml:"policy"`
	Templates  TemplatesConfig  `json:"templates" yaml:"templates"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
}

// ServiceConfig identifies the process.
type ServiceConfig struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Version     string `json:"version" yaml:"version"`
	Environment string `json:"environment" yaml:"environment" validate:"oneof=development staging production"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn warning error fatal"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `json:"output" yaml:"output" validate:"required"`

	Caller bool `json:"caller" yaml:"caller"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Listen    string `json:"listen" yaml:"listen"`
	Path      string `json:"path" yaml:"path" validate:"startswith=/"`
	Namespace string `json:"namespace" yaml:"namespace" validate:"required"`
}

// EventsConfig configures the domain event bus.
type EventsConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Async      bool `json:"async" yaml:"async"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size" validate:"gt=0"`

	// Audit persists every event in the store's event log.
	Audit bool `json:"audit" yaml:"audit"`
}

// StoreConfig selects the lead store.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"oneof=memory sqlite"`
	Path   string `json:"path" yaml:"path" validate:"required_if=Driver sqlite"`
}

// WorkflowConfig tunes the orchestrator and retry policy.
type WorkflowConfig struct {
	MaxContactAttempts int      `json:"max_contact_attempts" yaml:"max_contact_attempts" validate:"min=1"`
	FollowUpInterval   Duration `json:"follow_up_interval" yaml:"follow_up_interval" validate:"gt=0"`
	BackoffMultiplier  float64  `json:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=1"`
	RetryDelay         Duration `json:"retry_delay" yaml:"retry_delay" validate:"gte=0"`

	// RetryableErrors are substrings of provider failure reasons that get a
	// short retry instead of the full follow-up interval.
	RetryableErrors []string `json:"retryable_errors" yaml:"retryable_errors"`

	// CollaboratorTimeout bounds each provider, model and calendar call.
	CollaboratorTimeout Duration `json:"collaborator_timeout" yaml:"collaborator_timeout" validate:"gte=0"`

	ProposalCount  int `json:"proposal_count" yaml:"proposal_count" validate:"min=1,max=5"`
	SlotWindowDays int `json:"slot_window_days" yaml:"slot_window_days" validate:"min=1"`
}

// RunnerConfig configures the scheduled contact runner.
type RunnerConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Interval Duration `json:"interval" yaml:"interval" validate:"gt=0"`
}

// QuietHoursConfig holds proactive contact inside a daily window.
type QuietHoursConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Start    string `json:"start" yaml:"start" validate:"required_if=Enabled true"`
	End      string `json:"end" yaml:"end" validate:"required_if=Enabled true"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// CalendarConfig shapes the local slot calendar.
type CalendarConfig struct {
	BusinessStart string `json:"business_start" yaml:"business_start" validate:"required"`
	BusinessEnd   string `json:"business_end" yaml:"business_end" validate:"required"`
	SlotMinutes   int    `json:"slot_minutes" yaml:"slot_minutes" validate:"min=5"`
	DaysAhead     int    `json:"days_ahead" yaml:"days_ahead" validate:"min=1"`
	WeekdaysOnly  bool   `json:"weekdays_only" yaml:"weekdays_only"`
	Timezone      string `json:"timezone" yaml:"timezone"`
}

// ChannelConfig selects the message provider.
type ChannelConfig struct {
	Provider      string   `json:"provider" yaml:"provider" validate:"required"`
	FailRate      float64  `json:"fail_rate" yaml:"fail_rate" validate:"gte=0,lte=1"`
	Timeout       Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	MaxBodyLength int      `json:"max_body_length" yaml:"max_body_length" validate:"gte=0"`
}

// ClassifierConfig selects the language model.
type ClassifierConfig struct {
	Provider      string   `json:"provider" yaml:"provider" validate:"oneof=rules starlark"`
	Script        string   `json:"script" yaml:"script" validate:"required_if=Provider starlark"`
	MinConfidence float64  `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
	Timeout       Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// PolicyConfig configures the OPA contact gate.
type PolicyConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Paths         []string `json:"paths" yaml:"paths"`
	Watch         bool     `json:"watch" yaml:"watch"`
	MinContactGap Duration `json:"min_contact_gap" yaml:"min_contact_gap" validate:"gte=0"`
}

// TemplatesConfig points at an optional message template override file.
type TemplatesConfig struct {
	Path  string `json:"path" yaml:"path"`
	Watch bool   `json:"watch" yaml:"watch"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Listen       string   `json:"listen" yaml:"listen" validate:"required"`
	ReadTimeout  Duration `json:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
}

// Duration is a time.Duration written as a string ("24h", "15m") in
// configuration files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		return d.parse(val)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if err := d.parse(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ValidationError is a configuration problem with its location when known.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the dotted field path, e.g. "workflow.proposal_count".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one configuration.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
