package config

import (
	"fmt"
	"time"

	"github.com/leadflow/leadflow/pkg/channel"
	"github.com/leadflow/leadflow/pkg/classifier"
	"github.com/leadflow/leadflow/pkg/policy"
	"github.com/leadflow/leadflow/pkg/scheduler"
	"github.com/leadflow/leadflow/pkg/stores"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// TelemetryConfig builds the telemetry configuration, starting from the
// telemetry defaults for fields the file does not expose.
func (c *Config) TelemetryConfig() *telemetry.Config {
	t := telemetry.DefaultConfig()
	t.ServiceName = c.Service.Name
	t.ServiceVersion = c.Service.Version
	t.Environment = c.Service.Environment

	t.Logging.Level = c.Logging.Level
	t.Logging.Format = c.Logging.Format
	t.Logging.Output = c.Logging.Output
	t.Logging.EnableCaller = c.Logging.Caller

	t.Tracing.Enabled = c.Tracing.Enabled
	t.Tracing.Exporter = c.Tracing.Exporter
	t.Tracing.Endpoint = c.Tracing.Endpoint
	t.Tracing.SamplingRate = c.Tracing.SamplingRate

	t.Metrics.Enabled = c.Metrics.Enabled
	t.Metrics.ListenAddress = c.Metrics.Listen
	t.Metrics.Path = c.Metrics.Path
	t.Metrics.Namespace = c.Metrics.Namespace

	t.Events.Enabled = c.Events.Enabled
	t.Events.EnableAsync = c.Events.Async
	t.Events.BufferSize = c.Events.BufferSize
	return t
}

// StoreConfig returns the SQLite store settings.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{Path: c.Store.Path}
}

// QuietWindow returns the quiet window, or nil when disabled.
func (c *Config) QuietWindow() *scheduler.QuietHours {
	if !c.QuietHours.Enabled {
		return nil
	}
	return &scheduler.QuietHours{
		Start:    c.QuietHours.Start,
		End:      c.QuietHours.End,
		Timezone: c.QuietHours.Timezone,
	}
}

// CalendarConfig returns the slot generation settings.
func (c *Config) CalendarConfig() (scheduler.CalendarConfig, error) {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return scheduler.CalendarConfig{}, fmt.Errorf("calendar timezone: %w", err)
	}
	return scheduler.CalendarConfig{
		BusinessStart: c.Calendar.BusinessStart,
		BusinessEnd:   c.Calendar.BusinessEnd,
		SlotMinutes:   c.Calendar.SlotMinutes,
		DaysAhead:     c.Calendar.DaysAhead,
		WeekdaysOnly:  c.Calendar.WeekdaysOnly,
		Location:      loc,
	}, nil
}

// SchedulerConfig returns the scheduler settings.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("calendar timezone: %w", err)
	}
	return scheduler.Config{WindowDays: c.Workflow.SlotWindowDays, Location: loc}, nil
}

// ChannelConfig returns the adapter and provider settings.
func (c *Config) ChannelConfig() (channel.Config, channel.ProviderConfig) {
	adapter := channel.Config{
		Timeout:       c.Channel.Timeout.Std(),
		MaxBodyLength: c.Channel.MaxBodyLength,
	}
	provider := channel.ProviderConfig{
		Name:     c.Channel.Provider,
		FailRate: c.Channel.FailRate,
	}
	return adapter, provider
}

// ClassifierConfig returns the language model settings.
func (c *Config) ClassifierConfig() classifier.Config {
	return classifier.Config{
		Provider:      c.Classifier.Provider,
		Script:        c.Classifier.Script,
		MinConfidence: c.Classifier.MinConfidence,
		Timeout:       c.Classifier.Timeout.Std(),
	}
}

// PolicySettings returns the data document exposed to contact policies.
func (c *Config) PolicySettings() policy.Settings {
	return policy.Settings{
		MaxContactAttempts: c.Workflow.MaxContactAttempts,
		MinContactGap:      c.Policy.MinContactGap.Std(),
	}
}
