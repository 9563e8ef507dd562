package config

import (
	"time"
)

// DefaultConfig returns a configuration that runs everything in memory with
// the mock provider and keyword classifier.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "leadflow",
			Version:     "dev",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "leadflow",
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Workflow: WorkflowConfig{
			MaxContactAttempts:  3,
			FollowUpInterval:    Duration(24 * time.Hour),
			BackoffMultiplier:   1.0,
			RetryDelay:          Duration(15 * time.Minute),
			RetryableErrors:     []string{"timeout", "deadline exceeded", "temporarily unavailable", "rate limit"},
			CollaboratorTimeout: Duration(10 * time.Second),
			ProposalCount:       3,
			SlotWindowDays:      14,
		},
		Runner: RunnerConfig{
			Enabled:  true,
			Interval: Duration(time.Minute),
		},
		QuietHours: QuietHoursConfig{
			Enabled:  false,
			Start:    "21:00",
			End:      "08:00",
			Timezone: "UTC",
		},
		Calendar: CalendarConfig{
			BusinessStart: "09:00",
			BusinessEnd:   "17:00",
			SlotMinutes:   60,
			DaysAhead:     14,
			WeekdaysOnly:  true,
			Timezone:      "UTC",
		},
		Channel: ChannelConfig{
			Provider:      "mock",
			Timeout:       Duration(10 * time.Second),
			MaxBodyLength: 1600,
		},
		Classifier: ClassifierConfig{
			Provider:      "rules",
			MinConfidence: 0.5,
			Timeout:       Duration(2 * time.Second),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		HTTP: HTTPConfig{
			Listen:       ":8080",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
		},
	}
}
