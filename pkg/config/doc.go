// Package config loads and validates leadflow configuration.
//
// Files may be CUE, YAML or JSON. Every file is decoded on top of
// DefaultConfig, so a file only needs the values it changes:
//
//	workflow: {
//		max_contact_attempts: 5
//		follow_up_interval:   "48h"
//	}
//	quiet_hours: {
//		enabled:  true
//		start:    "21:00"
//		end:      "08:00"
//		timezone: "America/New_York"
//	}
//
// Validation runs in three passes: the embedded CUE schema (see
// SchemaSource) checks types, enums and ranges; validator tags check
// required and conditional fields; cross-field checks cover quiet hours,
// business hours and timezones. All problems are reported together as
// ValidationErrors.
//
// Durations are written as Go duration strings ("15m", "24h").
package config
