package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/leadflow/leadflow/pkg/scheduler"
)

// Loader reads configuration files on top of DefaultConfig and validates
// the result with the CUE schema, validator tags and cross-field checks.
type Loader struct {
	schema   *Schema
	validate *validator.Validate
}

// NewLoader creates a loader with the embedded schema.
func NewLoader() (*Loader, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{schema: schema, validate: v}, nil
}

var defaultLoader = sync.OnceValues(NewLoader)

// Load reads path with the default loader. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	l, err := defaultLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Validate checks cfg with the default loader.
func Validate(cfg *Config) error {
	l, err := defaultLoader()
	if err != nil {
		return err
	}
	return l.Validate(cfg)
}

// Load reads a configuration file. The format follows the extension:
// .cue, .yaml, .yml or .json.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, l.Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.LoadBytes(path, data)
}

// LoadBytes decodes data as the format implied by filename.
func (l *Loader) LoadBytes(filename string, data []byte) (*Config, error) {
	cfg := DefaultConfig()

	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".cue":
		raw, err := l.schema.CompileCUE(filename, data)
		if err != nil {
			return nil, err
		}
		if err := decodeJSON(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
		}
	case ".json":
		if err := decodeJSON(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Validate runs all checks and returns every problem found.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.schema.ValidateConfig(cfg); err != nil {
		return err
	}

	var errs ValidationErrors
	if err := l.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    namespacePath(fe.Namespace()),
				Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
			})
		}
	}
	errs = append(errs, crossFieldChecks(cfg)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// namespacePath drops the root type name from a validator namespace.
func namespacePath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func crossFieldChecks(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.QuietHours.Enabled {
		q := scheduler.QuietHours{Start: cfg.QuietHours.Start, End: cfg.QuietHours.End, Timezone: cfg.QuietHours.Timezone}
		if err := q.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "quiet_hours", Message: err.Error()})
		}
	}

	start, errStart := time.Parse("15:04", cfg.Calendar.BusinessStart)
	end, errEnd := time.Parse("15:04", cfg.Calendar.BusinessEnd)
	if errStart == nil && errEnd == nil && !start.Before(end) {
		errs = append(errs, ValidationError{Path: "calendar", Message: "business_start must be before business_end"})
	}
	if _, err := time.LoadLocation(cfg.Calendar.Timezone); err != nil {
		errs = append(errs, ValidationError{Path: "calendar.timezone", Message: err.Error()})
	}

	if cfg.Policy.Watch && !cfg.Policy.Enabled {
		errs = append(errs, ValidationError{Path: "policy.watch", Message: "requires policy.enabled"})
	}
	if cfg.Templates.Watch && cfg.Templates.Path == "" {
		errs = append(errs, ValidationError{Path: "templates.watch", Message: "requires templates.path"})
	}
	return errs
}

// envOverrides maps environment variables onto fields.
var envOverrides = map[string]func(*Config, string){
	"LEADFLOW_LOG_LEVEL":    func(c *Config, v string) { c.Logging.Level = v },
	"LEADFLOW_LOG_FORMAT":   func(c *Config, v string) { c.Logging.Format = v },
	"LEADFLOW_STORE_DRIVER": func(c *Config, v string) { c.Store.Driver = v },
	"LEADFLOW_STORE_PATH":   func(c *Config, v string) { c.Store.Path = v },
	"LEADFLOW_HTTP_LISTEN":  func(c *Config, v string) { c.HTTP.Listen = v },
	"LEADFLOW_ENVIRONMENT":  func(c *Config, v string) { c.Service.Environment = v },
}

// ApplyEnv overrides fields from LEADFLOW_* variables. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for name, set := range envOverrides {
		if v, ok := lookup(name); ok && v != "" {
			set(cfg, v)
		}
	}
}
