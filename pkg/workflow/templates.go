package workflow

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/leadflow/leadflow/pkg/telemetry"
)

// Template names used by the orchestrator.
const (
	TemplateInitialContact       = "initial_contact"
	TemplateFollowUp             = "follow_up"
	TemplateOptOutConfirmation   = "opt_out_confirmation"
	TemplateSlotProposal         = "slot_proposal"
	TemplateRescheduleProposal   = "reschedule_proposal"
	TemplateSlotTaken            = "slot_taken"
	TemplateAppointmentConfirmed = "appointment_confirmed"
	TemplateAppointmentReminder  = "appointment_reminder"
	TemplateDecline              = "decline"
	TemplateHandoff              = "handoff"
)

//go:embed templates.yaml
var defaultTemplateSource []byte

const templateReloadDelay = 500 * time.Millisecond

// TemplateData is the value templates are executed with.
type TemplateData struct {
	FirstName string
	FullName  string

	// Slots is the numbered slot list, one per line.
	Slots string

	// Slot is the booked (or cancelled) appointment.
	Slot string

	// Attempt is the 1-based number of the outbound attempt being sent.
	Attempt int
}

// Templates is the message catalog. The embedded defaults are always
// present; an optional override file replaces individual entries.
type Templates struct {
	mu     sync.RWMutex
	set    map[string]*template.Template
	path   string
	logger *telemetry.Logger
}

// DefaultTemplates returns the embedded catalog.
func DefaultTemplates() *Templates {
	set, err := parseTemplates(defaultTemplateSource, nil)
	if err != nil {
		panic(fmt.Sprintf("embedded templates are invalid: %v", err))
	}
	return &Templates{set: set, logger: telemetry.NewNopLogger()}
}

// LoadTemplates reads the override file at path on top of the defaults.
// An empty path returns the defaults.
func LoadTemplates(path string, logger *telemetry.Logger) (*Templates, error) {
	t := DefaultTemplates()
	if logger != nil {
		t.logger = logger.NewComponentLogger("templates")
	}
	if path == "" {
		return t, nil
	}
	t.path = path
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the override file. On error the current catalog stays
// in place.
func (t *Templates) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read templates %s: %w", t.path, err)
	}

	defaults, err := parseTemplates(defaultTemplateSource, nil)
	if err != nil {
		return err
	}
	set, err := parseTemplates(data, defaults)
	if err != nil {
		return fmt.Errorf("templates %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.set = set
	t.mu.Unlock()

	t.logger.WithField("path", t.path).Info("message templates loaded")
	return nil
}

// parseTemplates decodes a name → text YAML map. With base set, only known
// names may appear and base entries not overridden are kept.
func parseTemplates(data []byte, base map[string]*template.Template) (map[string]*template.Template, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode templates: %w", err)
	}

	set := make(map[string]*template.Template, len(base)+len(raw))
	for name, tmpl := range base {
		set[name] = tmpl
	}
	for name, text := range raw {
		if base != nil {
			if _, known := base[name]; !known {
				return nil, fmt.Errorf("unknown template %q", name)
			}
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %q: %w", name, err)
		}
		set[name] = tmpl
	}
	return set, nil
}

// Render executes the named template. Surrounding whitespace is trimmed.
func (t *Templates) Render(name string, data TemplateData) (string, error) {
	t.mu.RLock()
	tmpl, ok := t.set[name]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Names returns the template names in sorted order.
func (t *Templates) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.set))
	for name := range t.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the override file when it changes. The containing
// directory is watched so editors that replace the file are noticed.
// It returns once the watcher is running; the watcher stops when ctx is done.
func (t *Templates) Watch(ctx context.Context) error {
	if t.path == "" {
		return fmt.Errorf("no template file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", t.path, err)
	}

	go t.processEvents(ctx, watcher)
	return nil
}

func (t *Templates) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(t.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(templateReloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := t.Reload(); err != nil {
					t.logger.WithError(err).Error("failed to reload message templates")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.WithError(err).Warn("template watcher error")
		}
	}
}
