package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/leadflow/leadflow/pkg/channel"
	"github.com/leadflow/leadflow/pkg/classifier"
	"github.com/leadflow/leadflow/pkg/config"
	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/policy"
	"github.com/leadflow/leadflow/pkg/scheduler"
	"github.com/leadflow/leadflow/pkg/stores"
	"github.com/leadflow/leadflow/pkg/telemetry"
	"github.com/leadflow/leadflow/pkg/workflow"
)

// InterruptedReason is recorded on executions that were still running when
// the previous process stopped.
const InterruptedReason = "interrupted by restart"

const slotRefreshInterval = 6 * time.Hour

// Options override collaborators that are otherwise built from the
// configuration. Zero values mean "build from config".
type Options struct {
	Telemetry *telemetry.Telemetry
	Provider  engine.MessageProvider
	Model     engine.LanguageModel
	Calendar  engine.Calendar
	Clock     func() time.Time
}

// App is the runtime context: it owns every component and is the only
// entry point the CLI and HTTP transport use.
type App struct {
	config *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	clock  func() time.Time

	store        stores.Store
	calendar     engine.Calendar
	seedSlots    func(ctx context.Context, slots []engine.AppointmentSlot) (int, error)
	scheduler    *scheduler.Scheduler
	channel      *channel.Adapter
	classifier   *classifier.Adapter
	policy       *policy.Engine
	templates    *workflow.Templates
	orchestrator *workflow.Orchestrator
	runner       *workflow.Runner

	ownsTelemetry bool
	stopAudit     func()

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds every component from cfg. Executions left running by a
// previous process are marked failed before New returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	a := &App{config: cfg, clock: opts.Clock}
	if a.clock == nil {
		a.clock = time.Now
	}

	a.tel = opts.Telemetry
	if a.tel == nil {
		tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.tel = tel
		a.ownsTelemetry = true
	}
	a.logger = a.tel.Logger.NewComponentLogger("app")

	if err := a.build(ctx, opts); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.config

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openCalendar(ctx, opts.Calendar); err != nil {
		return err
	}

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	schedCfg.Clock = a.clock
	a.scheduler = scheduler.NewScheduler(a.calendar, schedCfg, a.tel)

	chanCfg, providerCfg := cfg.ChannelConfig()
	chanCfg.Clock = a.clock
	if chanCfg.Timeout == 0 {
		chanCfg.Timeout = cfg.Workflow.CollaboratorTimeout.Std()
	}
	provider := opts.Provider
	if provider == nil {
		provider, err = channel.NewRegistry().New(providerCfg, a.tel.Logger.NewComponentLogger("provider"))
		if err != nil {
			return err
		}
	}
	a.channel = channel.NewAdapter(provider, chanCfg, a.tel)

	classCfg := cfg.ClassifierConfig()
	if classCfg.Timeout == 0 {
		classCfg.Timeout = cfg.Workflow.CollaboratorTimeout.Std()
	}
	model := opts.Model
	if model == nil {
		model, err = classifier.NewModel(classCfg)
		if err != nil {
			return fmt.Errorf("failed to build classifier: %w", err)
		}
	}
	a.classifier = classifier.NewAdapter(model, classCfg, a.tel)

	if cfg.Policy.Enabled {
		a.policy, err = policy.NewEngine(a.tel.Logger.Zerolog(), cfg.PolicySettings())
		if err != nil {
			return fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return err
			}
		}
	}

	a.templates, err = workflow.LoadTemplates(cfg.Templates.Path, a.tel.Logger)
	if err != nil {
		return err
	}

	deps := workflow.Dependencies{
		Leads:      a.store,
		Executions: a.store,
		Channel:    a.channel,
		Scheduler:  a.scheduler,
		Classifier: a.classifier,
		Templates:  a.templates,
	}
	if a.policy != nil {
		deps.Policy = a.policy
	}
	a.orchestrator, err = workflow.NewOrchestrator(deps, workflow.Config{
		ProposalCount: cfg.Workflow.ProposalCount,
		QuietHours:    cfg.QuietWindow(),
		Retry:         RetryPolicy(cfg),
		Clock:         a.clock,
	}, a.tel)
	if err != nil {
		return err
	}
	a.runner = workflow.NewRunner(a.orchestrator, cfg.Runner.Interval.Std())

	if cfg.Events.Audit {
		a.stopAudit = a.tel.Events.Subscribe(telemetry.AuditSink(a.store, a.logger), nil)
	}

	n, err := a.store.FailInterrupted(ctx, InterruptedReason, a.clock())
	if err != nil {
		return fmt.Errorf("failed to close interrupted executions: %w", err)
	}
	if n > 0 {
		a.logger.WithField("count", n).Warn("marked interrupted workflow executions as failed")
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.config.Store.Driver {
	case "sqlite":
		storeCfg := a.config.StoreConfig()
		storeCfg.Clock = a.clock
		s, err := stores.NewSQLiteStore(storeCfg)
		if err != nil {
			return err
		}
		a.store = s
		if err := s.Init(ctx); err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	default:
		a.store = stores.NewMemoryStoreWithClock(a.clock)
	}
	return nil
}

// openCalendar picks the slot store: an injected calendar, the SQLite
// slot table, or an in-memory grid.
func (a *App) openCalendar(ctx context.Context, injected engine.Calendar) error {
	switch {
	case injected != nil:
		a.calendar = injected
		return nil
	case a.config.Store.Driver == "sqlite":
		s := a.store.(*stores.SQLiteStore)
		a.calendar = s
		a.seedSlots = s.SeedSlots
	default:
		cal := scheduler.NewMemoryCalendar(nil)
		a.calendar = cal
		a.seedSlots = func(_ context.Context, slots []engine.AppointmentSlot) (int, error) {
			return cal.Add(slots...), nil
		}
	}
	_, err := a.RefreshSlots(ctx)
	return err
}

// RetryPolicy converts the workflow section into the orchestrator's retry
// policy.
func RetryPolicy(cfg *config.Config) workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:       cfg.Workflow.MaxContactAttempts,
		FollowUpInterval:  cfg.Workflow.FollowUpInterval.Std(),
		BackoffMultiplier: cfg.Workflow.BackoffMultiplier,
		RetryDelay:        cfg.Workflow.RetryDelay.Std(),
		RetryableErrors:   cfg.Workflow.RetryableErrors,
	}
}

// RefreshSlots extends the generated slot grid so it always covers the
// configured number of days ahead. Existing slots keep their bookings. It
// does nothing for an injected calendar.
func (a *App) RefreshSlots(ctx context.Context) (int, error) {
	if a.seedSlots == nil {
		return 0, nil
	}
	calCfg, err := a.config.CalendarConfig()
	if err != nil {
		return 0, err
	}
	slots, err := scheduler.GenerateSlots(calCfg, a.clock())
	if err != nil {
		return 0, fmt.Errorf("failed to generate slots: %w", err)
	}
	added, err := a.seedSlots(ctx, slots)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		a.logger.WithField("added", added).Debug("appointment slots refreshed")
	}
	return added, nil
}

// Start launches the background work: the scheduled contact runner, the
// slot refresher and the policy and template watchers. It returns
// immediately; Shutdown stops everything.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cfg := a.config

	if cfg.Policy.Watch && a.policy != nil && len(cfg.Policy.Paths) > 0 {
		if err := a.policy.Watch(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	if cfg.Templates.Watch && cfg.Templates.Path != "" {
		if err := a.templates.Watch(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to watch templates: %w", err)
		}
	}

	if cfg.Runner.Enabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runner.Start(runCtx)
		}()
	}

	if a.seedSlots != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.refreshLoop(runCtx)
		}()
	}

	a.cancel = cancel
	a.started = true
	a.logger.WithField("runner", cfg.Runner.Enabled).Info("leadflow started")
	return nil
}

func (a *App) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(slotRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RefreshSlots(ctx); err != nil && ctx.Err() == nil {
				a.logger.WithError(err).Warn("failed to refresh appointment slots")
			}
		}
	}
}

// Shutdown stops background work, flushes telemetry and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.started = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown timed out: %w", ctx.Err())
		}
	}
	return a.close(ctx)
}

func (a *App) close(ctx context.Context) error {
	if a.stopAudit != nil {
		a.stopAudit()
		a.stopAudit = nil
	}
	var errs []error
	if a.ownsTelemetry {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.config }

// Telemetry returns the telemetry bundle.
func (a *App) Telemetry() *telemetry.Telemetry { return a.tel }

// Orchestrator returns the workflow orchestrator.
func (a *App) Orchestrator() *workflow.Orchestrator { return a.orchestrator }

// Runner returns the scheduled contact runner.
func (a *App) Runner() *workflow.Runner { return a.runner }

// MetricsHandler serves the Prometheus registry.
func (a *App) MetricsHandler() http.Handler { return a.tel.Metrics.Handler() }
