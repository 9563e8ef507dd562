package stores

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
)

// MemoryStore implements Store in process memory. It is used by tests and
// by the memory store driver. Every read returns a copy.
type MemoryStore struct {
	mu sync.RWMutex

	leads      map[string]*engine.Lead
	phoneIndex map[string]string
	order      []string

	executions map[string]*engine.WorkflowExecution
	execOrder  []string

	events []engine.Event

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(nil)
}

// NewMemoryStoreWithClock creates an empty in-memory store with an injected clock.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		leads:      make(map[string]*engine.Lead),
		phoneIndex: make(map[string]string),
		executions: make(map[string]*engine.WorkflowExecution),
		now:        now,
	}
}

// Init is a no-op for the memory store.
func (s *MemoryStore) Init(_ context.Context) error { return nil }

// Migrate is a no-op for the memory store.
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// Create validates params and stores a new lead.
func (s *MemoryStore) Create(ctx context.Context, params engine.CreateLeadParams) (*engine.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lead, err := newLead(params, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.phoneIndex[lead.Phone]; exists {
		return nil, duplicatePhoneError(lead.Phone)
	}

	s.leads[lead.ID] = lead.Clone()
	s.phoneIndex[lead.Phone] = lead.ID
	s.order = append(s.order, lead.ID)

	return lead, nil
}

// GetByID returns the lead with the given ID.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*engine.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lead, ok := s.leads[id]
	if !ok {
		return nil, engine.NotFoundError("lead", id)
	}
	return lead.Clone(), nil
}

// GetByPhone returns the lead owning the phone number.
func (s *MemoryStore) GetByPhone(_ context.Context, phone string) (*engine.Lead, error) {
	normalized := engine.NormalizePhone(phone)

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.phoneIndex[normalized]
	if !ok {
		return nil, engine.NotFoundError("lead", normalized)
	}
	return s.leads[id].Clone(), nil
}

// Update applies mutate under the store lock and re-indexes the phone if it changed.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*engine.Lead) error) (*engine.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leads[id]
	if !ok {
		return nil, engine.NotFoundError("lead", id)
	}

	next, err := applyUpdate(current, mutate, s.now())
	if err != nil {
		return nil, err
	}

	if next.Phone != current.Phone {
		if owner, taken := s.phoneIndex[next.Phone]; taken && owner != id {
			return nil, duplicatePhoneError(next.Phone)
		}
		delete(s.phoneIndex, current.Phone)
		s.phoneIndex[next.Phone] = id
	}

	s.leads[id] = next
	return next.Clone(), nil
}

// AddContactAttempt appends an attempt to the lead.
func (s *MemoryStore) AddContactAttempt(ctx context.Context, id string, attempt engine.ContactAttempt) (*engine.Lead, error) {
	now := s.now()
	return s.Update(ctx, id, func(l *engine.Lead) error {
		appendAttempt(l, attempt, now)
		return nil
	})
}

// GetReadyForContact returns leads due for contact that are under their attempt cap.
func (s *MemoryStore) GetReadyForContact(_ context.Context, now time.Time) ([]*engine.Lead, error) {
	return s.filter(func(l *engine.Lead) bool {
		return engine.IsReadyForContact(l, now, false)
	}), nil
}

// ListDueForContact returns leads due for contact regardless of the attempt cap.
func (s *MemoryStore) ListDueForContact(_ context.Context, now time.Time) ([]*engine.Lead, error) {
	return s.filter(func(l *engine.Lead) bool {
		return engine.IsReadyForContact(l, now, true)
	}), nil
}

// GetAwaitingResponse returns leads in awaiting_response.
func (s *MemoryStore) GetAwaitingResponse(_ context.Context) ([]*engine.Lead, error) {
	return s.filter(func(l *engine.Lead) bool {
		return l.State == engine.StateAwaitingResponse
	}), nil
}

// GetStats returns counts over all leads.
func (s *MemoryStore) GetStats(_ context.Context) (*engine.LeadStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &engine.LeadStats{ByState: make(map[engine.State]int)}
	for _, id := range s.order {
		stats.Tally(s.leads[id])
	}
	return stats, nil
}

// List returns all leads in creation order.
func (s *MemoryStore) List(_ context.Context) ([]*engine.Lead, error) {
	return s.filter(func(*engine.Lead) bool { return true }), nil
}

func (s *MemoryStore) filter(keep func(*engine.Lead) bool) []*engine.Lead {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*engine.Lead{}
	for _, id := range s.order {
		if l := s.leads[id]; keep(l) {
			out = append(out, l.Clone())
		}
	}
	return out
}

// SaveExecution inserts or replaces a workflow execution.
func (s *MemoryStore) SaveExecution(_ context.Context, exec *engine.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return engine.ValidationError("execution id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; !exists {
		s.execOrder = append(s.execOrder, exec.ID)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution returns a workflow execution by ID.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*engine.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, engine.NotFoundError("workflow execution", id)
	}
	return exec.Clone(), nil
}

// ListExecutions returns executions for a lead, or all of them, oldest first.
func (s *MemoryStore) ListExecutions(_ context.Context, leadID string) ([]*engine.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*engine.WorkflowExecution{}
	for _, id := range s.execOrder {
		exec := s.executions[id]
		if leadID == "" || exec.LeadID == leadID {
			out = append(out, exec.Clone())
		}
	}
	return out, nil
}

// CountActiveExecutions returns the number of pending or running executions.
func (s *MemoryStore) CountActiveExecutions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, exec := range s.executions {
		if exec.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

// FailInterrupted marks every active execution failed.
func (s *MemoryStore) FailInterrupted(_ context.Context, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, exec := range s.executions {
		if !exec.Status.IsActive() {
			continue
		}
		done := at
		exec.Status = engine.WorkflowStatusFailed
		exec.Error = reason
		exec.CompletedAt = &done
		n++
	}
	return n, nil
}

// AppendEvent appends an event to the audit log.
func (s *MemoryStore) AppendEvent(_ context.Context, event engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	return nil
}

// ListEvents returns the most recent matching events in chronological order.
func (s *MemoryStore) ListEvents(_ context.Context, query engine.EventQuery) ([]engine.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []engine.Event{}
	for _, e := range s.events {
		if matchesQuery(e, query) {
			out = append(out, e)
		}
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[len(out)-query.Limit:]
	}
	return out, nil
}

func matchesQuery(e engine.Event, q engine.EventQuery) bool {
	if q.LeadID != "" && e.LeadID != q.LeadID {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
