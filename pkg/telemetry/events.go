package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
)

// Event is a lead lifecycle event.
type Event = engine.Event

// Event types emitted by the orchestrator and application layer.
const (
	EventTypeLeadCreated          = "lead.created"
	EventTypeLeadStateChanged     = "lead.state_changed"
	EventTypeLeadEscalated        = "lead.escalated"
	EventTypeMessageSent          = "message.sent"
	EventTypeMessageFailed        = "message.failed"
	EventTypeMessageReceived      = "message.received"
	EventTypeAppointmentProposed  = "appointment.proposed"
	EventTypeAppointmentBooked    = "appointment.booked"
	EventTypeAppointmentCancelled = "appointment.cancelled"
	EventTypeWorkflowStarted      = "workflow.started"
	EventTypeWorkflowCompleted    = "workflow.completed"
	EventTypeWorkflowFailed       = "workflow.failed"
	EventTypePolicyDenied         = "policy.denied"
)

// EventLevel constants for event severity.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events. Subscribers run on the
// publishing goroutine (or the single async delivery goroutine) and must not
// block for long.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers. Events are
// delivered to each subscriber in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	nextID      int
	now         func() time.Time
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	id         int
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cancel()
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// SetClock overrides the clock used to stamp events. Tests use it for
// deterministic timestamps.
func (ep *EventPublisher) SetClock(now func() time.Time) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.now = now
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.mu.RLock()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = ep.now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishLeadEvent publishes an event attributed to a lead.
func (ep *EventPublisher) PublishLeadEvent(eventType, leadID, message string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "leadflow",
		LeadID:  leadID,
		Message: message,
		Level:   levelFor(eventType),
		Data:    data,
	})
}

// PublishWorkflowEvent publishes an event attributed to a workflow execution.
func (ep *EventPublisher) PublishWorkflowEvent(eventType, leadID, workflowID, message string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:       eventType,
		Source:     "orchestrator",
		LeadID:     leadID,
		WorkflowID: workflowID,
		Message:    message,
		Level:      levelFor(eventType),
		Data:       data,
	})
}

// PublishStateChanged publishes a lead.state_changed event for an applied transition.
func (ep *EventPublisher) PublishStateChanged(leadID, workflowID string, change *engine.StateChange) error {
	if change == nil {
		return nil
	}
	return ep.Publish(Event{
		Type:       EventTypeLeadStateChanged,
		Source:     "state_machine",
		LeadID:     leadID,
		WorkflowID: workflowID,
		Timestamp:  change.Timestamp,
		Message:    fmt.Sprintf("%s -> %s", change.From, change.To),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"from":    string(change.From),
			"to":      string(change.To),
			"trigger": string(change.Trigger),
			"forced":  change.IsForced(),
		},
	})
}

func levelFor(eventType string) string {
	switch eventType {
	case EventTypeMessageFailed, EventTypeWorkflowFailed:
		return EventLevelError
	case EventTypeLeadEscalated, EventTypePolicyDenied:
		return EventLevelWarning
	default:
		return EventLevelInfo
	}
}

// Subscribe adds a new event subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.nextID++
	id := ep.nextID
	ep.subscribers = append(ep.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		for i, entry := range ep.subscribers {
			if entry.id == id {
				ep.subscribers = append(ep.subscribers[:i:i], ep.subscribers[i+1:]...)
				return
			}
		}
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer on a single goroutine so ordering holds.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls every matching subscriber in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher, delivering anything still buffered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// AuditSink returns a subscriber that appends every event to log. Append
// failures are reported to logger and otherwise ignored.
func AuditSink(log engine.EventLog, logger *Logger) EventSubscriber {
	return func(event Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := log.AppendEvent(ctx, event); err != nil && logger != nil {
			logger.WithError(err).WithField("event_type", event.Type).Warn("failed to persist event")
		}
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelDebug:   0,
		EventLevelInfo:    1,
		EventLevelWarning: 2,
		EventLevelError:   3,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByLeadID creates a filter that only allows events for a specific lead.
func FilterByLeadID(leadID string) EventFilter {
	return func(event Event) bool {
		return event.LeadID == leadID
	}
}
