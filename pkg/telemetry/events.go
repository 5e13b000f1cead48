package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable moment in a step run or a client operation.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies where the event originated (steprunner, session, archive).
	Source string `json:"source"`

	RunID   string `json:"run_id,omitempty"`
	StepURI string `json:"step_uri,omitempty"`

	// State is the step state the event refers to, if any.
	State string `json:"state,omitempty"`

	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypeStepStateChanged = "step.state_changed"
	EventTypeEPPCompleted     = "epp.completed"
	EventTypeRequestDenied    = "policy.denied"
	EventTypeFileArchived     = "file.archived"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers are called in
// publish order from a single goroutine, so they must not block for long.
// A nil *EventPublisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, stepURI, user string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "steprunner",
		RunID:   runID,
		StepURI: stepURI,
		Message: fmt.Sprintf("Run %s started on %s by %s", runID, stepURI, user),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"user": user,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, stepURI string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "steprunner",
		RunID:   runID,
		StepURI: stepURI,
		Message: fmt.Sprintf("Run %s completed", runID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, stepURI, state, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "steprunner",
		RunID:   runID,
		StepURI: stepURI,
		State:   state,
		Message: fmt.Sprintf("Run %s failed in %q: %s", runID, state, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStepStateChanged publishes a screen transition.
func (ep *EventPublisher) PublishStepStateChanged(runID, stepURI, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepStateChanged,
		Source:  "steprunner",
		RunID:   runID,
		StepURI: stepURI,
		State:   to,
		Message: fmt.Sprintf("Step %s moved from %q to %q", stepURI, from, to),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishEPPCompleted publishes the outcome of a wait for a step automation.
func (ep *EventPublisher) PublishEPPCompleted(runID, stepURI, outcome string, waited time.Duration) error {
	level := EventLevelInfo
	if outcome != "ok" && outcome != "none" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeEPPCompleted,
		Source:  "steprunner",
		RunID:   runID,
		StepURI: stepURI,
		Message: fmt.Sprintf("Automation on %s finished: %s", stepURI, outcome),
		Level:   level,
		Data: map[string]interface{}{
			"outcome": outcome,
			"waited":  waited.Seconds(),
		},
	})
}

// PublishRequestDenied publishes a write the request guard refused.
func (ep *EventPublisher) PublishRequestDenied(method, uri, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRequestDenied,
		Source:  "policy",
		Message: fmt.Sprintf("%s %s denied: %s", method, uri, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"method": method,
			"uri":    uri,
			"reason": reason,
		},
	})
}

// PublishFileArchived publishes a file copied to the archive sink.
func (ep *EventPublisher) PublishFileArchived(fileURI, destination string, size int64) error {
	return ep.Publish(Event{
		Type:    EventTypeFileArchived,
		Source:  "archive",
		Message: fmt.Sprintf("File %s archived to %s", fileURI, destination),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"file":        fileURI,
			"destination": destination,
			"size":        size,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Deliver what is queued without waiting for a full batch.
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
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

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

