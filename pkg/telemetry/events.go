package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event emitted by the engine client. Generation, PID
// and Method are zero when they do not apply.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	Generation uint64                 `json:"generation,omitempty"`
	PID        int                    `json:"pid,omitempty"`
	Method     string                 `json:"method,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeSpawned          = "engine.spawned"
	EventTypeSpawnFailed      = "engine.spawn_failed"
	EventTypeExited           = "engine.exited"
	EventTypeRestartScheduled = "engine.restart_scheduled"
	EventTypeCircuitOpened    = "engine.circuit_opened"
	EventTypeStopped          = "engine.stopped"
	EventTypeCallFailed       = "engine.call_failed"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

const eventSource = "engine-client"

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventSubscriber handles one delivered event. Subscribers run on the
// delivery goroutine and must not block for long.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers. In async mode
// events are queued and delivered in batches by a single goroutine, so every
// subscriber sees them in publish order.
type EventPublisher struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers []subscription
	filters     []EventFilter

	queue chan Event
	stop  context.CancelFunc
	done  <-chan struct{}
	wg    sync.WaitGroup
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher returns a publisher for cfg. A disabled publisher
// accepts and discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	if cfg.MinLevel != "" {
		if _, ok := eventLevelRank[cfg.MinLevel]; !ok {
			return nil, fmt.Errorf("unknown event level %q", cfg.MinLevel)
		}
		ep.AddFilter(FilterByLevel(cfg.MinLevel))
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep.stop = cancel
	ep.done = ctx.Done()

	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.run()
	}
	return ep, nil
}

// Publish fills in the ID, timestamp and source if unset, applies the global
// filters, then queues or delivers the event.
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
	if event.Source == "" {
		event.Source = eventSource
	}
	if !ep.admit(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.done:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) admit(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, keep := range ep.filters {
		if !keep(event) {
			return false
		}
	}
	return true
}

func lifecycleEvent(typ, level string, generation uint64, msg string, data map[string]interface{}) Event {
	return Event{Type: typ, Level: level, Generation: generation, Message: msg, Data: data}
}

func (ep *EventPublisher) PublishSpawned(generation uint64, pid int, path string) error {
	e := lifecycleEvent(EventTypeSpawned, EventLevelInfo, generation,
		fmt.Sprintf("Engine generation %d started with pid %d", generation, pid),
		map[string]interface{}{"path": path})
	e.PID = pid
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishSpawnFailed(path string, err error) error {
	return ep.Publish(lifecycleEvent(EventTypeSpawnFailed, EventLevelError, 0,
		fmt.Sprintf("Engine could not be started: %v", err),
		map[string]interface{}{"path": path}))
}

// PublishExited records a process exit. Unexpected exits are warnings.
func (ep *EventPublisher) PublishExited(generation uint64, pid int, exitCode int, expected bool) error {
	level := EventLevelWarning
	if expected {
		level = EventLevelInfo
	}
	e := lifecycleEvent(EventTypeExited, level, generation,
		fmt.Sprintf("Engine generation %d exited with code %d", generation, exitCode),
		map[string]interface{}{"exit_code": exitCode, "expected": expected})
	e.PID = pid
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishRestartScheduled(generation uint64, delay time.Duration, crashes int) error {
	return ep.Publish(lifecycleEvent(EventTypeRestartScheduled, EventLevelInfo, generation,
		fmt.Sprintf("Engine restart scheduled in %s", delay),
		map[string]interface{}{"delay_ms": delay.Milliseconds(), "crashes": crashes}))
}

func (ep *EventPublisher) PublishCircuitOpened(generation uint64, until time.Time, crashes int) error {
	stamp := until.Format(time.RFC3339Nano)
	return ep.Publish(lifecycleEvent(EventTypeCircuitOpened, EventLevelError, generation,
		"Engine restart circuit is open until "+stamp,
		map[string]interface{}{"open_until": stamp, "crashes": crashes}))
}

func (ep *EventPublisher) PublishStopped(generation uint64, failedCalls int) error {
	return ep.Publish(lifecycleEvent(EventTypeStopped, EventLevelInfo, generation,
		"Engine client stopped",
		map[string]interface{}{"failed_calls": failedCalls}))
}

func (ep *EventPublisher) PublishCallFailed(generation uint64, method, kind, message string) error {
	e := lifecycleEvent(EventTypeCallFailed, EventLevelWarning, generation, message,
		map[string]interface{}{"kind": kind})
	e.Method = method
	return ep.Publish(e)
}

// Subscribe registers fn. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter adds a filter applied to every event before any subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// run delivers queued events in batches: when a batch fills, when the queue
// drains, or on the flush interval. On stop it drains the queue first.
func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			batch = append(batch, e)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.queue) == 0 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.done:
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := append([]subscription(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until queued ones are delivered
// or ctx expires.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.stop()

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel keeps events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevelRank[minLevel]
	return func(event Event) bool {
		return eventLevelRank[event.Level] >= floor
	}
}

func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

func FilterByGeneration(generation uint64) EventFilter {
	return func(event Event) bool {
		return event.Generation == generation
	}
}
