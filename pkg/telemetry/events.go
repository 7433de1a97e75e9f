package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventBus fans engine events out to subscribers and sinks such as the
// corpus store. It implements engine.EventPublisher. In async mode Publish
// never blocks the run: events go through a buffered channel and are
// dropped (and counted) when it is full.
type EventBus struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	sinks       []engine.EventPublisher
	filters     []EventFilter
	logger      zerolog.Logger

	mu      sync.RWMutex
	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
	dropped int64
}

var _ engine.EventPublisher = (*EventBus)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig, logger zerolog.Logger) *EventBus {
	eb := &EventBus{
		config:  cfg,
		logger:  logger.With().Str("component", "events").Logger(),
		stopped: make(chan struct{}),
	}
	if cfg.Enabled && cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		eb.buffer = make(chan engine.Event, size)
		eb.wg.Add(1)
		go eb.processEvents()
	}
	return eb
}

// Publish implements engine.EventPublisher.
func (eb *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if !eb.config.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	eb.mu.RLock()
	for _, filter := range eb.filters {
		if !filter(e) {
			eb.mu.RUnlock()
			return nil
		}
	}
	eb.mu.RUnlock()

	if eb.buffer == nil {
		eb.deliver(ctx, e)
		return nil
	}

	select {
	case <-eb.stopped:
		return fmt.Errorf("event bus stopped")
	default:
	}
	select {
	case eb.buffer <- e:
		return nil
	default:
		eb.mu.Lock()
		eb.dropped++
		eb.mu.Unlock()
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (eb *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers = append(eb.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddSink forwards every event to another publisher.
func (eb *EventBus) AddSink(sink engine.EventPublisher) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.sinks = append(eb.sinks, sink)
}

// AddFilter adds a global event filter.
func (eb *EventBus) AddFilter(filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.filters = append(eb.filters, filter)
}

// Dropped returns the number of events lost to a full buffer.
func (eb *EventBus) Dropped() int64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.dropped
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()
	for {
		select {
		case e := <-eb.buffer:
			eb.deliver(context.Background(), e)
		case <-eb.stopped:
			for {
				select {
				case e := <-eb.buffer:
					eb.deliver(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// deliver hands an event to subscribers in registration order, then to sinks.
func (eb *EventBus) deliver(ctx context.Context, e engine.Event) {
	eb.mu.RLock()
	subscribers := append([]subscriberEntry(nil), eb.subscribers...)
	sinks := append([]engine.EventPublisher(nil), eb.sinks...)
	eb.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(e) {
			continue
		}
		entry.subscriber(e)
	}
	for _, sink := range sinks {
		ev := e
		if err := sink.Publish(ctx, &ev); err != nil {
			eb.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("Event sink failed")
		}
	}
}

// Shutdown delivers buffered events and stops the bus.
func (eb *EventBus) Shutdown(ctx context.Context) error {
	eb.once.Do(func() { close(eb.stopped) })

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
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
	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// LogSubscriber logs every event at a level matching its severity.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(e engine.Event) {
		var ev *zerolog.Event
		switch e.Level {
		case EventLevelError:
			ev = logger.Error()
		case EventLevelWarning:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		ev = ev.Str("event", string(e.Type)).Str("run_id", e.RunID)
		if e.EntryID != "" {
			ev = ev.Str("entry", e.EntryID)
		}
		ev.Msg(e.Message)
	}
}
