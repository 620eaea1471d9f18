package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openedx/pie/pkg/engine"
	"github.com/rs/zerolog"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("event bus is shut down")

// EventSubscriber handles a delivered event. Errors are logged.
type EventSubscriber func(ctx context.Context, event *engine.Event) error

// EventFilter determines if an event should be delivered.
type EventFilter func(event *engine.Event) bool

// EventBus fans engine events out to subscribers such as the run ledger
// and the log. It implements engine.EventPublisher.
//
// In async mode events are queued and delivered in publish order by a single
// goroutine; Shutdown drains the queue.
type EventBus struct {
	config      EventsConfig
	logger      *Logger
	buffer      chan *engine.Event
	subMu       sync.RWMutex
	subscribers []subscriberEntry
	mu          sync.RWMutex
	closed      bool
	done        chan struct{}
}

type subscriberEntry struct {
	name       string
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates an event bus with the given configuration.
func NewEventBus(cfg EventsConfig, logger *Logger) *EventBus {
	if logger == nil {
		logger = FromContext(context.Background())
	}
	b := &EventBus{
		config: cfg,
		logger: logger.NewComponentLogger("events"),
		done:   make(chan struct{}),
	}

	if cfg.Enabled && cfg.EnableAsync {
		b.buffer = make(chan *engine.Event, cfg.BufferSize)
		go b.processEvents()
	} else {
		close(b.done)
	}

	return b
}

// Subscribe registers a subscriber. filter may be nil.
func (b *EventBus) Subscribe(name string, subscriber EventSubscriber, filter EventFilter) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.subscribers = append(b.subscribers, subscriberEntry{
		name:       name,
		subscriber: subscriber,
		filter:     filter,
	})
}

// Publish implements engine.EventPublisher.
func (b *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if !b.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	if b.buffer == nil {
		b.deliverEvent(ctx, event)
		return nil
	}

	select {
	case b.buffer <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processEvents delivers queued events until the buffer is closed.
func (b *EventBus) processEvents() {
	defer close(b.done)

	for event := range b.buffer {
		b.deliverEvent(context.Background(), event)
	}
}

// deliverEvent hands an event to every matching subscriber in registration order.
func (b *EventBus) deliverEvent(ctx context.Context, event *engine.Event) {
	for _, entry := range b.snapshot() {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.subscriber(ctx, event); err != nil {
			b.logger.Zerolog().Warn().
				Err(err).
				Str("subscriber", entry.name).
				Str("event", string(event.Type)).
				Msg("event subscriber failed")
		}
	}
}

func (b *EventBus) snapshot() []subscriberEntry {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return append([]subscriberEntry(nil), b.subscribers...)
}

// Shutdown stops accepting events and waits for queued events to be delivered.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		if b.buffer != nil {
			close(b.buffer)
		}
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return errors.New("event bus shutdown timeout")
	}
}

// LogSubscriber writes events to logger at a level matching their severity.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(_ context.Context, event *engine.Event) error {
		var e *zerolog.Event
		z := logger.Zerolog()
		switch event.Level {
		case "error":
			e = z.Error()
		case "warning":
			e = z.Warn()
		default:
			e = z.Debug()
		}
		e = e.Str("event", string(event.Type)).Str("run_id", event.RunID)
		if event.Target != "" {
			e = e.Str("target", event.Target)
		}
		e.Msg(event.Message)
		return nil
	}
}

// FilterByLevel allows events at minLevel or above (info < warning < error).
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		"info":    0,
		"warning": 1,
		"error":   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows only events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}
