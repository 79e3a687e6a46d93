package plugin

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventHandler handles plugin lifecycle events.
// Handlers must be non-blocking. Panics in handlers are recovered.
type EventHandler func(event Event)

// Event is a lifecycle notification.
type Event struct {
	ID     uuid.UUID
	Plugin string
	Kind   EventKind
	Time   time.Time

	// Err is set on EventFaulted.
	Err error
}

// EventKind is the type of lifecycle event.
type EventKind int

const (
	// EventLoaded is emitted when a plugin is loaded.
	EventLoaded EventKind = iota
	// EventEnabled is emitted when a plugin is enabled.
	EventEnabled
	// EventDisabled is emitted when a plugin is disabled.
	EventDisabled
	// EventUnloaded is emitted when a plugin is unloaded.
	EventUnloaded
	// EventFaulted is emitted when a plugin enters the faulted state or a
	// reload cannot bring it back.
	EventFaulted
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventEnabled:
		return "enabled"
	case EventDisabled:
		return "disabled"
	case EventUnloaded:
		return "unloaded"
	case EventFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Subscribe adds an event handler. Handlers run in subscription order.
// Returns an unsubscribe function to remove the handler.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	m.hmu.Lock()
	m.nextHandler++
	id := m.nextHandler
	m.handlers = append(m.handlers, subscription{id: id, fn: handler})
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			defer m.hmu.Unlock()
			m.handlers = slices.DeleteFunc(m.handlers, func(s subscription) bool { return s.id == id })
		})
	}
}

// subscription is a registered handler.
type subscription struct {
	id uint64
	fn EventHandler
}

// Events streams lifecycle events until ctx is done, then closes the channel.
// Events that do not fit the buffer are dropped.
func (m *Manager) Events(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := m.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			m.logger.Warn("event stream full, dropping event", "plugin", e.Plugin, "kind", e.Kind)
		}
	})

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// emit sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (m *Manager) emit(plugin string, kind EventKind, err error) {
	event := Event{
		ID:     uuid.New(),
		Plugin: plugin,
		Kind:   kind,
		Time:   m.now(),
		Err:    err,
	}
	m.metrics.Event(kind.String())

	m.hmu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	for i, s := range m.handlers {
		handlers[i] = s.fn
	}
	m.hmu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event handler panicked", "plugin", plugin, "kind", kind, "panic", r)
				}
			}()
			handler(event)
		}()
	}
}
