// Package bus implements the in-process publish/subscribe fabric the
// orchestrator emits progress events through. Handlers are registered per
// event type or as wildcards; a middleware chain runs before dispatch and
// may transform or suppress events. The bus keeps a bounded ring of recent
// events for inspection.
package bus

import (
	"fmt"
	"sync"

	"github.com/quorra-ai/quorra/core"
)

// Handler consumes an event and may produce response events. A returned
// error is converted into an ERROR response event; it does not crash the bus.
type Handler func(Event) ([]Event, error)

// Middleware may transform the event before dispatch. Returning nil
// suppresses the event entirely.
type Middleware func(Event) *Event

type namedHandler struct {
	name string
	fn   Handler
}

// Bus is a single-process event bus. All methods are safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[EventType][]namedHandler
	wildcard   []namedHandler
	middleware []Middleware

	history    []Event
	maxHistory int

	logger core.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxHistory bounds the event ring buffer.
func WithMaxHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger core.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:   make(map[EventType][]namedHandler),
		maxHistory: 100,
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type. Handlers fire in
// registration order.
func (b *Bus) Subscribe(t EventType, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], namedHandler{name: name, fn: fn})
}

// SubscribeAll registers a wildcard handler receiving every event.
func (b *Bus) SubscribeAll(name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, namedHandler{name: name, fn: fn})
}

// Use appends a middleware to the chain. Middleware run in registration
// order before any handler sees the event.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Emit dispatches the event and returns a lazily-consumed stream of handler
// responses. Responses from a single handler appear in the order produced;
// responses from multiple handlers are concatenated in registration order,
// typed handlers before wildcards.
func (b *Bus) Emit(event Event) <-chan Event {
	out := make(chan Event, 8)

	b.mu.RLock()
	middleware := append([]Middleware(nil), b.middleware...)
	typed := append([]namedHandler(nil), b.handlers[event.Type]...)
	wildcard := append([]namedHandler(nil), b.wildcard...)
	b.mu.RUnlock()

	processed := &event
	for _, mw := range middleware {
		processed = mw(*processed)
		if processed == nil {
			b.logger.Debug("Event suppressed by middleware", map[string]interface{}{
				"operation":  "bus_emit",
				"event_type": string(event.Type),
			})
			close(out)
			return out
		}
	}
	b.record(*processed)

	go func() {
		defer close(out)
		for _, h := range typed {
			b.dispatch(*processed, h, out)
		}
		for _, h := range wildcard {
			b.dispatch(*processed, h, out)
		}
	}()
	return out
}

// Publish is fire-and-forget: responses are consumed and discarded.
func (b *Bus) Publish(event Event) {
	for range b.Emit(event) {
	}
}

// EmitAndCollect dispatches the event and gathers all responses.
func (b *Bus) EmitAndCollect(event Event) []Event {
	var responses []Event
	for resp := range b.Emit(event) {
		responses = append(responses, resp)
	}
	return responses
}

// History returns a snapshot of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.history...)
}

func (b *Bus) record(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

// dispatch runs one handler, converting errors and panics into ERROR
// response events on the same stream.
func (b *Bus) dispatch(event Event, h namedHandler, out chan<- Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", map[string]interface{}{
				"operation":  "bus_dispatch",
				"handler":    h.name,
				"event_type": string(event.Type),
				"panic":      fmt.Sprintf("%v", r),
			})
			out <- b.handlerError(event, h.name, fmt.Sprintf("panic: %v", r))
		}
	}()

	responses, err := h.fn(event)
	if err != nil {
		b.logger.Warn("Event handler failed", map[string]interface{}{
			"operation":  "bus_dispatch",
			"handler":    h.name,
			"event_type": string(event.Type),
			"error":      err.Error(),
		})
		out <- b.handlerError(event, h.name, err.Error())
		return
	}
	for _, resp := range responses {
		out <- resp
	}
}

func (b *Bus) handlerError(original Event, handler, message string) Event {
	return NewEvent(EventError, "bus", original.CorrelationID, message, map[string]interface{}{
		"handler":        handler,
		"original_event": string(original.Type),
	})
}
