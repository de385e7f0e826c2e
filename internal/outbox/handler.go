package outbox

import (
	"context"
	"strings"

	"mmbot/pkg/types"
)

// Handler processes one category of outbox event (all event types sharing
// a prefix, e.g. "order_").
type Handler interface {
	Handle(ctx context.Context, event types.OutboxEvent) error
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, event types.OutboxEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event types.OutboxEvent) error {
	return f(ctx, event)
}

// Dispatcher resolves an event_type to the Handler registered for its
// prefix, mirroring the original worker's `order_`/`fill_` prefix table.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]Handler{}}
}

// Register associates a Handler with an event_type prefix.
func (d *Dispatcher) Register(prefix string, h Handler) {
	d.handlers[prefix] = h
}

// Resolve finds the Handler whose prefix matches eventType.
func (d *Dispatcher) Resolve(eventType string) (Handler, string, bool) {
	for prefix, h := range d.handlers {
		if strings.HasPrefix(eventType, prefix) {
			return h, prefix, true
		}
	}
	return nil, "", false
}
