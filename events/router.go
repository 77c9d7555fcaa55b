package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes a dispatched event. Handlers must not retain the
// event's Payload beyond the call.
type Handler func(ctx context.Context, evt Event)

// Router fans decoded events out to per-kind handlers and wildcard
// observers. It is safe for concurrent use. The zero value is not
// usable; construct with NewRouter.
type Router struct {
	mu        sync.RWMutex
	nextToken int
	byKind    map[Kind]map[int]Handler
	wildcard  map[int]Handler

	log *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the slog logger used for handler fault reports.
func WithLogger(log *slog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		byKind:   make(map[Kind]map[int]Handler),
		wildcard: make(map[int]Handler),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a handler for a single event kind and returns an
// unsubscribe function. Unsubscribing more than once is a no-op.
func (r *Router) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.nextToken
	r.nextToken++

	handlers, ok := r.byKind[kind]
	if !ok {
		handlers = make(map[int]Handler)
		r.byKind[kind] = handlers
	}
	handlers[token] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.byKind[kind], token)
	}
}

// SubscribeAll registers a wildcard observer that receives every domain
// event regardless of kind.
func (r *Router) SubscribeAll(h Handler) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.nextToken
	r.nextToken++
	r.wildcard[token] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.wildcard, token)
	}
}

// Dispatch delivers evt to all matching handlers. Control frames are
// dropped before domain delivery. Each handler runs inside its own
// fault boundary: a panic is logged and does not prevent delivery to
// the remaining handlers.
func (r *Router) Dispatch(ctx context.Context, evt Event) {
	if evt.Kind.Control() {
		return
	}

	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.byKind[evt.Kind])+len(r.wildcard))
	for _, h := range r.byKind[evt.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range r.wildcard {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.deliver(ctx, h, evt)
	}
}

func (r *Router) deliver(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "events.handler.panic",
				slog.String("kind", string(evt.Kind)),
				slog.Any("panic", rec))
		}
	}()
	h(ctx, evt)
}
