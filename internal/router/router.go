package router

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/opsconsole/console/pkg/realtime"
)

// HandlerFunc handles one inbound event. Handlers run on the router's
// goroutine, one event at a time.
type HandlerFunc func(ctx context.Context, ev realtime.Event)

// Router delivers each inbound event to the single handler registered for
// its type. Events nobody handles are logged and dropped.
type Router struct {
	logger *log.Logger

	mu        sync.RWMutex
	handlers  map[realtime.EventType]HandlerFunc
	observers []HandlerFunc

	dispatched atomic.Int64
	dropped    atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger used for dropped-event diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		logger:   log.Default(),
		handlers: make(map[realtime.EventType]HandlerFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers h for events of type t. Each type has exactly one owner.
func (r *Router) Handle(t realtime.EventType, h HandlerFunc) error {
	if t == realtime.EventMalformed {
		return fmt.Errorf("malformed frames cannot be routed")
	}
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for event type %s", t)
	}
	r.handlers[t] = h
	return nil
}

// Observe registers fn to see every event, routed or not, before dispatch.
// Observers must not mutate subsystem state.
func (r *Router) Observe(fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Dispatch delivers ev and reports whether a handler received it. A panic in
// a handler is recovered and logged.
func (r *Router) Dispatch(ctx context.Context, ev realtime.Event) bool {
	r.mu.RLock()
	observers := r.observers
	h, ok := r.handlers[ev.EventType()]
	r.mu.RUnlock()

	for _, obs := range observers {
		r.safeCall(ctx, obs, ev)
	}

	if bad, isMalformed := ev.(*realtime.MalformedEvent); isMalformed {
		r.dropped.Add(1)
		r.logger.Printf("[WARN] [Router] Dropping malformed frame (%d bytes): %v", len(bad.Raw()), bad.Err)
		return false
	}
	if !ok {
		r.dropped.Add(1)
		r.logger.Printf("[WARN] [Router] No handler for event type %q, dropping", ev.EventType())
		return false
	}

	if !r.safeCall(ctx, h, ev) {
		r.dropped.Add(1)
		return false
	}
	r.dispatched.Add(1)
	return true
}

// Run dispatches events serially until the stream closes (returns nil) or
// ctx is cancelled (returns ctx.Err()).
func (r *Router) Run(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, ev)
		}
	}
}

// Dispatched returns how many events reached a handler.
func (r *Router) Dispatched() int64 {
	return r.dispatched.Load()
}

// Dropped returns how many events were discarded.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Router) safeCall(ctx context.Context, h HandlerFunc, ev realtime.Event) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("[ERROR] [Router] Handler for %q panicked: %v", ev.EventType(), p)
			ok = false
		}
	}()
	h(ctx, ev)
	return true
}
