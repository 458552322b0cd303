// Package router demultiplexes live events to per-slug callbacks.
//
// A Router keeps an observer list per slug. It listens once on the socket's
// "event:live" stream and, for every event, calls each binding registered for
// the event's channel. Bindings are purely local: registering one sends
// nothing to the server, and nothing in this package ever removes one.
package router

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/carina-go/pkg/socket"
)

// Handler receives the payload of a live event. Handlers run on the
// socket's read goroutine and must not block on replies from the same
// socket.
type Handler func(payload json.RawMessage)

// Router maps slugs to handlers.
type Router struct {
	mu       sync.RWMutex
	bindings map[string][]Handler
	logger   *zap.Logger
}

// New creates an empty router.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		bindings: make(map[string][]Handler),
		logger:   logger,
	}
}

// Attach installs the router's listener for live events on e.
func (r *Router) Attach(e socket.Emitter) {
	e.On(socket.EventLive, r.handleLive)
}

// On adds a binding for slug. Every call adds a new binding, even for a
// handler that is already bound. A nil handler is ignored.
func (r *Router) On(slug string, handler Handler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[slug] = append(r.bindings[slug], handler)
}

// Dispatch calls every handler bound to ev.Channel, in registration order.
// Events for channels without bindings are ignored.
func (r *Router) Dispatch(ev socket.LiveEvent) {
	r.mu.RLock()
	handlers := make([]Handler, len(r.bindings[ev.Channel]))
	copy(handlers, r.bindings[ev.Channel])
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ev.Payload)
	}
}

// Bindings returns the number of handlers bound to slug.
func (r *Router) Bindings(slug string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings[slug])
}

func (r *Router) handleLive(data json.RawMessage) {
	var ev socket.LiveEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("dropping malformed live event", zap.Error(err))
		return
	}
	r.Dispatch(ev)
}
