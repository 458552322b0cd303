package socket

import (
	"encoding/json"
	"sync"
)

// emitter fans emitted events out to registered handlers in registration order.
type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Handler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]Handler)}
}

func (e *emitter) on(event string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

// emit calls handlers outside the lock so a handler may register more.
func (e *emitter) emit(event string, data json.RawMessage) {
	e.mu.RLock()
	handlers := make([]Handler, len(e.listeners[event]))
	copy(handlers, e.listeners[event])
	e.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}

func (e *emitter) count(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// lifecycleData encodes the payload of locally generated events.
func lifecycleData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
