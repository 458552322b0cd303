package devserver

import (
	"sort"
	"sync"
)

// Subscriber is a connection that can receive live events.
type Subscriber interface {
	// ID returns the unique identifier of the connection
	ID() string

	// Deliver sends a live event to the connection
	Deliver(channel string, payload []byte) error
}

// Routes maps channel slugs to subscribed connections. Matching is exact.
type Routes struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber
}

// NewRoutes creates an empty routing table
func NewRoutes() *Routes {
	return &Routes{channels: make(map[string]map[string]Subscriber)}
}

// Subscribe adds sub to channel. Subscribing twice is a no-op.
func (r *Routes) Subscribe(channel string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		r.channels[channel] = subs
	}
	subs[sub.ID()] = sub
}

// Unsubscribe removes the subscriber with id from channel
func (r *Routes) Unsubscribe(channel, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(channel, id)
}

// RemoveSubscriber drops every subscription held by id
func (r *Routes) RemoveSubscriber(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.channels {
		r.unsubscribeLocked(channel, id)
	}
}

func (r *Routes) unsubscribeLocked(channel, id string) {
	subs, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.channels, channel)
	}
}

// Subscribers returns the subscribers of channel ordered by id
func (r *Routes) Subscribers(channel string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]Subscriber, 0, len(r.channels[channel]))
	for _, s := range r.channels[channel] {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID() < subs[j].ID() })
	return subs
}

// Channels returns every channel with at least one subscriber, sorted
func (r *Routes) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.channels))
	for c := range r.channels {
		channels = append(channels, c)
	}
	sort.Strings(channels)
	return channels
}

// SubscriptionCount returns the number of (channel, subscriber) pairs
func (r *Routes) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, subs := range r.channels {
		n += len(subs)
	}
	return n
}
