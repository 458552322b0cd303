package carina

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/carina-go/pkg/future"
	"github.com/rmacdonaldsmith/carina-go/pkg/socket"
)

// execCall is one Execute call seen by fakeTransport.
type execCall struct {
	method string
	params socket.LiveParams
	reply  *future.Future[json.RawMessage]
}

// fakeTransport records Execute calls and leaves every reply for the test
// to settle.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []*execCall
	handlers map[string][]socket.Handler
	stalls   map[string]chan struct{}
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string][]socket.Handler),
		stalls:   make(map[string]chan struct{}),
	}
}

// stall makes Execute for slug block until the returned func is called.
func (f *fakeTransport) stall(slug string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.stalls[slug] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *fakeTransport) On(event string, handler socket.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *fakeTransport) Execute(method string, params any) *future.Future[json.RawMessage] {
	call := &execCall{method: method, reply: future.New[json.RawMessage]()}
	if p, ok := params.(socket.LiveParams); ok {
		call.params = p
	}

	f.mu.Lock()
	var gate chan struct{}
	if len(call.params.Events) == 1 {
		gate = f.stalls[call.params.Events[0]]
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return call.reply
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) callsFor(method string) []*execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*execCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) emitLive(t *testing.T, channel string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(socket.LiveEvent{Channel: channel, Payload: raw})
	require.NoError(t, err)

	f.mu.Lock()
	handlers := append([]socket.Handler(nil), f.handlers[socket.EventLive]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func await(t *testing.T, f *future.Future[json.RawMessage]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Await(ctx)
	return err
}

func TestClient_Subscribe(t *testing.T) {
	t.Run("scenario_a_resolves_and_routes", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		var got []json.RawMessage
		sub := client.SubscribeAsync("room1", func(p json.RawMessage) { got = append(got, p) })

		calls := transport.callsFor(socket.MethodLiveSubscribe)
		require.Len(t, calls, 1)
		assert.Equal(t, []string{"room1"}, calls[0].params.Events)

		calls[0].reply.Resolve(json.RawMessage(`null`))
		require.NoError(t, await(t, sub))

		transport.emitLive(t, "room1", map[string]int{"x": 1})
		require.Len(t, got, 1)
		assert.JSONEq(t, `{"x":1}`, string(got[0]))
	})

	t.Run("scenario_b_concurrent_subscribes_share_one_request", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		var a, b int
		subA := client.SubscribeAsync("room1", func(json.RawMessage) { a++ })
		subB := client.SubscribeAsync("room1", func(json.RawMessage) { b++ })

		calls := transport.callsFor(socket.MethodLiveSubscribe)
		require.Len(t, calls, 1)
		assert.Equal(t, []string{"room1"}, calls[0].params.Events)
		assert.False(t, subA.Settled())
		assert.False(t, subB.Settled())

		calls[0].reply.Resolve(json.RawMessage(`null`))
		require.NoError(t, await(t, subA))
		require.NoError(t, await(t, subB))

		transport.emitLive(t, "room1", "hi")
		assert.Equal(t, 1, a)
		assert.Equal(t, 1, b)
	})

	t.Run("scenario_c_failure_purges_entry", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)
		boom := errors.New("boom")

		sub := client.SubscribeAsync("room1", func(json.RawMessage) {})
		assert.True(t, client.Pending("room1"))

		transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Reject(boom)

		err := await(t, sub)
		assert.Same(t, boom, err)
		assert.False(t, client.Pending("room1"))
		assert.Empty(t, client.Subscriptions())
	})

	t.Run("retry_after_failure_issues_new_request", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		first := client.SubscribeAsync("room1", func(json.RawMessage) {})
		transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Reject(errors.New("boom"))
		require.Error(t, await(t, first))

		second := client.SubscribeAsync("room1", func(json.RawMessage) {})
		calls := transport.callsFor(socket.MethodLiveSubscribe)
		require.Len(t, calls, 2, "rejected result must not be served from cache")

		calls[1].reply.Resolve(json.RawMessage(`null`))
		assert.NoError(t, await(t, second))
	})

	t.Run("all_joiners_see_the_same_failure", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)
		boom := errors.New("boom")

		const n = 5
		subs := make([]*future.Future[json.RawMessage], n)
		for i := range subs {
			subs[i] = client.SubscribeAsync("room1", func(json.RawMessage) {})
		}
		require.Len(t, transport.callsFor(socket.MethodLiveSubscribe), 1)

		transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Reject(boom)
		for _, sub := range subs {
			assert.Same(t, boom, await(t, sub))
		}
		assert.False(t, client.Pending("room1"))
	})

	t.Run("success_stays_cached", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		first := client.SubscribeAsync("room1", func(json.RawMessage) {})
		transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Resolve(json.RawMessage(`null`))
		require.NoError(t, await(t, first))

		again := client.SubscribeAsync("room1", func(json.RawMessage) {})
		assert.True(t, again.Settled(), "joined an already resolved request")
		assert.NoError(t, await(t, again))
		assert.Len(t, transport.callsFor(socket.MethodLiveSubscribe), 1)
		assert.Equal(t, []string{"room1"}, client.Subscriptions())
		assert.Equal(t, 2, client.Bindings("room1"))
	})

	t.Run("different_slugs_are_independent", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		client.SubscribeAsync("room1", func(json.RawMessage) {})
		client.SubscribeAsync("room2", func(json.RawMessage) {})

		calls := transport.callsFor(socket.MethodLiveSubscribe)
		require.Len(t, calls, 2)
		assert.Equal(t, []string{"room1"}, calls[0].params.Events)
		assert.Equal(t, []string{"room2"}, calls[1].params.Events)
	})

	t.Run("concurrent_goroutines_dedup", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		const n = 32
		subs := make([]*future.Future[json.RawMessage], n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				subs[i] = client.SubscribeAsync("room1", func(json.RawMessage) {})
			}(i)
		}
		wg.Wait()

		calls := transport.callsFor(socket.MethodLiveSubscribe)
		require.Len(t, calls, 1)
		calls[0].reply.Resolve(json.RawMessage(`{"ok":true}`))

		for _, sub := range subs {
			v, err := sub.Await(context.Background())
			require.NoError(t, err)
			assert.JSONEq(t, `{"ok":true}`, string(v))
		}
		assert.Equal(t, n, client.Bindings("room1"))
	})

	t.Run("context_cancel_leaves_shared_request_running", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := client.Subscribe(ctx, "room1", func(json.RawMessage) {})
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, client.Pending("room1"))

		done := make(chan error, 1)
		go func() {
			done <- client.Subscribe(context.Background(), "room1", func(json.RawMessage) {})
		}()

		transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Resolve(json.RawMessage(`null`))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("joined subscribe never returned")
		}
		assert.Len(t, transport.callsFor(socket.MethodLiveSubscribe), 1)
	})
}

func TestClient_Unsubscribe(t *testing.T) {
	t.Run("scenario_d_sends_unsubscribe_and_purges", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		sub := client.SubscribeAsync("room1", func(json.RawMessage) {})
		transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Resolve(json.RawMessage(`null`))
		require.NoError(t, await(t, sub))

		unsub := client.UnsubscribeAsync("room1")
		assert.False(t, client.Pending("room1"), "entry removed before the reply")

		calls := transport.callsFor(socket.MethodLiveUnsubscribe)
		require.Len(t, calls, 1)
		assert.Equal(t, []string{"room1"}, calls[0].params.Events)

		calls[0].reply.Reject(errors.New("server said no"))
		assert.EqualError(t, await(t, unsub), "server said no")
		assert.False(t, client.Pending("room1"), "entry stays removed on failure")
	})

	t.Run("next_subscribe_is_fresh", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		client.SubscribeAsync("room1", func(json.RawMessage) {})
		transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Resolve(json.RawMessage(`null`))
		client.UnsubscribeAsync("room1")

		client.SubscribeAsync("room1", func(json.RawMessage) {})
		assert.Len(t, transport.callsFor(socket.MethodLiveSubscribe), 2)
	})

	t.Run("not_deduplicated", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		a := client.UnsubscribeAsync("room1")
		b := client.UnsubscribeAsync("room1")
		assert.NotSame(t, a, b)
		assert.Len(t, transport.callsFor(socket.MethodLiveUnsubscribe), 2)
	})

	t.Run("bindings_survive_unsubscribe", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		count := 0
		client.SubscribeAsync("room1", func(json.RawMessage) { count++ })
		client.UnsubscribeAsync("room1")

		transport.emitLive(t, "room1", 1)
		assert.Equal(t, 1, count)
		assert.Equal(t, 1, client.Bindings("room1"))
	})

	t.Run("late_failure_does_not_evict_newer_request", func(t *testing.T) {
		transport := newFakeTransport()
		client := NewWithSocket(transport)

		first := client.SubscribeAsync("room1", func(json.RawMessage) {})
		client.UnsubscribeAsync("room1")
		client.SubscribeAsync("room1", func(json.RawMessage) {})

		subs := transport.callsFor(socket.MethodLiveSubscribe)
		require.Len(t, subs, 2)

		subs[0].reply.Reject(errors.New("stale"))
		require.Error(t, await(t, first))
		assert.True(t, client.Pending("room1"))
	})
}

func TestClient_Routing(t *testing.T) {
	transport := newFakeTransport()
	client := NewWithSocket(transport)

	var room1, room2 []string
	client.SubscribeAsync("room1", func(p json.RawMessage) { room1 = append(room1, string(p)) })
	client.SubscribeAsync("room2", func(p json.RawMessage) { room2 = append(room2, string(p)) })

	transport.emitLive(t, "room1", "a")
	transport.emitLive(t, "room2", "b")
	transport.emitLive(t, "room3", "c")
	transport.emitLive(t, "room1", "d")

	assert.Equal(t, []string{`"a"`, `"d"`}, room1)
	assert.Equal(t, []string{`"b"`}, room2)
}

func TestClient_StalledSendDoesNotBlockOtherSlugs(t *testing.T) {
	transport := newFakeTransport()
	client := NewWithSocket(transport)
	release := transport.stall("slow")

	slow := make(chan *future.Future[json.RawMessage], 1)
	go func() {
		slow <- client.SubscribeAsync("slow", func(json.RawMessage) {})
	}()
	require.Eventually(t, func() bool { return client.Pending("slow") }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.False(t, client.Pending("fast"))
		client.SubscribeAsync("fast", func(json.RawMessage) {})
		client.UnsubscribeAsync("other")
		assert.Equal(t, []string{"fast", "slow"}, client.Subscriptions())
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("calls for other slugs blocked while a send was stalled")
	}

	joined := client.SubscribeAsync("slow", func(json.RawMessage) {})
	release()
	first := <-slow

	subs := transport.callsFor(socket.MethodLiveSubscribe)
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"fast"}, subs[0].params.Events)
	assert.Equal(t, []string{"slow"}, subs[1].params.Events)

	subs[1].reply.Resolve(json.RawMessage(`null`))
	require.NoError(t, await(t, first))
	require.NoError(t, await(t, joined))
}

func TestClient_BindingsPersistAfterFailure(t *testing.T) {
	transport := newFakeTransport()
	client := NewWithSocket(transport)

	count := 0
	sub := client.SubscribeAsync("room1", func(json.RawMessage) { count++ })
	transport.callsFor(socket.MethodLiveSubscribe)[0].reply.Reject(errors.New("boom"))
	require.Error(t, await(t, sub))

	transport.emitLive(t, "room1", 1)
	assert.Equal(t, 1, count)
}

func TestClient_Close(t *testing.T) {
	transport := newFakeTransport()
	client := NewWithSocket(transport)

	require.NoError(t, client.Close())
	assert.True(t, transport.closed)
	assert.Same(t, transport, client.Socket())
}
