package carina_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/carina-go/internal/devserver"
	"github.com/rmacdonaldsmith/carina-go/pkg/carina"
	"github.com/rmacdonaldsmith/carina-go/pkg/socket"
)

type harness struct {
	server *devserver.Server
	client *carina.Client
	opens  atomic.Int32
}

func newHarness(t *testing.T, serverConfig devserver.Config, gzip bool) *harness {
	t.Helper()

	srv, err := devserver.New(serverConfig)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	token, err := srv.IssueToken("integration")
	require.NoError(t, err)

	client, err := carina.New(socket.Config{
		URL:           "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket",
		JWT:           token,
		Gzip:          gzip,
		ReplyTimeout:  2 * time.Second,
		PingInterval:  time.Second,
		ManualConnect: true,
		Reconnect: socket.ReconnectPolicy{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	h := &harness{server: srv, client: client}
	s := client.Socket().(socket.Socket)
	s.On(socket.EventOpen, func(json.RawMessage) { h.opens.Add(1) })
	require.NoError(t, s.Connect())

	t.Cleanup(func() {
		client.Close()
		srv.DropConnections()
		ts.Close()
	})
	return h
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func receive(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no live event received")
		return nil
	}
}

func TestIntegration_SubscribeAndReceive(t *testing.T) {
	for _, gzip := range []bool{false, true} {
		name := "plain"
		if gzip {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, devserver.Config{}, gzip)
			events := make(chan json.RawMessage, 4)

			require.NoError(t, h.client.Subscribe(ctxT(t), "channel:1:update", func(p json.RawMessage) {
				events <- p
			}))

			assert.Equal(t, 1, h.server.Publish("channel:1:update", json.RawMessage(`{"viewers":3}`)))
			assert.JSONEq(t, `{"viewers":3}`, string(receive(t, events)))
		})
	}
}

func TestIntegration_ConcurrentSubscribesShareOneRequest(t *testing.T) {
	h := newHarness(t, devserver.Config{}, false)

	var received atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.client.Subscribe(ctxT(t), "room1", func(json.RawMessage) { received.Add(1) })
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.server.Stats()[socket.MethodLiveSubscribe])

	h.server.Publish("room1", json.RawMessage(`1`))
	require.Eventually(t, func() bool { return received.Load() == 10 }, 2*time.Second, 10*time.Millisecond)
}

func TestIntegration_RejectedSubscriptionCanBeRetried(t *testing.T) {
	var allow atomic.Bool
	h := newHarness(t, devserver.Config{
		AcceptSlug: func(slug string) error {
			if !allow.Load() {
				return errors.New("not yet")
			}
			return nil
		},
	}, false)

	err := h.client.Subscribe(ctxT(t), "room1", func(json.RawMessage) {})
	require.Error(t, err)
	assert.True(t, socket.IsServerError(err, socket.CodeUnknownEvent))
	assert.False(t, h.client.Pending("room1"))

	allow.Store(true)
	require.NoError(t, h.client.Subscribe(ctxT(t), "room1", func(json.RawMessage) {}))
	assert.Equal(t, 2, h.server.Stats()[socket.MethodLiveSubscribe])
	assert.Equal(t, 2, h.client.Bindings("room1"))
}

func TestIntegration_Unsubscribe(t *testing.T) {
	h := newHarness(t, devserver.Config{}, false)

	require.NoError(t, h.client.Subscribe(ctxT(t), "room1", func(json.RawMessage) {}))
	assert.Equal(t, []string{"room1"}, h.server.Channels())

	require.NoError(t, h.client.Unsubscribe(ctxT(t), "room1"))
	assert.Empty(t, h.server.Channels())
	assert.False(t, h.client.Pending("room1"))
	assert.Equal(t, 1, h.client.Bindings("room1"))
	assert.Equal(t, 0, h.server.Publish("room1", json.RawMessage(`1`)))
}

func TestIntegration_ResubscribeAfterReconnect(t *testing.T) {
	h := newHarness(t, devserver.Config{}, false)
	events := make(chan json.RawMessage, 4)

	require.NoError(t, h.client.Subscribe(ctxT(t), "room1", func(p json.RawMessage) { events <- p }))
	require.Equal(t, int32(1), h.opens.Load())

	h.server.DropConnections()
	require.Eventually(t, func() bool {
		return h.opens.Load() == 2 && h.server.Connections() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The server forgot the subscription; the client still has it cached.
	assert.True(t, h.client.Pending("room1"))
	require.NoError(t, h.client.Subscribe(ctxT(t), "room1", func(json.RawMessage) {}))
	assert.Equal(t, 1, h.server.Stats()[socket.MethodLiveSubscribe])

	require.NoError(t, h.client.Unsubscribe(ctxT(t), "room1"))
	require.NoError(t, h.client.Subscribe(ctxT(t), "room1", func(json.RawMessage) {}))
	assert.Equal(t, 2, h.server.Stats()[socket.MethodLiveSubscribe])

	h.server.Publish("room1", json.RawMessage(`"back"`))
	assert.JSONEq(t, `"back"`, string(receive(t, events)))
}

func TestIntegration_SubscribeFromHandler(t *testing.T) {
	h := newHarness(t, devserver.Config{}, false)
	nested := make(chan error, 1)
	events := make(chan json.RawMessage, 1)

	require.NoError(t, h.client.Subscribe(ctxT(t), "room1", func(json.RawMessage) {
		h.client.SubscribeAsync("room2", func(p json.RawMessage) { events <- p }).
			OnSettle(func(_ json.RawMessage, err error) { nested <- err })
	}))

	h.server.Publish("room1", json.RawMessage(`{}`))
	select {
	case err := <-nested:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested subscribe did not settle")
	}

	h.server.Publish("room2", json.RawMessage(`{"n":2}`))
	assert.JSONEq(t, `{"n":2}`, string(receive(t, events)))
}
