package carina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/carina-go/pkg/future"
	"github.com/rmacdonaldsmith/carina-go/pkg/pending"
	"github.com/rmacdonaldsmith/carina-go/pkg/router"
	"github.com/rmacdonaldsmith/carina-go/pkg/socket"
)

const subscriptionPrefix = "subscription:"

// Client manages live event subscriptions over one socket.
type Client struct {
	socket  socket.Transport
	router  *router.Router
	waiting *pending.Registry[json.RawMessage]
	logger  *zap.Logger
}

type options struct {
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates a Client backed by a ConstellationSocket built from config.
func New(config socket.Config, opts ...Option) (*Client, error) {
	o := applyOptions(opts)
	if config.Logger == nil {
		config.Logger = o.logger
	}

	s, err := socket.NewConstellationSocket(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	return newClient(s, o), nil
}

// NewWithSocket creates a Client on top of an existing transport. The Client
// takes ownership of it: Close closes it if it implements io.Closer.
func NewWithSocket(transport socket.Transport, opts ...Option) *Client {
	return newClient(transport, applyOptions(opts))
}

func applyOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newClient(transport socket.Transport, o options) *Client {
	logger := o.logger.With(zap.String("component", "carina"))
	c := &Client{
		socket:  transport,
		router:  router.New(logger),
		waiting: pending.NewRegistry[json.RawMessage](),
		logger:  logger,
	}
	c.router.Attach(transport)
	return c
}

// Socket returns the underlying transport.
func (c *Client) Socket() socket.Transport {
	return c.socket
}

// SubscribeAsync binds handler to slug and returns a future that settles
// when the server acknowledges the subscription. The binding is installed
// immediately, whatever the outcome. A nil handler subscribes without
// binding anything. SubscribeAsync never waits on the server, so it is the
// form to use from inside a live event handler.
func (c *Client) SubscribeAsync(slug string, handler router.Handler) *future.Future[json.RawMessage] {
	c.router.On(slug, handler)

	id := subscriptionPrefix + slug
	issued := false
	shared := c.waiting.WaitFor(id, func() *future.Future[json.RawMessage] {
		issued = true
		return c.socket.Execute(socket.MethodLiveSubscribe, socket.LiveParams{Events: []string{slug}})
	})
	if issued {
		c.logger.Debug("livesubscribe sent", zap.String("slug", slug))
	} else {
		c.logger.Debug("joined pending livesubscribe", zap.String("slug", slug))
	}

	return future.Then(shared, func(result json.RawMessage, err error) (json.RawMessage, error) {
		if err != nil {
			if c.waiting.Release(id, shared) {
				c.logger.Debug("livesubscribe failed, cleared pending entry",
					zap.String("slug", slug), zap.Error(err))
			}
			return nil, err
		}
		return result, nil
	})
}

// Subscribe is SubscribeAsync followed by a wait bounded by ctx. Giving up
// on ctx does not cancel the subscription request other callers may share.
// Handlers run on the socket's read goroutine, so calling Subscribe from one
// blocks the read of its own reply; use SubscribeAsync there.
func (c *Client) Subscribe(ctx context.Context, slug string, handler router.Handler) error {
	_, err := c.SubscribeAsync(slug, handler).Await(ctx)
	return err
}

// UnsubscribeAsync forgets any cached subscription for slug and sends
// liveunsubscribe. Handlers bound to slug stay registered.
func (c *Client) UnsubscribeAsync(slug string) *future.Future[json.RawMessage] {
	c.waiting.StopWaiting(subscriptionPrefix + slug)
	c.logger.Debug("liveunsubscribe sent", zap.String("slug", slug))
	return c.socket.Execute(socket.MethodLiveUnsubscribe, socket.LiveParams{Events: []string{slug}})
}

// Unsubscribe is UnsubscribeAsync followed by a wait bounded by ctx. Like
// Subscribe, it must not be called from a live event handler; use
// UnsubscribeAsync there.
func (c *Client) Unsubscribe(ctx context.Context, slug string) error {
	_, err := c.UnsubscribeAsync(slug).Await(ctx)
	return err
}

// Pending reports whether a subscription request for slug is cached, either
// in flight or already acknowledged.
func (c *Client) Pending(slug string) bool {
	return c.waiting.Has(subscriptionPrefix + slug)
}

// Subscriptions returns the slugs with a cached subscription request.
func (c *Client) Subscriptions() []string {
	ids := c.waiting.Identifiers()
	slugs := make([]string, 0, len(ids))
	for _, id := range ids {
		if slug, ok := strings.CutPrefix(id, subscriptionPrefix); ok {
			slugs = append(slugs, slug)
		}
	}
	return slugs
}

// Bindings returns the number of handlers bound to slug.
func (c *Client) Bindings(slug string) int {
	return c.router.Bindings(slug)
}

// Close closes the underlying transport if it can be closed. It must not be
// called from a live event handler; run it on another goroutine instead.
func (c *Client) Close() error {
	if closer, ok := c.socket.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
