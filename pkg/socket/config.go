package socket

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultURL is the public Constellation endpoint.
const DefaultURL = "wss://constellation.mixer.com"

// DefaultProtocolVersion is sent in the X-Protocol-Version header.
const DefaultProtocolVersion = "2.0"

var (
	// ErrEmptyURL is returned when the socket URL is empty
	ErrEmptyURL = errors.New("socket URL cannot be empty")
	// ErrInvalidScheme is returned when the URL is not ws:// or wss://
	ErrInvalidScheme = errors.New("socket URL scheme must be ws or wss")
)

// Config holds socket configuration
type Config struct {
	// URL of the Constellation endpoint (e.g., "wss://constellation.mixer.com")
	URL string

	// JWT is sent as "Authorization: JWT <token>" during the handshake (optional)
	JWT string

	// Gzip asks the server to compress frames after every (re)connect
	Gzip bool

	// IsBot marks the connection as a bot with the X-Is-Bot header
	IsBot bool

	// ProtocolVersion sent in the X-Protocol-Version header
	ProtocolVersion string

	// Headers are extra handshake headers
	Headers http.Header

	// ReplyTimeout bounds the wait for a reply once a request is on the wire
	ReplyTimeout time.Duration

	// PingInterval between websocket pings; two missed intervals drop the connection
	PingInterval time.Duration

	// HandshakeTimeout for the websocket dial
	HandshakeTimeout time.Duration

	// MaxMessageSize is the read limit for a single frame
	MaxMessageSize int64

	// Reconnect is the backoff policy between connection attempts
	Reconnect ReconnectPolicy

	// DisableReconnect stops the socket after the first disconnect
	DisableReconnect bool

	// ManualConnect skips connecting in NewConstellationSocket
	ManualConnect bool

	// Dialer overrides the websocket dialer (optional)
	Dialer *websocket.Dialer

	// Logger for connection lifecycle messages (optional)
	Logger *zap.Logger
}

// ReconnectPolicy is an exponential backoff between reconnect attempts.
type ReconnectPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
	c.Reconnect.SetDefaults()
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// SetDefaults fills unset policy fields.
func (p *ReconnectPolicy) SetDefaults() {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 20 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor > 1 {
		p.RandomizationFactor = 0.5
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid socket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: got %q", ErrInvalidScheme, u.Scheme)
	}
	if c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		return errors.New("reconnect max interval must not be below initial interval")
	}
	return nil
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return b
}
