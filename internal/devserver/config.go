package devserver

import (
	"errors"

	"go.uber.org/zap"
)

// DefaultSecretKey signs tokens when no secret is configured.
const DefaultSecretKey = "carina-devserver-secret"

var (
	// ErrEmptyListenAddr is returned when no listen address is configured
	ErrEmptyListenAddr = errors.New("listen address cannot be empty")
	// ErrNegativeMessageSize is returned for a negative MaxMessageSize
	ErrNegativeMessageSize = errors.New("max message size cannot be negative")
)

// Config holds dev server configuration
type Config struct {
	// ListenAddr is the address Start listens on
	ListenAddr string

	// SecretKey signs and validates HS256 tokens
	SecretKey string

	// NoAuth disables token checks on every endpoint
	NoAuth bool

	// AcceptSlug, when set, is consulted for every slug of a livesubscribe.
	// A non-nil error rejects the whole call with code 4106.
	AcceptSlug func(slug string) error

	// MaxMessageSize limits inbound websocket frames
	MaxMessageSize int64

	Logger *zap.Logger
}

// SetDefaults fills in zero values
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.SecretKey == "" {
		c.SecretKey = DefaultSecretKey
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if c.MaxMessageSize < 0 {
		return ErrNegativeMessageSize
	}
	return nil
}
