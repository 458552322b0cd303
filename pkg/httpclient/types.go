package httpclient

import (
	"encoding/json"
	"time"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the dev server (e.g., "http://localhost:8080")
	ServerURL string

	// Token is sent as a bearer token on authenticated requests (optional)
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// PublishRequest is the body of a publish call
type PublishRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// PublishResponse reports how many connections received the event
type PublishResponse struct {
	Delivered int `json:"delivered"`
}

// HealthResponse represents the health status of the dev server
type HealthResponse struct {
	Healthy       bool `json:"healthy"`
	Connections   int  `json:"connections"`
	Channels      int  `json:"channels"`
	Subscriptions int  `json:"subscriptions"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
