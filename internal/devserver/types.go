package devserver

import "encoding/json"

// PublishRequest is the body of POST /publish
type PublishRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// PublishResponse reports how many connections received the event
type PublishResponse struct {
	Delivered int `json:"delivered"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Healthy       bool `json:"healthy"`
	Connections   int  `json:"connections"`
	Channels      int  `json:"channels"`
	Subscriptions int  `json:"subscriptions"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
