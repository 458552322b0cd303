package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for requests on, or outstanding at, a closed socket.
	ErrClosed = errors.New("socket closed")
	// ErrConnectionLost is returned for requests that were sent but had no
	// reply when the connection dropped.
	ErrConnectionLost = errors.New("connection lost before reply")
	// ErrReplyTimeout is returned when no reply arrives within ReplyTimeout.
	ErrReplyTimeout = errors.New("timed out waiting for reply")
	// ErrTokenExpired is returned when the configured JWT is already expired.
	ErrTokenExpired = errors.New("jwt expired")
)

// Constellation error codes used by this module.
const (
	CodeBadRequest    = 4000
	CodeUnknownMethod = 4004
	CodeUnknownEvent  = 4106
	CodeAccessDenied  = 4107
)

// ServerError is an error reply from the server.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("constellation error %d: %s", e.Code, e.Message)
}

// IsServerError reports whether err carries a ServerError with code.
func IsServerError(err error, code int) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}
