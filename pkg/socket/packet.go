package socket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
)

// Packet types on the wire.
const (
	PacketMethod = "method"
	PacketReply  = "reply"
	PacketEvent  = "event"
)

// Compression schemes negotiated with setCompression.
const (
	SchemeGzip = "gzip"
	SchemeNone = "none"
)

// MethodPacket is a request sent to the server.
type MethodPacket struct {
	Type   string `json:"type"`
	Method string `json:"method"`
	Params any    `json:"params"`
	ID     uint64 `json:"id"`
}

// Packet is a frame received from the server, either a reply or an event.
type Packet struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ServerError    `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CompressionParams are the params of setCompression.
type CompressionParams struct {
	Scheme []string `json:"scheme"`
}

// CompressionResult is the result of setCompression.
type CompressionResult struct {
	Scheme string `json:"scheme"`
}

// DecodeFrame decodes one websocket message. Binary messages are gzip
// compressed JSON; text messages are plain JSON.
func DecodeFrame(messageType int, data []byte) (*Packet, error) {
	if messageType == websocket.BinaryMessage {
		inflated, err := Gunzip(data)
		if err != nil {
			return nil, err
		}
		data = inflated
	}

	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode packet: %w", err)
	}
	return &p, nil
}

// Gzip compresses data.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses data.
func Gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed frame: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	return out, nil
}
