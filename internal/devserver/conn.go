package devserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/carina-go/pkg/socket"
)

const writeWait = 10 * time.Second

// inboundMethod is a method packet as read by the server.
type inboundMethod struct {
	Type   string          `json:"type"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     uint64          `json:"id"`
}

type replyPacket struct {
	Type   string              `json:"type"`
	ID     uint64              `json:"id"`
	Result any                 `json:"result"`
	Error  *socket.ServerError `json:"error"`
}

type eventPacket struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// conn is one websocket client of the server.
type conn struct {
	id       string
	clientID string
	ws       *websocket.Conn
	server   *Server
	logger   *zap.Logger

	writeMu sync.Mutex
	gzip    bool
}

func newConn(s *Server, ws *websocket.Conn, clientID string) *conn {
	id := uuid.NewString()
	return &conn{
		id:       id,
		clientID: clientID,
		ws:       ws,
		server:   s,
		logger:   s.logger.With(zap.String("conn_id", id)),
	}
}

// ID implements Subscriber.
func (c *conn) ID() string {
	return c.id
}

// Deliver implements Subscriber.
func (c *conn) Deliver(channel string, payload []byte) error {
	return c.send(eventPacket{
		Type:  socket.PacketEvent,
		Event: "live",
		Data:  socket.LiveEvent{Channel: channel, Payload: json.RawMessage(payload)},
	})
}

func (c *conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	messageType := websocket.TextMessage
	if c.gzip {
		if data, err = socket.Gzip(data); err != nil {
			return err
		}
		messageType = websocket.BinaryMessage
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) reply(id uint64, result any, serr *socket.ServerError) error {
	return c.send(replyPacket{Type: socket.PacketReply, ID: id, Result: result, Error: serr})
}

// serve reads method packets until the connection fails or is closed.
func (c *conn) serve() {
	defer c.close()

	if err := c.send(eventPacket{
		Type:  socket.PacketEvent,
		Event: "hello",
		Data:  socket.Hello{Authenticated: c.clientID != ""},
	}); err != nil {
		c.logger.Debug("failed to send hello", zap.Error(err))
		return
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			if data, err = socket.Gunzip(data); err != nil {
				c.logger.Warn("dropping undecodable frame", zap.Error(err))
				continue
			}
		}

		var m inboundMethod
		if err := json.Unmarshal(data, &m); err != nil || m.Type != socket.PacketMethod {
			c.logger.Warn("dropping malformed packet", zap.ByteString("data", data))
			continue
		}

		if err := c.handle(m); err != nil {
			c.logger.Debug("failed to reply", zap.String("method", m.Method), zap.Error(err))
			return
		}
	}
}

func (c *conn) handle(m inboundMethod) error {
	c.server.countMethod(m.Method)

	switch m.Method {
	case socket.MethodLiveSubscribe:
		events, serr := decodeEvents(m.Params)
		if serr == nil {
			serr = c.server.subscribe(c, events)
		}
		return c.reply(m.ID, nil, serr)

	case socket.MethodLiveUnsubscribe:
		events, serr := decodeEvents(m.Params)
		if serr == nil {
			c.server.unsubscribe(c, events)
		}
		return c.reply(m.ID, nil, serr)

	case socket.MethodSetCompression:
		var params socket.CompressionParams
		if err := json.Unmarshal(m.Params, &params); err != nil {
			return c.reply(m.ID, nil, badRequest("invalid setCompression params"))
		}
		scheme := chooseScheme(params.Scheme)
		if err := c.reply(m.ID, socket.CompressionResult{Scheme: scheme}, nil); err != nil {
			return err
		}
		c.writeMu.Lock()
		c.gzip = scheme == socket.SchemeGzip
		c.writeMu.Unlock()
		return nil

	case socket.MethodPing:
		return c.reply(m.ID, nil, nil)

	default:
		return c.reply(m.ID, nil, &socket.ServerError{
			Code:    socket.CodeUnknownMethod,
			Message: fmt.Sprintf("unknown method %q", m.Method),
		})
	}
}

func (c *conn) close() {
	c.server.disconnect(c)
	_ = c.ws.Close()
}

func decodeEvents(raw json.RawMessage) ([]string, *socket.ServerError) {
	var params socket.LiveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, badRequest("invalid params")
	}
	if len(params.Events) == 0 {
		return nil, badRequest("events must not be empty")
	}
	return params.Events, nil
}

func chooseScheme(offered []string) string {
	for _, s := range offered {
		if s == socket.SchemeGzip {
			return s
		}
	}
	return socket.SchemeNone
}

func badRequest(message string) *socket.ServerError {
	return &socket.ServerError{Code: socket.CodeBadRequest, Message: message}
}
