package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/carina-go/pkg/future"
)

// ConstellationSocket is a reconnecting websocket client for Constellation.
//
// Requests made before the connection is open are queued and written once it
// opens. Requests already written when the connection drops are rejected with
// ErrConnectionLost; they are never resent. Server events are emitted as
// "event:<name>" from the single read goroutine, so handlers observe them in
// wire order.
type ConstellationSocket struct {
	config  Config
	logger  *zap.Logger
	dialer  *websocket.Dialer
	emitter *emitter

	nextID atomic.Uint64

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	queue    []*request
	inflight map[uint64]*request

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type request struct {
	packet MethodPacket
	reply  *future.Future[json.RawMessage]
	timer  *time.Timer
}

var _ Socket = (*ConstellationSocket)(nil)

// NewConstellationSocket creates a socket and, unless ManualConnect is set,
// starts connecting in the background.
func NewConstellationSocket(config Config) (*ConstellationSocket, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ConstellationSocket{
		config:   config,
		logger:   config.Logger.With(zap.String("component", "socket"), zap.String("url", config.URL)),
		dialer:   dialer,
		emitter:  newEmitter(),
		state:    StateIdle,
		inflight: make(map[uint64]*request),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if !config.ManualConnect {
		if err := s.Connect(); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// On registers handler for event.
func (s *ConstellationSocket) On(event string, handler Handler) {
	s.emitter.on(event, handler)
}

// State returns the current connection state.
func (s *ConstellationSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection loop.
func (s *ConstellationSocket) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		s.state = StateConnecting
		go s.run()
		return nil
	case StateClosing, StateClosed:
		return ErrClosed
	default:
		return nil
	}
}

// Execute sends a method call and returns a future for its reply. While the
// socket is not connected the call is queued.
func (s *ConstellationSocket) Execute(method string, params any) *future.Future[json.RawMessage] {
	req := &request{
		packet: MethodPacket{
			Type:   PacketMethod,
			Method: method,
			Params: params,
			ID:     s.nextID.Add(1),
		},
		reply: future.New[json.RawMessage](),
	}

	s.mu.Lock()
	switch {
	case s.state == StateClosing || s.state == StateClosed:
		s.mu.Unlock()
		req.reply.Reject(ErrClosed)
		return req.reply
	case s.state == StateConnected && s.conn != nil:
		conn := s.conn
		s.track(req)
		s.mu.Unlock()

		s.writeMu.Lock()
		err := s.write(conn, req)
		s.writeMu.Unlock()
		if err != nil {
			s.fail(req, err)
		}
	default:
		s.queue = append(s.queue, req)
		s.mu.Unlock()
	}

	return req.reply
}

// Close stops the socket. Outstanding and queued requests are rejected with
// ErrClosed. Close waits for the read goroutine to exit, so it must not be
// called from an event handler; a handler that needs to close the socket
// calls it with go s.Close().
func (s *ConstellationSocket) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	started := s.state != StateIdle
	s.state = StateClosing
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if started {
		<-s.done
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.rejectAll(ErrClosed)
	s.logger.Debug("socket closed")
	return nil
}

// run dials, serves the connection and reconnects with backoff until the
// socket is closed or reconnection is disabled.
func (s *ConstellationSocket) run() {
	defer close(s.done)

	policy := s.config.Reconnect.newBackOff()
	attempt := 0
	for {
		conn, err := s.dial(s.ctx)
		if err == nil {
			attempt = 0
			policy.Reset()
			s.serve(conn)
		} else if s.ctx.Err() == nil {
			s.logger.Warn("failed to connect", zap.Error(err))
			s.emitter.emit(EventError, lifecycleData(map[string]string{"message": err.Error()}))
		}

		if s.ctx.Err() != nil {
			return
		}
		if s.config.DisableReconnect {
			s.mu.Lock()
			s.state = StateClosed
			s.mu.Unlock()
			s.rejectAll(ErrClosed)
			return
		}

		attempt++
		delay := policy.NextBackOff()
		s.mu.Lock()
		if s.state != StateClosing {
			s.state = StateConnecting
		}
		s.mu.Unlock()
		s.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		s.emitter.emit(EventReconnecting, lifecycleData(map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}))

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ConstellationSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, vs := range s.config.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set("X-Protocol-Version", s.config.ProtocolVersion)
	if s.config.IsBot {
		header.Set("X-Is-Bot", "true")
	}
	if s.config.JWT != "" {
		if err := checkToken(s.config.JWT, time.Now()); err != nil {
			return nil, err
		}
		header.Set("Authorization", "JWT "+s.config.JWT)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.config.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	conn.SetReadLimit(s.config.MaxMessageSize)
	return conn, nil
}

// serve owns conn until it fails or the socket is closed.
func (s *ConstellationSocket) serve(conn *websocket.Conn) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateConnected
	queued := s.queue
	s.queue = nil
	for _, req := range queued {
		s.track(req)
	}
	// Take writeMu before releasing mu so queued requests hit the wire
	// ahead of anything executed after the state flip.
	s.writeMu.Lock()
	s.mu.Unlock()
	failed := make(map[*request]error)
	for _, req := range queued {
		if err := s.write(conn, req); err != nil {
			failed[req] = err
		}
	}
	s.writeMu.Unlock()
	for req, err := range failed {
		s.fail(req, err)
	}

	s.logger.Info("connected", zap.Int("flushed", len(queued)))
	s.emitter.emit(EventOpen, nil)

	if s.config.Gzip {
		s.negotiateCompression()
	}

	stopPing := make(chan struct{})
	go s.keepalive(conn, stopPing)

	readErr := s.readLoop(conn)
	close(stopPing)
	_ = conn.Close()

	s.mu.Lock()
	s.conn = nil
	lost := s.inflight
	s.inflight = make(map[uint64]*request)
	if s.state == StateConnected {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	for _, req := range lost {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.reply.Reject(fmt.Errorf("%w: %s", ErrConnectionLost, req.packet.Method))
	}

	if s.ctx.Err() == nil {
		s.logger.Warn("connection closed", zap.Error(readErr), zap.Int("lost_requests", len(lost)))
	}
	s.emitter.emit(EventClose, nil)
}

func (s *ConstellationSocket) readLoop(conn *websocket.Conn) error {
	readWindow := 2 * s.config.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))

		packet, err := DecodeFrame(messageType, data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.handlePacket(packet)
	}
}

func (s *ConstellationSocket) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.config.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *ConstellationSocket) handlePacket(p *Packet) {
	switch p.Type {
	case PacketReply:
		s.mu.Lock()
		req, ok := s.inflight[p.ID]
		delete(s.inflight, p.ID)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("reply for unknown request", zap.Uint64("id", p.ID))
			return
		}
		if req.timer != nil {
			req.timer.Stop()
		}
		if p.Error != nil {
			req.reply.Reject(p.Error)
			return
		}
		req.reply.Resolve(p.Result)

	case PacketEvent:
		if p.Event == "hello" {
			var hello Hello
			if err := json.Unmarshal(p.Data, &hello); err == nil {
				s.logger.Debug("hello received", zap.Bool("authenticated", hello.Authenticated))
			}
		}
		s.emitter.emit("event:"+p.Event, p.Data)

	default:
		s.logger.Debug("ignoring packet", zap.String("type", p.Type))
	}
}

func (s *ConstellationSocket) negotiateCompression() {
	reply := s.Execute(MethodSetCompression, CompressionParams{Scheme: []string{SchemeGzip, SchemeNone}})
	reply.OnSettle(func(result json.RawMessage, err error) {
		if err != nil {
			s.logger.Warn("compression negotiation failed", zap.Error(err))
			return
		}
		var res CompressionResult
		if err := json.Unmarshal(result, &res); err == nil {
			s.logger.Debug("compression negotiated", zap.String("scheme", res.Scheme))
		}
	})
}

// track moves req to the in-flight set. Callers hold mu.
func (s *ConstellationSocket) track(req *request) {
	s.inflight[req.packet.ID] = req
	id := req.packet.ID
	req.timer = time.AfterFunc(s.config.ReplyTimeout, func() { s.expire(id) })
}

// write sends req on conn. Callers hold writeMu and must not hold mu.
func (s *ConstellationSocket) write(conn *websocket.Conn, req *request) error {
	data, err := json.Marshal(req.packet)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.ReplyTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// fail rejects req if it is still in flight.
func (s *ConstellationSocket) fail(req *request, err error) {
	s.mu.Lock()
	_, ok := s.inflight[req.packet.ID]
	delete(s.inflight, req.packet.ID)
	s.mu.Unlock()
	if ok {
		req.timer.Stop()
		req.reply.Reject(fmt.Errorf("failed to send %s: %w", req.packet.Method, err))
	}
}

func (s *ConstellationSocket) expire(id uint64) {
	s.mu.Lock()
	req, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()

	if ok {
		req.reply.Reject(fmt.Errorf("%w: %s after %s", ErrReplyTimeout, req.packet.Method, s.config.ReplyTimeout))
	}
}

func (s *ConstellationSocket) rejectAll(err error) {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	inflight := make([]*request, 0, len(s.inflight))
	for _, req := range s.inflight {
		inflight = append(inflight, req)
	}
	s.inflight = make(map[uint64]*request)
	s.mu.Unlock()

	sort.Slice(inflight, func(i, j int) bool { return inflight[i].packet.ID < inflight[j].packet.ID })
	for _, req := range append(inflight, queued...) {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.reply.Reject(err)
	}
}
