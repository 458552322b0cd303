// Package devserver is a local Constellation-compatible server.
//
// It speaks the live-event subset of the protocol on GET /socket and lets
// tests and the command line publish events with POST /publish.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/carina-go/pkg/socket"
)

// Server is the dev server
type Server struct {
	config     Config
	auth       *JWTAuth
	routes     *Routes
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	router     chi.Router
	httpServer *http.Server

	mu    sync.Mutex
	conns map[string]*conn
	stats map[string]int
}

// New creates a dev server
func New(config Config) (*Server, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config: config,
		auth:   NewJWTAuth(config.SecretKey),
		routes: NewRoutes(),
		logger: config.Logger.With(zap.String("component", "devserver")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
		stats: make(map[string]int),
	}

	s.router = s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/socket", s.handleSocket)
	r.Get("/health", s.handleHealth)
	r.With(s.authRequired).Post("/publish", s.handlePublish)
	return r
}

// Handler returns the HTTP handler, for use with httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on Config.ListenAddr and blocks until the server stops
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.config.ListenAddr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts down the HTTP server and closes every websocket
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.DropConnections()
	return err
}

// IssueToken returns a token accepted by this server
func (s *Server) IssueToken(clientID string) (string, error) {
	token, _, err := s.auth.IssueToken(clientID)
	return token, err
}

// Publish sends a live event to every connection subscribed to channel and
// returns how many received it.
func (s *Server) Publish(channel string, payload json.RawMessage) int {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	delivered := 0
	for _, sub := range s.routes.Subscribers(channel) {
		if err := sub.Deliver(channel, payload); err != nil {
			s.logger.Debug("delivery failed",
				zap.String("conn_id", sub.ID()), zap.String("channel", channel), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// DropConnections closes every open websocket without a close handshake and
// returns how many were closed.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
	return len(conns)
}

// Connections returns the number of open websockets
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Channels returns the channels with at least one subscriber
func (s *Server) Channels() []string {
	return s.routes.Channels()
}

// Stats returns the number of calls received per method name
func (s *Server) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

func (s *Server) countMethod(method string) {
	s.mu.Lock()
	s.stats[method]++
	s.mu.Unlock()
}

func (s *Server) subscribe(c *conn, slugs []string) *socket.ServerError {
	if s.config.AcceptSlug != nil {
		for _, slug := range slugs {
			if err := s.config.AcceptSlug(slug); err != nil {
				return &socket.ServerError{
					Code:    socket.CodeUnknownEvent,
					Message: fmt.Sprintf("unknown event %q: %v", slug, err),
				}
			}
		}
	}

	for _, slug := range slugs {
		s.routes.Subscribe(slug, c)
	}
	c.logger.Debug("subscribed", zap.Strings("slugs", slugs))
	return nil
}

func (s *Server) unsubscribe(c *conn, slugs []string) {
	for _, slug := range slugs {
		s.routes.Unsubscribe(slug, c.ID())
	}
	c.logger.Debug("unsubscribed", zap.Strings("slugs", slugs))
}

func (s *Server) disconnect(c *conn) {
	s.routes.RemoveSubscriber(c.ID())

	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	c.logger.Debug("connection closed")
}

// handleSocket handles GET /socket
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	clientID := ""
	if header := r.Header.Get("Authorization"); header != "" && !s.config.NoAuth {
		claims, err := s.auth.ValidateToken(header)
		if err != nil {
			s.writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}
		clientID = claims.ClientID
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.config.MaxMessageSize)

	c := newConn(s, ws, clientID)
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()

	c.logger.Debug("connection opened",
		zap.String("client_id", clientID),
		zap.Bool("bot", r.Header.Get("X-Is-Bot") == "true"),
		zap.String("protocol_version", r.Header.Get("X-Protocol-Version")))
	c.serve()
}

// handlePublish handles POST /publish
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		s.writeError(w, "Channel is required", http.StatusBadRequest)
		return
	}

	delivered := s.Publish(req.Channel, req.Payload)
	s.writeJSON(w, PublishResponse{Delivered: delivered}, http.StatusOK)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, HealthResponse{
		Healthy:       true,
		Connections:   s.Connections(),
		Channels:      len(s.routes.Channels()),
		Subscriptions: s.routes.SubscriptionCount(),
	}, http.StatusOK)
}

// authRequired rejects requests without a valid token unless NoAuth is set
func (s *Server) authRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.NoAuth {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			s.writeError(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		if _, err := s.auth.ValidateToken(header); err != nil {
			s.writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

func (s *Server) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}
