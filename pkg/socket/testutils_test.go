package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// inboundMethod is a method packet as the test server sees it.
type inboundMethod struct {
	Type   string          `json:"type"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     uint64          `json:"id"`
}

// testPeer is the server side of one test connection.
type testPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *testPeer) sendJSON(t *testing.T, v any) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(t, p.conn.WriteJSON(v))
}

func (p *testPeer) sendGzip(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	compressed, err := Gzip(data)
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(t, p.conn.WriteMessage(websocket.BinaryMessage, compressed))
}

func (p *testPeer) reply(t *testing.T, id uint64, result any) {
	p.sendJSON(t, map[string]any{"type": "reply", "id": id, "result": result, "error": nil})
}

func (p *testPeer) replyError(t *testing.T, id uint64, code int, message string) {
	p.sendJSON(t, map[string]any{
		"type":  "reply",
		"id":    id,
		"error": map[string]any{"code": code, "message": message},
	})
}

func (p *testPeer) event(t *testing.T, name string, data any) {
	p.sendJSON(t, map[string]any{"type": "event", "event": name, "data": data})
}

// testServer is a scripted websocket server. onMethod runs on the
// connection's read goroutine for every method packet.
type testServer struct {
	server      *httptest.Server
	connections atomic.Int32
	headers     chan http.Header
	peers       chan *testPeer
}

func newTestServer(t *testing.T, onMethod func(p *testPeer, m inboundMethod)) *testServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	ts := &testServer{
		headers: make(chan http.Header, 16),
		peers:   make(chan *testPeer, 16),
	}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ts.connections.Add(1)
		peer := &testPeer{conn: conn}
		select {
		case ts.headers <- r.Header.Clone():
		default:
		}
		select {
		case ts.peers <- peer:
		default:
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m inboundMethod
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			if onMethod != nil {
				onMethod(peer, m)
			}
		}
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *testServer) nextPeer(t *testing.T) *testPeer {
	t.Helper()
	select {
	case p := <-ts.peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		ReplyTimeout: time.Second,
		PingInterval: time.Second,
		Reconnect: ReconnectPolicy{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
		},
	}
}
