package mcpwire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwind/echowire/internal/tools"
)

type fakeToolSession struct{}

func (fakeToolSession) ID() string             { return "sess_test" }
func (fakeToolSession) DeviceMAC() string      { return "AA:BB:CC:DD:EE:FF" }
func (fakeToolSession) DeviceUUID() string     { return "uuid-1" }
func (fakeToolSession) SendJSON(any) error     { return nil }
func (fakeToolSession) SetSystemPrompt(string) {}

// newFakeMCPServer speaks just enough JSON-RPC over WebSocket to complete
// the handshake and answer tools/call. Server-side connections are handed
// back so tests can drop one mid-session.
func newFakeMCPServer(t *testing.T) (url string, conns chan *websocket.Conn) {
	t.Helper()
	conns = make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
		serveMCP(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func serveMCP(c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if json.Unmarshal(data, &req) != nil || req.ID == nil {
			continue
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{
				"name":        "echo.ping",
				"description": "replies pong",
				"inputSchema": map[string]any{"type": "object"},
			}}}
		case "tools/call":
			result = map[string]any{
				"isError": false,
				"content": []map[string]any{{"type": "text", "text": "pong"}},
			}
		default:
			result = map[string]any{}
		}
		if c.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result}) != nil {
			return
		}
	}
}

func TestConnectDiscoversSanitizedTools(t *testing.T) {
	url, _ := newFakeMCPServer(t)

	e, err := Connect(context.Background(), Config{URL: url})
	require.NoError(t, err)
	defer e.Close()

	defs, err := e.GetTools(context.Background())
	require.NoError(t, err)
	require.Contains(t, defs, "echo_ping")
	assert.True(t, e.HasTool(context.Background(), "echo_ping"))
	assert.False(t, e.HasTool(context.Background(), "echo.ping"))
}

func TestExecuteReconnectsAfterConnectionLoss(t *testing.T) {
	url, conns := newFakeMCPServer(t)

	e, err := Connect(context.Background(), Config{URL: url})
	require.NoError(t, err)
	defer e.Close()

	first := <-conns

	resp := e.Execute(context.Background(), fakeToolSession{}, "echo_ping", nil)
	require.Equal(t, tools.ActionReqLLM, resp.Kind)
	require.Equal(t, "pong", resp.Text)

	// The server drops the connection; the read loop clears it.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.conn == nil
	}, 2*time.Second, 10*time.Millisecond, "read loop never observed the loss")

	// The next call re-dials and re-handshakes instead of failing for the
	// rest of the process lifetime.
	resp = e.Execute(context.Background(), fakeToolSession{}, "echo_ping", nil)
	assert.Equal(t, tools.ActionReqLLM, resp.Kind)
	assert.Equal(t, "pong", resp.Text)
}

func TestExecuteAfterCloseFails(t *testing.T) {
	url, _ := newFakeMCPServer(t)

	e, err := Connect(context.Background(), Config{URL: url})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// A short deadline keeps the retry table from sleeping out the test.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	resp := e.Execute(ctx, fakeToolSession{}, "echo_ping", nil)
	assert.Equal(t, tools.ActionError, resp.Kind)
}
