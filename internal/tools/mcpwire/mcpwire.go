// Package mcpwire connects to a remote MCP service over WebSocket and
// serves its tools as one dispatcher backend. The device MAC is injected
// into every outgoing tools/call so the remote side can scope per-device
// state.
package mcpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/softwind/echowire/internal/tools"
	"github.com/softwind/echowire/shared/backoff"
)

const (
	protocolVersion  = "2024-11-05"
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	requestTimeout   = 30 * time.Second
)

type Config struct {
	URL   string
	Token string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Endpoint is one remote MCP connection.
type Endpoint struct {
	cfg Config

	mu      sync.Mutex
	writeMu sync.Mutex
	dialMu  sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan rpcResponse
	defs    map[string]tools.Definition
	origin  map[string]string
	closed  bool
}

// Connect dials the endpoint, performs the MCP handshake and discovers the
// remote tool table. The dial is retried with the quick backoff table.
func Connect(ctx context.Context, cfg Config) (*Endpoint, error) {
	e := &Endpoint{
		cfg:     cfg,
		nextID:  1,
		pending: make(map[int64]chan rpcResponse),
		defs:    make(map[string]tools.Definition),
		origin:  make(map[string]string),
	}

	err := backoff.RetryWithCallback(ctx, backoff.Quick, func(ctx context.Context, attempt int) error {
		return e.dial(ctx)
	}, func(attempt int, err error, delay time.Duration) {
		slog.Warn("mcpwire: connect failed, retrying", "url", cfg.URL, "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("connect mcp endpoint: %w", err)
	}

	if err := e.handshake(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("mcp handshake: %w", err)
	}
	return e, nil
}

func (e *Endpoint) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := http.Header{}
	if e.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, e.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", e.cfg.URL, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	go e.readLoop(conn)
	slog.Info("mcpwire: connected", "url", e.cfg.URL)
	return nil
}

// ensureConnected re-dials and re-handshakes after the read loop dropped
// the connection. Tool calls recover transparently through their retry
// table instead of failing for the rest of the process lifetime.
func (e *Endpoint) ensureConnected(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	connected := e.conn != nil
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("endpoint closed")
	}
	if connected {
		return nil
	}

	e.dialMu.Lock()
	defer e.dialMu.Unlock()

	e.mu.Lock()
	connected = e.conn != nil
	e.mu.Unlock()
	if connected {
		return nil
	}

	if err := e.dial(ctx); err != nil {
		return err
	}
	if err := e.handshake(ctx); err != nil {
		e.mu.Lock()
		conn := e.conn
		e.conn = nil
		e.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("mcp handshake: %w", err)
	}
	slog.Info("mcpwire: reconnected", "url", e.cfg.URL)
	return nil
}

func (e *Endpoint) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			if e.conn == conn {
				e.conn = nil
			}
			// Fail all in-flight futures.
			for id, ch := range e.pending {
				ch <- rpcResponse{Error: &rpcError{Code: -1, Message: "connection lost"}}
				delete(e.pending, id)
			}
			e.mu.Unlock()

			if !closed {
				slog.Warn("mcpwire: connection lost", "url", e.cfg.URL, "error", err)
			}
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("mcpwire: invalid message", "error", err)
			continue
		}
		if resp.ID == nil {
			continue
		}

		e.mu.Lock()
		ch, ok := e.pending[*resp.ID]
		if ok {
			delete(e.pending, *resp.ID)
		}
		e.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (e *Endpoint) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "echowire",
			"version": "1.0",
		},
	}
	if _, err := e.request(ctx, "initialize", params); err != nil {
		return err
	}
	if err := e.write(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return err
	}

	result, err := e.request(ctx, "tools/list", map[string]any{})
	if err != nil {
		return err
	}

	var listResult struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &listResult); err != nil {
		return fmt.Errorf("parse tools list: %w", err)
	}

	e.mu.Lock()
	for _, t := range listResult.Tools {
		name := sanitize(t.Name)
		e.defs[name] = tools.Definition{
			Name:        name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
		e.origin[name] = t.Name
	}
	count := len(e.defs)
	e.mu.Unlock()

	slog.Info("mcpwire: tools discovered", "url", e.cfg.URL, "tool_count", count)
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func (e *Endpoint) GetTools(context.Context) (map[string]tools.Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defs := make(map[string]tools.Definition, len(e.defs))
	for name, def := range e.defs {
		defs[name] = def
	}
	return defs, nil
}

func (e *Endpoint) HasTool(_ context.Context, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.origin[name]
	return ok
}

// Execute calls the remote tool. The session's MAC rides along in the
// arguments so the remote service can address the device.
func (e *Endpoint) Execute(ctx context.Context, sess tools.Session, name string, args map[string]any) tools.ActionResponse {
	e.mu.Lock()
	remoteName, ok := e.origin[name]
	e.mu.Unlock()
	if !ok {
		return tools.NotFound(name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if sess != nil {
		args["mac_address"] = sess.DeviceMAC()
	}

	var result string
	err := backoff.Retry(ctx, backoff.ToolCall, func(ctx context.Context, attempt int) error {
		if err := e.ensureConnected(ctx); err != nil {
			return err
		}
		raw, err := e.request(ctx, "tools/call", map[string]any{
			"name":      remoteName,
			"arguments": args,
		})
		if err != nil {
			return err
		}

		var callResult struct {
			IsError bool `json:"isError"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if jsonErr := json.Unmarshal(raw, &callResult); jsonErr == nil && len(callResult.Content) == 1 && callResult.Content[0].Type == "text" {
			if callResult.IsError {
				return fmt.Errorf("tool error: %s", callResult.Content[0].Text)
			}
			result = callResult.Content[0].Text
			return nil
		}
		result = string(raw)
		return nil
	})
	if err != nil {
		slog.Error("mcpwire: tool call failed", "tool", remoteName, "error", err)
		return tools.Errorf(fmt.Sprintf("tool %s failed: %v", name, err))
	}

	return tools.ReqLLM(result)
}

func (e *Endpoint) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	e.mu.Lock()
	if e.conn == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("endpoint not connected")
	}
	id := e.nextID
	e.nextID++
	ch := make(chan rpcResponse, 1)
	e.pending[id] = ch
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}

	if err := e.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%s timed out after %s", method, requestTimeout)
	}
}

func (e *Endpoint) write(msg any) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("endpoint not connected")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
