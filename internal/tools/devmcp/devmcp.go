// Package devmcp speaks MCP to the device itself, tunneled as JSON-RPC
// payloads inside `mcp` control envelopes on the session's WebSocket.
package devmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/softwind/echowire/internal/tools"
)

const (
	protocolVersion = "2024-11-05"
	requestTimeout  = 30 * time.Second
)

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

// SendFunc writes one JSON-RPC payload to the device wrapped in an `mcp`
// envelope. The session provides it.
type SendFunc func(payload json.RawMessage) error

// Executor is the device-MCP backend of one session. Message IDs are
// monotonic; each in-flight request owns a response future keyed by ID.
// Tool names are sanitized for the LLM and a reverse map preserves the
// device's original names for wire calls.
type Executor struct {
	send SendFunc

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse
	defs    map[string]tools.Definition
	origin  map[string]string // sanitized -> device name
	ready   bool
}

func New(send SendFunc) *Executor {
	return &Executor{
		send:    send,
		nextID:  1,
		pending: make(map[int64]chan rpcResponse),
		defs:    make(map[string]tools.Definition),
		origin:  make(map[string]string),
	}
}

// HandleMessage routes one inbound `mcp` payload from the receive loop to
// the future waiting on its ID. Notifications are ignored.
func (e *Executor) HandleMessage(payload json.RawMessage) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		slog.Warn("devmcp: invalid payload", "error", err)
		return
	}
	if resp.ID == nil {
		return
	}

	e.mu.Lock()
	ch, ok := e.pending[*resp.ID]
	if ok {
		delete(e.pending, *resp.ID)
	}
	e.mu.Unlock()

	if !ok {
		slog.Warn("devmcp: response for unknown id", "id", *resp.ID)
		return
	}
	ch <- resp
}

// Initialize runs the initialize / initialized / tools/list handshake.
// The session calls it after a hello with features.mcp = true.
func (e *Executor) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "echowire",
			"version": "1.0",
		},
	}
	if _, err := e.request(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := e.notify("notifications/initialized"); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	if err := e.refreshTools(ctx); err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	e.mu.Lock()
	e.ready = true
	count := len(e.defs)
	e.mu.Unlock()

	slog.Info("devmcp: device tools discovered", "tool_count", count)
	return nil
}

func (e *Executor) refreshTools(ctx context.Context) error {
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
	defer e.mu.Unlock()

	e.defs = make(map[string]tools.Definition, len(listResult.Tools))
	e.origin = make(map[string]string, len(listResult.Tools))
	for _, t := range listResult.Tools {
		name := sanitize(t.Name)
		e.defs[name] = tools.Definition{
			Name:        name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
		e.origin[name] = t.Name
	}
	return nil
}

// sanitize replaces non-alphanumeric runes with underscores.
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

func (e *Executor) GetTools(context.Context) (map[string]tools.Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defs := make(map[string]tools.Definition, len(e.defs))
	for name, def := range e.defs {
		defs[name] = def
	}
	return defs, nil
}

func (e *Executor) HasTool(_ context.Context, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.origin[name]
	return ok
}

func (e *Executor) Execute(ctx context.Context, _ tools.Session, name string, args map[string]any) tools.ActionResponse {
	e.mu.Lock()
	deviceName, ok := e.origin[name]
	ready := e.ready
	e.mu.Unlock()

	if !ok {
		return tools.NotFound(name)
	}
	if !ready {
		return tools.Errorf("device tools are not ready yet")
	}

	result, err := e.request(ctx, "tools/call", map[string]any{
		"name":      deviceName,
		"arguments": args,
	})
	if err != nil {
		slog.Error("devmcp: tool call failed", "tool", deviceName, "error", err)
		return tools.Errorf(fmt.Sprintf("device tool %s failed: %v", name, err))
	}

	var callResult struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &callResult); err == nil && len(callResult.Content) == 1 && callResult.Content[0].Type == "text" {
		if callResult.IsError {
			return tools.Errorf(callResult.Content[0].Text)
		}
		return tools.ReqLLM(callResult.Content[0].Text)
	}
	return tools.ReqLLM(string(result))
}

// request sends one JSON-RPC request and waits for the matching response.
func (e *Executor) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	e.mu.Lock()
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

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("marshal: %w", err)
	}
	if err := e.send(payload); err != nil {
		cleanup()
		return nil, fmt.Errorf("send: %w", err)
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

func (e *Executor) notify(method string) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return e.send(payload)
}
