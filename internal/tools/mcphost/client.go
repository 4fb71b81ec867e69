// Package mcphost runs out-of-process MCP servers over stdio and exposes
// their tools as one dispatcher backend.
package mcphost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/softwind/echowire/pkg/otel"
)

const protocolVersion = "2024-11-05"

// toolInfo is a tool as reported by tools/list.
type toolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// client is a stdio JSON-RPC client for one MCP server process.
type client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	tools  []toolInfo
	nextID int
	mu     sync.Mutex
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"` // pointer: notifications carry no id
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newClient(command string, args, env []string) (*client, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	c := &client{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		nextID: 1,
	}

	if err := c.initialize(); err != nil {
		c.close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := c.listTools(); err != nil {
		c.close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return c, nil
}

func (c *client) initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "echowire",
			"version": "1.0",
		},
	}
	if _, err := c.request("initialize", params); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	// Notification: no id, no response expected.
	return c.send(rpcRequest{JSONRPC: "2.0", Method: "initialized"})
}

func (c *client) listTools() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.request("tools/list", map[string]any{})
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

	c.tools = make([]toolInfo, len(listResult.Tools))
	for i, t := range listResult.Tools {
		c.tools[i] = toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return nil
}

// call invokes one tool and flattens single-text results to a string.
func (c *client) call(ctx context.Context, toolName string, args map[string]any) (string, error) {
	ctx, span := otel.Tracer("echowire").Start(ctx, "mcp.call_tool",
		trace.WithAttributes(attribute.String("mcp.tool_name", toolName)))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	params := map[string]any{
		"name":      toolName,
		"arguments": args,
		"_meta":     otel.InjectMCPMeta(ctx),
	}

	result, err := c.request("tools/call", params)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	var callResult struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &callResult); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("parse call result: %w", err)
	}

	if len(callResult.Content) == 1 && callResult.Content[0].Type == "text" {
		text := callResult.Content[0].Text
		if callResult.IsError {
			return "", fmt.Errorf("tool error: %s", text)
		}
		span.SetAttributes(attribute.Int("mcp.result_length", len(text)))
		return text, nil
	}

	if callResult.IsError {
		return "", fmt.Errorf("tool error: %s", string(result))
	}
	return string(result), nil
}

func (c *client) close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}

// request sends a JSON-RPC request and waits for its response.
// Caller must hold the mutex.
func (c *client) request(method string, params any) (json.RawMessage, error) {
	id := c.nextID
	c.nextID++

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.send(req); err != nil {
		return nil, err
	}
	return c.receive(id)
}

func (c *client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *client) receive(expectedID int) (json.RawMessage, error) {
	for {
		line, err := c.stdout.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("mcp: invalid response", "raw", string(line))
			continue
		}
		if resp.ID == nil {
			// Notification; not ours.
			continue
		}
		if *resp.ID != expectedID {
			slog.Warn("mcp: unexpected response id", "got", *resp.ID, "expected", expectedID)
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}
