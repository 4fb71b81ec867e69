// Package tools routes LLM function calls to their executing backend:
// server plugins, out-of-process MCP servers, device-side MCP, the device
// IoT command plane, and remote MCP endpoints.
package tools

import (
	"context"
	"strings"

	"github.com/softwind/echowire/internal/providers"
)

// Backend tags tell the dispatcher which executor owns a tool name.
type Backend int

const (
	BackendServerPlugin Backend = iota
	BackendServerMCP
	BackendDeviceMCP
	BackendDeviceIoT
	BackendMCPEndpoint
)

func (b Backend) String() string {
	switch b {
	case BackendServerPlugin:
		return "server_plugin"
	case BackendServerMCP:
		return "server_mcp"
	case BackendDeviceMCP:
		return "device_mcp"
	case BackendDeviceIoT:
		return "device_iot"
	case BackendMCPEndpoint:
		return "mcp_endpoint"
	default:
		return "unknown"
	}
}

// Session is the handle tools receive to inspect or modify the session that
// invoked them. internal/session implements it; keeping the interface here
// avoids a package cycle.
type Session interface {
	ID() string
	DeviceMAC() string
	DeviceUUID() string
	// SendJSON writes a control envelope to the device.
	SendJSON(v any) error
	// SetSystemPrompt replaces the dialogue's system message.
	SetSystemPrompt(prompt string)
}

// Definition describes one callable tool in LLM function shape.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Spec converts the definition to the wire shape advertised to the LLM.
func (d Definition) Spec() providers.ToolSpec {
	return providers.ToolSpec{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		},
	}
}

// Executor is one tool backend.
type Executor interface {
	// GetTools returns the backend's current tool table keyed by name.
	GetTools(ctx context.Context) (map[string]Definition, error)
	HasTool(ctx context.Context, name string) bool
	Execute(ctx context.Context, sess Session, name string, args map[string]any) ActionResponse
}

// ServerSelector is implemented by multi-server backends whose tool table
// can be narrowed to an agent binding's server selection.
type ServerSelector interface {
	ServerNames() []string
	ForServers(names []string) Executor
}

// ActionKind tags the ActionResponse variants.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionRespond
	ActionReqLLM
	ActionError
	ActionNotFound
)

// ActionResponse is the outcome of one tool execution.
type ActionResponse struct {
	Kind ActionKind
	Text string
}

func None() ActionResponse                { return ActionResponse{Kind: ActionNone} }
func Respond(text string) ActionResponse  { return ActionResponse{Kind: ActionRespond, Text: text} }
func ReqLLM(text string) ActionResponse   { return ActionResponse{Kind: ActionReqLLM, Text: text} }
func Errorf(text string) ActionResponse   { return ActionResponse{Kind: ActionError, Text: text} }
func NotFound(name string) ActionResponse { return ActionResponse{Kind: ActionNotFound, Text: "tool not found: " + name} }

// Combine folds the results of several calls from one LLM turn: any ERROR
// wins, otherwise response texts concatenate, and any REQLLM upgrades the
// combined action to REQLLM.
func Combine(results []ActionResponse) ActionResponse {
	if len(results) == 0 {
		return None()
	}
	if len(results) == 1 {
		return results[0]
	}

	var texts []string
	kind := ActionNone
	for _, r := range results {
		if r.Kind == ActionError {
			return r
		}
		if r.Text != "" {
			texts = append(texts, r.Text)
		}
		switch r.Kind {
		case ActionReqLLM:
			kind = ActionReqLLM
		case ActionRespond, ActionNotFound:
			if kind != ActionReqLLM {
				kind = ActionRespond
			}
		}
	}
	return ActionResponse{Kind: kind, Text: strings.Join(texts, "\n")}
}
