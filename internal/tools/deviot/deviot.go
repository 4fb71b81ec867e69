// Package deviot exposes the device's IoT command plane as tools. The
// device publishes descriptors at start-up; each descriptor property
// becomes a `get_<device>_<property>` tool and each method a
// `<device>_<method>` tool. Commands and state telemetry travel the same
// WebSocket inside `iot` envelopes.
package deviot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/softwind/echowire/internal/tools"
)

// Descriptor is one device-published IoT object.
type Descriptor struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Properties  map[string]Property   `json:"properties"`
	Methods     map[string]MethodSpec `json:"methods"`
}

type Property struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

type MethodSpec struct {
	Description string               `json:"description"`
	Parameters  map[string]Parameter `json:"parameters"`
}

type Parameter struct {
	Description string `json:"description"`
	Type        string `json:"type"`
}

// Command is one outbound IoT invocation.
type Command struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SendFunc writes an `iot` envelope carrying commands to the device.
type SendFunc func(commands []Command) error

// Invalidator is notified when the tool table changes so the registry can
// drop its cached union.
type Invalidator func()

type binding struct {
	def    tools.Definition
	device string
	// exactly one of property / method is set
	property string
	method   string
}

// Executor synthesizes and serves the IoT tools of one session.
type Executor struct {
	send       SendFunc
	invalidate Invalidator

	mu     sync.Mutex
	table  map[string]binding
	states map[string]map[string]any // device name -> last published state
}

func New(send SendFunc, invalidate Invalidator) *Executor {
	return &Executor{
		send:       send,
		invalidate: invalidate,
		table:      make(map[string]binding),
		states:     make(map[string]map[string]any),
	}
}

// RegisterDescriptors ingests device descriptors and synthesizes their
// tool table.
func (e *Executor) RegisterDescriptors(raw []json.RawMessage) error {
	var descriptors []Descriptor
	for _, r := range raw {
		var d Descriptor
		if err := json.Unmarshal(r, &d); err != nil {
			return fmt.Errorf("parse iot descriptor: %w", err)
		}
		if d.Name == "" {
			return fmt.Errorf("iot descriptor without name")
		}
		descriptors = append(descriptors, d)
	}

	e.mu.Lock()
	for _, d := range descriptors {
		device := sanitize(d.Name)

		for prop, spec := range d.Properties {
			name := "get_" + device + "_" + sanitize(prop)
			e.table[name] = binding{
				device:   d.Name,
				property: prop,
				def: tools.Definition{
					Name:        name,
					Description: fmt.Sprintf("Read %s of %s. %s", prop, d.Name, spec.Description),
					Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
				},
			}
		}

		for method, spec := range d.Methods {
			name := device + "_" + sanitize(method)
			props := make(map[string]any, len(spec.Parameters))
			var required []string
			for pname, p := range spec.Parameters {
				props[pname] = map[string]any{"type": p.Type, "description": p.Description}
				required = append(required, pname)
			}
			e.table[name] = binding{
				device: d.Name,
				method: method,
				def: tools.Definition{
					Name:        name,
					Description: fmt.Sprintf("%s (%s)", spec.Description, d.Name),
					Parameters: map[string]any{
						"type":       "object",
						"properties": props,
						"required":   required,
					},
				},
			}
		}
	}
	count := len(e.table)
	e.mu.Unlock()

	slog.Info("deviot: descriptors registered", "devices", len(descriptors), "tools", count)
	if e.invalidate != nil {
		e.invalidate()
	}
	return nil
}

// UpdateStates ingests `iot` state telemetry: `[{name, state: {...}}]`.
func (e *Executor) UpdateStates(raw []json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range raw {
		var s struct {
			Name  string         `json:"name"`
			State map[string]any `json:"state"`
		}
		if err := json.Unmarshal(r, &s); err != nil || s.Name == "" {
			slog.Warn("deviot: invalid state payload", "raw", string(r))
			continue
		}
		e.states[s.Name] = s.State
	}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}

func (e *Executor) GetTools(context.Context) (map[string]tools.Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defs := make(map[string]tools.Definition, len(e.table))
	for name, b := range e.table {
		defs[name] = b.def
	}
	return defs, nil
}

func (e *Executor) HasTool(_ context.Context, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.table[name]
	return ok
}

func (e *Executor) Execute(_ context.Context, _ tools.Session, name string, args map[string]any) tools.ActionResponse {
	e.mu.Lock()
	b, ok := e.table[name]
	if !ok {
		e.mu.Unlock()
		return tools.NotFound(name)
	}

	if b.property != "" {
		state := e.states[b.device]
		e.mu.Unlock()

		value, have := state[b.property]
		if !have {
			return tools.ReqLLM(fmt.Sprintf(`{"message":"no recent state for %s.%s"}`, b.device, b.property))
		}
		payload, _ := json.Marshal(map[string]any{
			"device":   b.device,
			"property": b.property,
			"value":    value,
		})
		return tools.ReqLLM(string(payload))
	}
	e.mu.Unlock()

	cmd := Command{Name: b.device, Method: b.method, Parameters: args}
	if err := e.send([]Command{cmd}); err != nil {
		slog.Error("deviot: command send failed", "device", b.device, "method", b.method, "error", err)
		return tools.Errorf(fmt.Sprintf("could not reach %s", b.device))
	}

	slog.Info("deviot: command sent", "device", b.device, "method", b.method)
	return tools.ReqLLM(fmt.Sprintf(`{"message":"%s.%s executed"}`, b.device, b.method))
}
