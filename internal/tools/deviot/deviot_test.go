package deviot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwind/echowire/internal/tools"
)

func lampDescriptor() json.RawMessage {
	return json.RawMessage(`{
		"name": "Lamp",
		"description": "A desk lamp",
		"properties": {
			"power": {"description": "Whether the lamp is on", "type": "boolean"}
		},
		"methods": {
			"TurnOn": {"description": "Turn the lamp on", "parameters": {}},
			"SetBrightness": {
				"description": "Set brightness",
				"parameters": {
					"level": {"description": "0-100", "type": "number"}
				}
			}
		}
	}`)
}

func TestRegisterDescriptorsSynthesizesTools(t *testing.T) {
	invalidated := false
	exec := New(func([]Command) error { return nil }, func() { invalidated = true })

	require.NoError(t, exec.RegisterDescriptors([]json.RawMessage{lampDescriptor()}))
	assert.True(t, invalidated)

	defs, err := exec.GetTools(context.Background())
	require.NoError(t, err)
	assert.Contains(t, defs, "get_lamp_power")
	assert.Contains(t, defs, "lamp_turnon")
	assert.Contains(t, defs, "lamp_setbrightness")
}

func TestMethodToolSendsCommand(t *testing.T) {
	var sent []Command
	exec := New(func(cmds []Command) error {
		sent = append(sent, cmds...)
		return nil
	}, nil)
	require.NoError(t, exec.RegisterDescriptors([]json.RawMessage{lampDescriptor()}))

	got := exec.Execute(context.Background(), nil, "lamp_setbrightness", map[string]any{"level": 70})
	assert.Equal(t, tools.ActionReqLLM, got.Kind)

	require.Len(t, sent, 1)
	assert.Equal(t, "Lamp", sent[0].Name)
	assert.Equal(t, "SetBrightness", sent[0].Method)
	assert.Equal(t, 70, sent[0].Parameters["level"])
}

func TestPropertyToolReadsLatestState(t *testing.T) {
	exec := New(func([]Command) error { return nil }, nil)
	require.NoError(t, exec.RegisterDescriptors([]json.RawMessage{lampDescriptor()}))

	// No telemetry yet.
	got := exec.Execute(context.Background(), nil, "get_lamp_power", nil)
	assert.Equal(t, tools.ActionReqLLM, got.Kind)
	assert.Contains(t, got.Text, "no recent state")

	exec.UpdateStates([]json.RawMessage{
		json.RawMessage(`{"name":"Lamp","state":{"power":true}}`),
	})

	got = exec.Execute(context.Background(), nil, "get_lamp_power", nil)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.Text), &payload))
	assert.Equal(t, true, payload["value"])
}

func TestInvalidDescriptorRejected(t *testing.T) {
	exec := New(func([]Command) error { return nil }, nil)
	err := exec.RegisterDescriptors([]json.RawMessage{json.RawMessage(`{"description":"nameless"}`)})
	assert.Error(t, err)
}
