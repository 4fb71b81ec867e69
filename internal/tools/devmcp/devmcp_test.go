package devmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwind/echowire/internal/tools"
)

// fakeDevice answers JSON-RPC requests the way a device-side MCP peer would.
type fakeDevice struct {
	exec  *Executor
	tools []map[string]any
	calls []string
}

func (d *fakeDevice) send(payload json.RawMessage) error {
	var req rpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if req.ID == 0 {
		// Notification; nothing to answer.
		return nil
	}

	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{"protocolVersion": protocolVersion}
	case "tools/list":
		result = map[string]any{"tools": d.tools}
	case "tools/call":
		params, _ := req.Params.(map[string]any)
		name, _ := params["name"].(string)
		d.calls = append(d.calls, name)
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": "self-test passed"}},
		}
	default:
		return fmt.Errorf("unexpected method %s", req.Method)
	}

	raw, _ := json.Marshal(result)
	resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(raw)})

	// Deliver asynchronously like the receive loop would.
	go d.exec.HandleMessage(resp)
	return nil
}

func newFakeDevice(toolNames ...string) *fakeDevice {
	d := &fakeDevice{}
	for _, n := range toolNames {
		d.tools = append(d.tools, map[string]any{
			"name":        n,
			"description": "device tool " + n,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	return d
}

func TestInitializeDiscoversTools(t *testing.T) {
	device := newFakeDevice("self.audio_speaker.set_volume", "ring-bell")
	exec := New(device.send)
	device.exec = exec

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Initialize(ctx))

	defs, err := exec.GetTools(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	// Sanitized names are advertised; dots and dashes become underscores.
	assert.Contains(t, defs, "self_audio_speaker_set_volume")
	assert.Contains(t, defs, "ring_bell")
	assert.True(t, exec.HasTool(ctx, "ring_bell"))
}

func TestExecuteUsesOriginalWireName(t *testing.T) {
	device := newFakeDevice("self.audio_speaker.set_volume")
	exec := New(device.send)
	device.exec = exec

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Initialize(ctx))

	got := exec.Execute(ctx, nil, "self_audio_speaker_set_volume", map[string]any{"volume": 50})
	assert.Equal(t, tools.ActionReqLLM, got.Kind)
	assert.Equal(t, "self-test passed", got.Text)

	require.Len(t, device.calls, 1)
	assert.Equal(t, "self.audio_speaker.set_volume", device.calls[0])
}

func TestExecuteUnknownTool(t *testing.T) {
	exec := New(func(json.RawMessage) error { return nil })
	got := exec.Execute(context.Background(), nil, "missing", nil)
	assert.Equal(t, tools.ActionNotFound, got.Kind)
}

func TestMonotonicIDsAndUnknownResponse(t *testing.T) {
	device := newFakeDevice()
	exec := New(device.send)
	device.exec = exec

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Initialize(ctx))

	// A stray response for an ID nobody waits on must not block or panic.
	stray, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 999, "result": map[string]any{}})
	exec.HandleMessage(stray)
}
