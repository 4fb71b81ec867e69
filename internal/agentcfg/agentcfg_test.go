package agentcfg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingValidate(t *testing.T) {
	system := map[string]bool{"create_reminder": true}

	ok := &Binding{ID: "a1", ChatHistory: 1, MCPMode: MCPAll,
		ToolRefs: []string{"create_reminder", uuid.NewString()}}
	assert.NoError(t, ok.Validate(system))

	badRef := &Binding{ID: "a2", ToolRefs: []string{"not-a-tool"}}
	assert.Error(t, badRef.Validate(system))

	badHistory := &Binding{ID: "a3", ChatHistory: 3}
	assert.Error(t, badHistory.Validate(system))

	badMode := &Binding{ID: "a4", MCPMode: "some"}
	assert.Error(t, badMode.Validate(system))

	selectedEmpty := &Binding{ID: "a5", MCPMode: MCPSelected}
	assert.Error(t, selectedEmpty.Validate(system))
}

func TestSelectedServers(t *testing.T) {
	all := []string{"web", "garden", "files"}

	b := &Binding{MCPMode: MCPAll}
	assert.Equal(t, all, b.SelectedServers(all))

	b = &Binding{MCPMode: MCPSelected, MCPServers: []string{"garden"}}
	assert.Equal(t, []string{"garden"}, b.SelectedServers(all))
}

func TestStaticResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "default",
		"prompt_template": "You are a helpful assistant.",
		"chat_history": 1,
		"tool_refs": ["create_reminder"],
		"tts_voice": "af_bella"
	}`), 0o644))

	r, err := NewStaticResolver(path)
	require.NoError(t, err)

	b, err := r.Resolve(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "static", b.ID)
	assert.Equal(t, MCPAll, b.MCPMode)
	assert.Equal(t, 1, b.ChatHistory)

	// Each resolve hands out an independent copy.
	b.PromptTemplate = "mutated"
	b2, err := r.Resolve(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "You are a helpful assistant.", b2.PromptTemplate)
}
