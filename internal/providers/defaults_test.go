package providers

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLLM struct{ reply string }

func (s *stubLLM) Chat(context.Context, []ChatMessage) (string, error) {
	return s.reply, nil
}

func (s *stubLLM) ChatStream(context.Context, []ChatMessage, []ToolSpec) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Content: s.reply}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func TestLLMMemoryFoldsTurnsIntoSummary(t *testing.T) {
	m := NewLLMMemory(&stubLLM{reply: "Prefers tea over coffee."})
	defer m.Close()

	require.NoError(t, m.SaveDialogue(context.Background(), DialogueTurn{
		DeviceMAC:     "AA:BB:CC:DD:EE:FF",
		UserText:      "I only drink tea",
		AssistantText: "Noted, tea it is.",
	}))

	assert.Eventually(t, func() bool {
		got, err := m.QueryContext(context.Background(), "AA:BB:CC:DD:EE:FF", "")
		return err == nil && got == "Prefers tea over coffee."
	}, 2*time.Second, 10*time.Millisecond)

	// Other devices never see this summary.
	got, err := m.QueryContext(context.Background(), "11:22:33:44:55:66", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLLMMemoryCloseStopsWorker(t *testing.T) {
	before := runtime.NumGoroutine()

	m := NewLLMMemory(&stubLLM{reply: "summary"})
	require.Eventually(t, func() bool { return runtime.NumGoroutine() > before },
		time.Second, 10*time.Millisecond, "worker never started")

	m.Close()
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		2*time.Second, 10*time.Millisecond, "worker still running after close")
}

func TestLLMMemoryCloseIsIdempotent(t *testing.T) {
	m := NewLLMMemory(&stubLLM{})
	m.Close()
	m.Close()
}
