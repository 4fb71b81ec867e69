package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// NopMemory discards dialogue and returns no recall context. Used when the
// agent's retention level disables history.
type NopMemory struct{}

func (NopMemory) SaveDialogue(context.Context, DialogueTurn) error { return nil }
func (NopMemory) QueryContext(context.Context, string, string) (string, error) {
	return "", nil
}

// NopIntent passes every transcript straight to the chat flow.
type NopIntent struct{}

func (NopIntent) Classify(context.Context, string) (string, error) {
	return "continue_chat", nil
}

// NopVoiceprint reports every speaker as unknown.
type NopVoiceprint struct{}

func (NopVoiceprint) Identify(context.Context, []byte) (string, error) {
	return "", nil
}

// LLMMemory keeps a rolling per-device summary maintained by the LLM.
// SaveDialogue queues the turn and returns immediately; a background
// worker folds queued turns into the summary.
type LLMMemory struct {
	llm LLM

	mu        sync.Mutex
	summaries map[string]string // device MAC -> rolling summary
	queue     chan DialogueTurn
	done      chan struct{}
	closeOnce sync.Once
}

func NewLLMMemory(llm LLM) *LLMMemory {
	m := &LLMMemory{
		llm:       llm,
		summaries: make(map[string]string),
		queue:     make(chan DialogueTurn, 64),
		done:      make(chan struct{}),
	}
	go m.worker()
	return m
}

func (m *LLMMemory) SaveDialogue(_ context.Context, turn DialogueTurn) error {
	select {
	case m.queue <- turn:
		return nil
	default:
		// Memory is best-effort; never stall the pipeline on a full queue.
		slog.Warn("memory: queue full, dropping dialogue turn", "device", turn.DeviceMAC)
		return nil
	}
}

func (m *LLMMemory) QueryContext(_ context.Context, deviceMAC, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaries[deviceMAC], nil
}

func (m *LLMMemory) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *LLMMemory) worker() {
	for {
		select {
		case <-m.done:
			return
		case turn := <-m.queue:
			m.fold(turn)
		}
	}
}

func (m *LLMMemory) fold(turn DialogueTurn) {
	m.mu.Lock()
	prev := m.summaries[turn.DeviceMAC]
	m.mu.Unlock()

	var sb strings.Builder
	if prev != "" {
		fmt.Fprintf(&sb, "Existing memory:\n%s\n\n", prev)
	}
	fmt.Fprintf(&sb, "New exchange:\nUser: %s\nAssistant: %s", turn.UserText, turn.AssistantText)

	summary, err := m.llm.Chat(context.Background(), []ChatMessage{
		{Role: "system", Content: "Summarize what is worth remembering about this user for future conversations. Keep it under 200 words. Output only the updated memory."},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		slog.Warn("memory: summarization failed", "device", turn.DeviceMAC, "error", err)
		return
	}

	m.mu.Lock()
	m.summaries[turn.DeviceMAC] = strings.TrimSpace(summary)
	m.mu.Unlock()
}
