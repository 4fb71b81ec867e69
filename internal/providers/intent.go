package providers

import (
	"context"
	"fmt"
	"strings"
)

// Known intent labels returned by Classify.
const (
	IntentContinueChat = "continue_chat"
	IntentEndChat      = "end_chat"
)

// LLMIntent classifies transcripts with a small single-shot prompt.
type LLMIntent struct {
	llm LLM
}

func NewLLMIntent(llm LLM) *LLMIntent {
	return &LLMIntent{llm: llm}
}

func (i *LLMIntent) Classify(ctx context.Context, transcript string) (string, error) {
	out, err := i.llm.Chat(ctx, []ChatMessage{
		{Role: "system", Content: "Classify the user's utterance into exactly one label: continue_chat, end_chat. Output only the label."},
		{Role: "user", Content: transcript},
	})
	if err != nil {
		return "", fmt.Errorf("classify intent: %w", err)
	}

	label := strings.TrimSpace(strings.ToLower(out))
	switch label {
	case IntentContinueChat, IntentEndChat:
		return label, nil
	default:
		return IntentContinueChat, nil
	}
}
