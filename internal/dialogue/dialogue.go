// Package dialogue holds the rolling message log of a session and builds
// the view handed to the language model.
package dialogue

import (
	"strings"
	"sync"

	"github.com/softwind/echowire/internal/providers"
)

// Retention levels of the agent binding's chat-history setting.
const (
	RetentionOff   = 0
	RetentionText  = 1
	RetentionAudio = 2 // text plus reference audio bytes
)

// Role tags the message variants. Insertion order is significant; a single
// System message exists and is replaced, never appended.
type Role string

const (
	RoleSystem       Role = "system"
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleToolCall     Role = "tool_call"
	RoleToolResponse Role = "tool"
)

type Message struct {
	Role    Role
	Content string

	// ToolCall fields.
	ToolCallID string
	ToolName   string
	ToolArgs   string

	// Reference audio of the user's utterance, kept only at RetentionAudio.
	Audio []byte
}

// Dialogue is safe for concurrent use; the receive loop and the LLM worker
// both touch it.
type Dialogue struct {
	mu        sync.Mutex
	system    string
	messages  []Message
	retention int
}

func New(retention int) *Dialogue {
	return &Dialogue{retention: retention}
}

// SetSystemPrompt installs or replaces the single System message.
func (d *Dialogue) SetSystemPrompt(prompt string) {
	d.mu.Lock()
	d.system = prompt
	d.mu.Unlock()
}

func (d *Dialogue) SystemPrompt() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.system
}

func (d *Dialogue) AddUser(text string, audio []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.retention == RetentionOff {
		// Keep only the current turn: drop everything before this message.
		d.messages = d.messages[:0]
	}
	msg := Message{Role: RoleUser, Content: text}
	if d.retention == RetentionAudio {
		msg.Audio = audio
	}
	d.messages = append(d.messages, msg)
}

func (d *Dialogue) AddAssistant(text string) {
	d.mu.Lock()
	d.messages = append(d.messages, Message{Role: RoleAssistant, Content: text})
	d.mu.Unlock()
}

func (d *Dialogue) AddToolCall(id, name, args string) {
	d.mu.Lock()
	d.messages = append(d.messages, Message{
		Role:       RoleToolCall,
		ToolCallID: id,
		ToolName:   name,
		ToolArgs:   args,
	})
	d.mu.Unlock()
}

func (d *Dialogue) AddToolResponse(toolCallID, name, content string) {
	d.mu.Lock()
	d.messages = append(d.messages, Message{
		Role:       RoleToolResponse,
		ToolCallID: toolCallID,
		ToolName:   name,
		Content:    content,
	})
	d.mu.Unlock()
}

// Messages returns a copy of the trail, excluding the system prompt.
func (d *Dialogue) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// Len reports the number of trail messages.
func (d *Dialogue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// LastUserText returns the content of the most recent user message.
func (d *Dialogue) LastUserText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.messages) - 1; i >= 0; i-- {
		if d.messages[i].Role == RoleUser {
			return d.messages[i].Content
		}
	}
	return ""
}

// LLMView builds the message sequence for the model: system prompt first
// (with retrieved memory context folded in when present), then the trail in
// insertion order with tool calls in OpenAI shape.
func (d *Dialogue) LLMView(memoryContext string) []providers.ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]providers.ChatMessage, 0, len(d.messages)+1)

	system := d.system
	if memoryContext != "" {
		var sb strings.Builder
		sb.WriteString(system)
		if system != "" {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Relevant memory about this user:\n")
		sb.WriteString(memoryContext)
		system = sb.String()
	}
	if system != "" {
		out = append(out, providers.ChatMessage{Role: "system", Content: system})
	}

	for _, m := range d.messages {
		switch m.Role {
		case RoleUser:
			out = append(out, providers.ChatMessage{Role: "user", Content: m.Content})
		case RoleAssistant:
			out = append(out, providers.ChatMessage{Role: "assistant", Content: m.Content})
		case RoleToolCall:
			out = append(out, providers.ChatMessage{
				Role: "assistant",
				ToolCalls: []providers.ToolCall{{
					ID:   m.ToolCallID,
					Type: "function",
					Function: providers.FunctionCall{
						Name:      m.ToolName,
						Arguments: m.ToolArgs,
					},
				}},
			})
		case RoleToolResponse:
			out = append(out, providers.ChatMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.ToolName,
			})
		}
	}

	return out
}
