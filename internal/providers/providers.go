// Package providers defines the adapter interfaces the session pipeline is
// built against. Concrete adapters live in subpackages; the pipeline never
// imports them directly.
package providers

import "context"

// VAD gates audio frames on voice activity. Implementations keep internal
// state across frames; Reset clears it between utterances.
type VAD interface {
	// IsVoice reports whether the given PCM frame (float32 samples, mono,
	// 16 kHz) contains speech.
	IsVoice(ctx context.Context, frame []float32) (bool, error)
	Reset() error
	Close() error
}

// ASR converts buffered utterance audio into text.
type ASR interface {
	// Transcribe sends a complete utterance (16-bit LE PCM) and returns
	// the transcript. An empty transcript is not an error.
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// StreamChunk is one normalized event from a streaming LLM response.
// Exactly one of Content, Reasoning, ToolCall is meaningful per chunk;
// Done closes the stream, Error aborts it.
type StreamChunk struct {
	Content      string
	Reasoning    string
	ToolCall     *ToolCall
	FinishReason string
	Error        error
	Done         bool
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ToolSpec is a function definition advertised to the model.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatMessage is one entry of the model conversation in OpenAI chat format.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// LLM streams chat completions. The returned channel is closed after a
// chunk with Done or Error.
type LLM interface {
	ChatStream(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (<-chan StreamChunk, error)
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
}

// TTS synthesizes one sentence into Opus frames sized for the device's
// negotiated frame duration.
type TTS interface {
	Synthesize(ctx context.Context, text string) ([][]byte, error)
}

// DialogueTurn is one finished user/assistant exchange handed to Memory.
type DialogueTurn struct {
	SessionID     string
	DeviceMAC     string
	UserText      string
	AssistantText string
	// UserAudio holds the reference Opus bytes of the user's utterance
	// when the agent's retention level asks for audio alongside text.
	UserAudio []byte
}

// Memory persists dialogue history and serves recall context.
type Memory interface {
	// SaveDialogue must not block the pipeline; implementations queue
	// internally and flush in the background.
	SaveDialogue(ctx context.Context, turn DialogueTurn) error
	// QueryContext returns memory text to interleave into the LLM view,
	// or "" when nothing relevant exists.
	QueryContext(ctx context.Context, deviceMAC, query string) (string, error)
}

// Intent classifies a transcript before the main LLM round-trip.
type Intent interface {
	Classify(ctx context.Context, transcript string) (string, error)
}

// Voiceprint identifies the speaker of an utterance.
type Voiceprint interface {
	Identify(ctx context.Context, pcm []byte) (string, error)
}
