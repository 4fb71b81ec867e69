package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message type tags as they appear on the wire.
const (
	TypeHello        = "hello"
	TypeListen       = "listen"
	TypeAbort        = "abort"
	TypeIoT          = "iot"
	TypeMCP          = "mcp"
	TypeTTS          = "tts"
	TypeSTT          = "stt"
	TypeEmotion      = "emotion"
	TypeNotification = "notification"
	TypeServer       = "server"
)

// Listen modes and states.
const (
	ListenModeAuto   = "auto"
	ListenModeManual = "manual"

	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// TTS states.
const (
	TTSStateStart         = "start"
	TTSStateStop          = "stop"
	TTSStateSentenceStart = "sentence_start"
	TTSStateSentenceEnd   = "sentence_end"
)

// Envelope is the minimal shape every JSON control message shares.
type Envelope struct {
	Type string `json:"type"`
}

// Kind returns the type tag of a raw control message.
func Kind(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode control envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("control envelope missing type")
	}
	return env.Type, nil
}

// AudioParams is the audio negotiation block of the hello handshake.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"` // milliseconds
}

// Hello negotiates features and audio parameters on connect.
type Hello struct {
	Type        string          `json:"type"`
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AudioParams *AudioParams    `json:"audio_params,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
}

// Listen controls manual-VAD sessions.
type Listen struct {
	Type  string `json:"type"`
	Mode  string `json:"mode,omitempty"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"` // wake word on detect
}

// Abort is the client barge-in signal.
type Abort struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// IoT carries device-IoT descriptor registration or state telemetry.
type IoT struct {
	Type        string            `json:"type"`
	Update      bool              `json:"update,omitempty"`
	Descriptors []json.RawMessage `json:"descriptors,omitempty"`
	States      []json.RawMessage `json:"states,omitempty"`
	Commands    []json.RawMessage `json:"commands,omitempty"`
}

// MCP wraps a JSON-RPC 2.0 envelope for device-MCP traffic.
type MCP struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TTS reports synthesis lifecycle to the device.
type TTS struct {
	Type       string `json:"type"`
	State      string `json:"state"`
	Text       string `json:"text,omitempty"`
	SentenceID string `json:"sentence_id,omitempty"`
}

// STT echoes the transcribed user speech.
type STT struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Emotion is an emoji hint derived from assistant text.
type Emotion struct {
	Type    string `json:"type"`
	Emotion string `json:"emotion"`
}

// Notification is a push payload. If UseLLM is set the content is spoken
// through the normal TTS path instead of displayed raw.
type Notification struct {
	Type    string `json:"type"`
	UseLLM  bool   `json:"useLLM"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Server carries administrative actions.
type Server struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

func NewTTS(state, text, sentenceID string) TTS {
	return TTS{Type: TypeTTS, State: state, Text: text, SentenceID: sentenceID}
}

func NewSTT(text string) STT {
	return STT{Type: TypeSTT, Text: text}
}

func NewEmotion(emotion string) Emotion {
	return Emotion{Type: TypeEmotion, Emotion: emotion}
}

func NewNotification(useLLM bool, title, content string) Notification {
	return Notification{Type: TypeNotification, UseLLM: useLLM, Title: title, Content: content}
}

func NewMCP(payload []byte) MCP {
	return MCP{Type: TypeMCP, Payload: payload}
}

// DecodeAs parses a raw control message into the given concrete type.
func DecodeAs[T any](data []byte) (*T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode control body to %T: %w", msg, err)
	}
	return &msg, nil
}
