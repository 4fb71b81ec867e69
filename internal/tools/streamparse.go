package tools

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/shared/id"
)

// Inline tool call markers some models emit inside prose instead of the
// structured tool_calls field.
const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

// EventKind tags the normalized stream events.
type EventKind int

const (
	EventText EventKind = iota
	EventToolCall
	EventDone
	EventError
)

// Event is one normalized item of an LLM output stream. Structured
// tool_calls chunks and inline <tool_call>{…}</tool_call> JSON both become
// EventToolCall; consumers never see the difference.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *providers.ToolCall
	Err      error
}

// StreamParser folds raw provider chunks into normalized events. It holds
// back text that could be the start of an inline marker, so markers split
// across chunk boundaries are still recognized.
type StreamParser struct {
	pending strings.Builder // text not yet emitted
	inTag   bool
	tagBody strings.Builder
	done    bool
}

func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes one provider chunk and returns the events it completes.
func (p *StreamParser) Feed(chunk providers.StreamChunk) []Event {
	if p.done {
		return nil
	}

	var events []Event

	if chunk.Error != nil {
		p.done = true
		return append(events, Event{Kind: EventError, Err: chunk.Error})
	}

	if chunk.ToolCall != nil {
		// Structured path: flush pending prose first so dialogue order
		// matches the stream order.
		events = append(events, p.flushText()...)
		events = append(events, Event{Kind: EventToolCall, ToolCall: chunk.ToolCall})
	}

	if chunk.Content != "" {
		events = append(events, p.consumeText(chunk.Content)...)
	}

	if chunk.Done {
		p.done = true
		events = append(events, p.flushText()...)
		events = append(events, Event{Kind: EventDone})
	}

	return events
}

func (p *StreamParser) consumeText(text string) []Event {
	var events []Event
	p.pending.WriteString(text)

	for {
		buf := p.pending.String()

		if p.inTag {
			idx := strings.Index(buf, closeTag)
			if idx < 0 {
				// Keep accumulating the JSON body.
				return events
			}
			p.tagBody.WriteString(buf[:idx])
			p.pending.Reset()
			p.pending.WriteString(buf[idx+len(closeTag):])
			p.inTag = false

			if ev, ok := p.parseInline(p.tagBody.String()); ok {
				events = append(events, ev)
			}
			p.tagBody.Reset()
			continue
		}

		idx := strings.Index(buf, openTag)
		if idx >= 0 {
			if idx > 0 {
				events = append(events, Event{Kind: EventText, Text: buf[:idx]})
			}
			p.pending.Reset()
			p.pending.WriteString(buf[idx+len(openTag):])
			p.inTag = true
			continue
		}

		// Emit everything except a tail that could begin an open tag.
		hold := partialTagSuffix(buf)
		emit := buf[:len(buf)-hold]
		if emit != "" {
			events = append(events, Event{Kind: EventText, Text: emit})
			p.pending.Reset()
			p.pending.WriteString(buf[len(emit):])
		}
		return events
	}
}

// partialTagSuffix returns the length of the longest suffix of buf that is
// a proper prefix of the open tag.
func partialTagSuffix(buf string) int {
	max := len(openTag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, openTag[:n]) {
			return n
		}
	}
	return 0
}

func (p *StreamParser) flushText() []Event {
	if p.inTag {
		// Unterminated marker at end of stream: surface it as prose.
		p.tagBody.Reset()
		p.inTag = false
	}
	buf := p.pending.String()
	p.pending.Reset()
	if buf == "" {
		return nil
	}
	return []Event{{Kind: EventText, Text: buf}}
}

// parseInline decodes the JSON body of an inline marker. Arguments may be
// an object or an already-encoded string.
func (p *StreamParser) parseInline(body string) (Event, bool) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &call); err != nil || call.Name == "" {
		slog.Warn("tools: discarding malformed inline tool call", "body", body)
		return Event{}, false
	}

	args := string(call.Arguments)
	var asString string
	if json.Unmarshal(call.Arguments, &asString) == nil {
		args = asString
	}
	if args == "" {
		args = "{}"
	}

	return Event{
		Kind: EventToolCall,
		ToolCall: &providers.ToolCall{
			ID:   id.NewToolCall(),
			Type: "function",
			Function: providers.FunctionCall{
				Name:      call.Name,
				Arguments: args,
			},
		},
	}, true
}
