package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/softwind/echowire/internal/dialogue"
	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/internal/tools"
)

// maxToolDepth bounds REQLLM re-entry so a confused model cannot loop the
// dispatcher forever.
const maxToolDepth = 5

// runTurn starts a fresh LLM turn for the newest user message. It holds
// turnMu for the whole turn, which is also what keeps hot-reload from
// swapping providers mid-stream.
func (s *Session) runTurn(ctx context.Context) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	gen := s.turnSeq.Add(1)
	s.streamTurn(ctx, gen, 0)
	s.enqueueTTS(ttsJob{gen: gen, last: true})
}

// streamTurn runs one model round-trip at the given tool depth. Sentences
// stream to TTS as they complete; tool calls re-enter at depth+1 when the
// combined action asks for it.
func (s *Session) streamTurn(ctx context.Context, gen uint64, depth int) {
	ad := s.adapters.Load()
	d := s.dialogue.Load()

	memCtx, err := ad.Memory.QueryContext(ctx, s.deviceMAC, d.LastUserText())
	if err != nil {
		slog.Warn("session: memory query failed", "session", s.id, "error", err)
		memCtx = ""
	}

	stream, err := ad.LLM.ChatStream(ctx, d.LLMView(memCtx), s.registry.Specs(ctx))
	if err != nil {
		slog.Error("session: llm request failed", "session", s.id, "error", err)
		s.enqueueTTS(ttsJob{gen: gen, text: "Sorry, I can't think right now."})
		return
	}

	parser := tools.NewStreamParser()
	seg := NewSegmenter()
	var assistant strings.Builder
	var calls []*providers.ToolCall

	aborted := func() bool { return gen <= s.abortGen.Load() || s.closed.Load() }

	for chunk := range stream {
		if aborted() {
			// Keep draining so the provider goroutine can exit.
			continue
		}
		for _, ev := range parser.Feed(chunk) {
			switch ev.Kind {
			case tools.EventText:
				assistant.WriteString(ev.Text)
				for _, sentence := range seg.Feed(ev.Text) {
					s.enqueueTTS(ttsJob{gen: gen, text: sentence})
				}
			case tools.EventToolCall:
				calls = append(calls, ev.ToolCall)
			case tools.EventError:
				slog.Error("session: llm stream error", "session", s.id, "error", ev.Err)
			case tools.EventDone:
			}
		}
	}
	if aborted() {
		// Barge-in keeps whatever partial text the device already heard.
		if partial := strings.TrimSpace(assistant.String()); partial != "" {
			d.AddAssistant(partial)
		}
		return
	}
	if rest := seg.Flush(); rest != "" {
		s.enqueueTTS(ttsJob{gen: gen, text: rest})
	}

	text := strings.TrimSpace(assistant.String())

	if len(calls) == 0 {
		d.AddAssistant(text)
		s.finishAssistantTurn(ctx, ad, d, text)
		return
	}

	// Tool branch: the (possibly empty) prose that streamed before the
	// calls is recorded first so the transcript matches the stream order.
	d.AddAssistant(text)
	combined := s.dispatchCalls(ctx, d, calls)

	switch combined.Kind {
	case tools.ActionReqLLM:
		if depth+1 >= maxToolDepth {
			slog.Warn("session: tool depth limit reached", "session", s.id, "depth", depth+1)
			return
		}
		s.streamTurn(ctx, gen, depth+1)
	case tools.ActionRespond, tools.ActionError, tools.ActionNotFound:
		if combined.Text != "" {
			d.AddAssistant(combined.Text)
			for _, sentence := range splitForSpeech(combined.Text) {
				s.enqueueTTS(ttsJob{gen: gen, text: sentence})
			}
			s.finishAssistantTurn(ctx, ad, d, combined.Text)
		}
	case tools.ActionNone:
	}
}

// dispatchCalls records and executes every call of the turn, then folds
// the results.
func (s *Session) dispatchCalls(ctx context.Context, d *dialogue.Dialogue, calls []*providers.ToolCall) tools.ActionResponse {
	results := make([]tools.ActionResponse, 0, len(calls))
	for _, call := range calls {
		name := call.Function.Name
		d.AddToolCall(call.ID, name, call.Function.Arguments)

		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				slog.Warn("session: unparseable tool arguments",
					"session", s.id, "tool", name, "error", err)
			}
		}

		result := s.registry.Execute(ctx, s, name, args)
		slog.Info("session: tool executed",
			"session", s.id, "tool", name, "action", result.Kind)
		d.AddToolResponse(call.ID, name, result.Text)
		results = append(results, result)
	}
	return tools.Combine(results)
}

// finishAssistantTurn handles the end-of-turn side channel: the emotion
// hint and the detached memory write.
func (s *Session) finishAssistantTurn(ctx context.Context, ad *Adapters, d *dialogue.Dialogue, text string) {
	if text == "" {
		return
	}
	if err := s.SendJSON(DetectEmotion(text)); err != nil {
		slog.Debug("session: emotion send failed", "session", s.id, "error", err)
	}

	turn := providers.DialogueTurn{
		SessionID:     s.id,
		DeviceMAC:     s.deviceMAC,
		UserText:      d.LastUserText(),
		AssistantText: text,
	}
	if err := ad.Memory.SaveDialogue(ctx, turn); err != nil {
		slog.Warn("session: memory save failed", "session", s.id, "error", err)
	}
}

// splitForSpeech segments a complete text the same way streamed text is
// segmented, so tool responses obey the same sentence pacing.
func splitForSpeech(text string) []string {
	seg := NewSegmenter()
	out := seg.Feed(text)
	if rest := seg.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}
