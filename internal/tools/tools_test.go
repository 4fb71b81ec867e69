package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwind/echowire/internal/providers"
)

type fakeExecutor struct {
	defs    map[string]Definition
	execute func(name string, args map[string]any) ActionResponse
}

func (f *fakeExecutor) GetTools(context.Context) (map[string]Definition, error) {
	return f.defs, nil
}

func (f *fakeExecutor) HasTool(_ context.Context, name string) bool {
	_, ok := f.defs[name]
	return ok
}

func (f *fakeExecutor) Execute(_ context.Context, _ Session, name string, args map[string]any) ActionResponse {
	if f.execute != nil {
		return f.execute(name, args)
	}
	return Respond("ok from " + name)
}

func def(name string) Definition {
	return Definition{Name: name, Description: name, Parameters: map[string]any{"type": "object"}}
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name    string
		results []ActionResponse
		want    ActionResponse
	}{
		{
			name:    "empty is none",
			results: nil,
			want:    None(),
		},
		{
			name:    "single passes through",
			results: []ActionResponse{ReqLLM("x")},
			want:    ReqLLM("x"),
		},
		{
			name:    "error wins",
			results: []ActionResponse{Respond("a"), Errorf("boom"), ReqLLM("b")},
			want:    Errorf("boom"),
		},
		{
			name:    "responses concatenate",
			results: []ActionResponse{Respond("a"), Respond("b")},
			want:    ActionResponse{Kind: ActionRespond, Text: "a\nb"},
		},
		{
			name:    "any reqllm upgrades",
			results: []ActionResponse{Respond("a"), ReqLLM("b")},
			want:    ActionResponse{Kind: ActionReqLLM, Text: "a\nb"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Combine(tt.results))
		})
	}
}

func TestRegistryFirstWins(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	first := &fakeExecutor{
		defs:    map[string]Definition{"shared_tool": def("shared_tool")},
		execute: func(string, map[string]any) ActionResponse { return Respond("first") },
	}
	second := &fakeExecutor{
		defs:    map[string]Definition{"shared_tool": def("shared_tool")},
		execute: func(string, map[string]any) ActionResponse { return Respond("second") },
	}

	require.NoError(t, reg.Register(ctx, BackendServerPlugin, first))
	require.NoError(t, reg.Register(ctx, BackendServerMCP, second))

	got := reg.Execute(ctx, nil, "shared_tool", nil)
	assert.Equal(t, "first", got.Text)

	specs := reg.Specs(ctx)
	assert.Len(t, specs, 1)
}

func TestRegistryUnknownTool(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.Register(ctx, BackendServerPlugin, &fakeExecutor{defs: map[string]Definition{}}))

	got := reg.Execute(ctx, nil, "nope", nil)
	assert.Equal(t, ActionNotFound, got.Kind)
}

func TestRegistryInvalidateRefreshesUnion(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	exec := &fakeExecutor{defs: map[string]Definition{"a": def("a")}}
	require.NoError(t, reg.Register(ctx, BackendDeviceIoT, exec))
	assert.Len(t, reg.Specs(ctx), 1)

	// Descriptors arrive and grow the table.
	exec.defs["b"] = def("b")
	reg.Invalidate(ctx)
	assert.Len(t, reg.Specs(ctx), 2)

	assert.True(t, reg.Has(ctx, "b"))
	got := reg.Execute(ctx, nil, "b", nil)
	assert.Equal(t, ActionRespond, got.Kind)
}

func collectEvents(parser *StreamParser, chunks []providers.StreamChunk) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, parser.Feed(c)...)
	}
	return events
}

func textOf(events []Event) string {
	var out string
	for _, e := range events {
		if e.Kind == EventText {
			out += e.Text
		}
	}
	return out
}

func toolCalls(events []Event) []*providers.ToolCall {
	var out []*providers.ToolCall
	for _, e := range events {
		if e.Kind == EventToolCall {
			out = append(out, e.ToolCall)
		}
	}
	return out
}

func TestStreamParserPlainText(t *testing.T) {
	p := NewStreamParser()
	events := collectEvents(p, []providers.StreamChunk{
		{Content: "Hello "},
		{Content: "there!"},
		{Done: true},
	})

	assert.Equal(t, "Hello there!", textOf(events))
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
	assert.Empty(t, toolCalls(events))
}

func TestStreamParserStructuredToolCall(t *testing.T) {
	p := NewStreamParser()
	call := &providers.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: providers.FunctionCall{Name: "create_reminder", Arguments: `{"content":"water"}`},
	}
	events := collectEvents(p, []providers.StreamChunk{
		{Content: "Sure, "},
		{ToolCall: call},
		{Done: true},
	})

	calls := toolCalls(events)
	require.Len(t, calls, 1)
	assert.Equal(t, "create_reminder", calls[0].Function.Name)

	// Prose before the call must be flushed before the call event.
	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, EventToolCall, events[1].Kind)
}

func TestStreamParserInlineToolCall(t *testing.T) {
	p := NewStreamParser()
	events := collectEvents(p, []providers.StreamChunk{
		{Content: `Let me check.<tool_call>{"name":"get_weather","arguments":{"city":"Oslo"}}</tool_call> Done.`},
		{Done: true},
	})

	calls := toolCalls(events)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, calls[0].Function.Arguments)
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, "Let me check. Done.", textOf(events))
}

func TestStreamParserInlineSplitAcrossChunks(t *testing.T) {
	p := NewStreamParser()
	events := collectEvents(p, []providers.StreamChunk{
		{Content: "ok <tool_"},
		{Content: `call>{"name":"ring_bell","argum`},
		{Content: `ents":{}}</tool_`},
		{Content: "call> after"},
		{Done: true},
	})

	calls := toolCalls(events)
	require.Len(t, calls, 1)
	assert.Equal(t, "ring_bell", calls[0].Function.Name)
	assert.Equal(t, "ok  after", textOf(events))
}

func TestStreamParserUnterminatedMarkerFlushedAsProse(t *testing.T) {
	p := NewStreamParser()
	events := collectEvents(p, []providers.StreamChunk{
		{Content: "before <tool_call>{\"name\":"},
		{Done: true},
	})

	assert.Empty(t, toolCalls(events))
	assert.Contains(t, textOf(events), "before ")
}

func TestStreamParserMalformedInlineDiscarded(t *testing.T) {
	p := NewStreamParser()
	events := collectEvents(p, []providers.StreamChunk{
		{Content: "a<tool_call>not json</tool_call>b"},
		{Done: true},
	})

	assert.Empty(t, toolCalls(events))
	assert.Equal(t, "ab", textOf(events))
}
