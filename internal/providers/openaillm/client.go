// Package openaillm streams chat completions from any OpenAI-compatible
// endpoint.
package openaillm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/pkg/otel"
	"github.com/softwind/echowire/shared/backoff"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/v1")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // long enough for a full streamed answer
		},
	}
}

type completionRequest struct {
	Model       string                  `json:"model"`
	Messages    []providers.ChatMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature,omitempty"`
	Stream      bool                    `json:"stream"`
	Tools       []providers.ToolSpec    `json:"tools,omitempty"`
	ToolChoice  string                  `json:"tool_choice,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message      providers.ChatMessage `json:"message"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
}

// Chat sends a non-streaming completion request and returns the text.
func (c *Client) Chat(ctx context.Context, messages []providers.ChatMessage) (string, error) {
	ctx, span := otel.Tracer("echowire").Start(ctx, "llm.chat",
		trace.WithAttributes(
			attribute.String("llm.model", c.cfg.Model),
			attribute.Int("llm.messages", len(messages)),
		))
	defer span.End()

	body, err := json.Marshal(completionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var respBody []byte
	err = backoff.Retry(ctx, backoff.Single, func(ctx context.Context, attempt int) error {
		respBody, err = c.post(ctx, body)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat request failed")
		return "", err
	}

	var resp completionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.NewError(providers.KindTransport, "llm", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.NewError(providers.KindTransport, "llm", err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := providers.KindFromStatus(resp.StatusCode)
		return nil, providers.NewError(kind, "llm",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, nil
}

// ChatStream opens a streaming completion. The connection attempt is
// retried; the stream itself is not.
func (c *Client) ChatStream(ctx context.Context, messages []providers.ChatMessage, tools []providers.ToolSpec) (<-chan providers.StreamChunk, error) {
	ctx, span := otel.Tracer("echowire").Start(ctx, "llm.chat_stream",
		trace.WithAttributes(
			attribute.String("llm.model", c.cfg.Model),
			attribute.Int("llm.messages", len(messages)),
			attribute.Int("llm.tools", len(tools)),
		))

	req := completionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      true,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}

	body, err := json.Marshal(req)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var resp *http.Response
	err = backoff.Retry(ctx, backoff.Single, func(ctx context.Context, attempt int) error {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err = c.httpClient.Do(httpReq)
		if err != nil {
			return providers.NewError(providers.KindTransport, "llm", err)
		}
		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return providers.NewError(providers.KindFromStatus(resp.StatusCode), "llm",
				fmt.Errorf("status %d: %s", resp.StatusCode, string(errBody)))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream connect failed")
		span.End()
		return nil, err
	}

	chunks := make(chan providers.StreamChunk, 10)
	go func() {
		defer span.End()
		defer close(chunks)
		defer resp.Body.Close()

		c.readStream(ctx, resp.Body, chunks)
	}()

	return chunks, nil
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) readStream(ctx context.Context, body io.Reader, chunks chan<- providers.StreamChunk) {
	reader := bufio.NewReader(body)
	var currentToolCall *providers.ToolCall

	for {
		select {
		case <-ctx.Done():
			chunks <- providers.StreamChunk{Error: ctx.Err()}
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				chunks <- providers.StreamChunk{Error: err}
			}
			chunks <- providers.StreamChunk{Done: true}
			return
		}

		lineStr := strings.TrimSpace(string(line))
		if !strings.HasPrefix(lineStr, "data: ") {
			continue
		}

		data := strings.TrimPrefix(lineStr, "data: ")
		if data == "[DONE]" {
			if currentToolCall != nil {
				chunks <- providers.StreamChunk{ToolCall: currentToolCall}
			}
			chunks <- providers.StreamChunk{Done: true}
			return
		}

		var delta streamDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			slog.Debug("llm: skipping malformed stream line", "error", err)
			continue
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]

		// Tool call fragments accumulate until the next ID or finish.
		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			if tc.ID != "" {
				if currentToolCall != nil {
					chunks <- providers.StreamChunk{ToolCall: currentToolCall}
				}
				currentToolCall = &providers.ToolCall{
					ID:   tc.ID,
					Type: tc.Type,
					Function: providers.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			} else if currentToolCall != nil {
				currentToolCall.Function.Arguments += tc.Function.Arguments
			}
		}

		chunk := providers.StreamChunk{
			Content:      choice.Delta.Content,
			Reasoning:    choice.Delta.ReasoningContent,
			FinishReason: choice.FinishReason,
		}

		if choice.FinishReason != "" {
			if currentToolCall != nil {
				chunks <- providers.StreamChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}
			chunk.Done = true
		}

		if chunk.Content != "" || chunk.Reasoning != "" || chunk.FinishReason != "" {
			chunks <- chunk
		}
	}
}
