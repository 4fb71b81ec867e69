// Package httpasr transcribes utterances through an OpenAI-style
// /v1/audio/transcriptions endpoint.
package httpasr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/pkg/audio"
	"github.com/softwind/echowire/pkg/otel"
	"github.com/softwind/echowire/shared/httpclient"
)

type Config struct {
	URL        string
	Model      string
	Language   string
	SampleRate int
	Channels   int
}

type Client struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Client {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = audio.DefaultChannels
	}
	return &Client{
		cfg:    cfg,
		client: httpclient.New(),
	}
}

type transcription struct {
	Text string `json:"text"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Transcribe posts the utterance PCM as a WAV form file and returns the
// transcript. Empty audio yields an empty transcript without a request.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		slog.Info("asr: empty audio, skipping transcription")
		return "", nil
	}

	bytesPerMs := c.cfg.SampleRate * c.cfg.Channels * 2 / 1000
	if bytesPerMs == 0 {
		bytesPerMs = 1
	}
	durationMs := len(pcm) / bytesPerMs

	ctx, span := otel.Tracer("echowire").Start(ctx, "asr.transcribe",
		trace.WithAttributes(
			attribute.Int("audio.bytes", len(pcm)),
			attribute.Int("audio.duration_ms", durationMs),
			attribute.String("asr.model", c.cfg.Model),
			attribute.String("asr.url", c.cfg.URL),
		))
	defer span.End()

	slog.Debug("asr: sending audio for transcription", "bytes", len(pcm), "duration_ms", durationMs, "model", c.cfg.Model)
	startTime := time.Now()

	wav := audio.WrapWAV(pcm, c.cfg.SampleRate, c.cfg.Channels)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := writer.WriteField("model", c.cfg.Model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if c.cfg.Language != "" {
		if err := writer.WriteField("language", c.cfg.Language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL, &buf)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Error("asr: request failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send request failed")
		return "", providers.NewError(providers.KindTransport, "asr", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("asr: error response", "status", resp.StatusCode, "body", string(body))
		err := providers.NewError(providers.KindFromStatus(resp.StatusCode), "asr",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "ASR service error")
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("read response: %w", err)
	}

	elapsed := time.Since(startTime)
	span.SetAttributes(attribute.Int64("asr.latency_ms", elapsed.Milliseconds()))

	var tr transcription
	if err := json.Unmarshal(body, &tr); err != nil {
		slog.Error("asr: failed to parse response", "error", err, "body", string(body))
		span.RecordError(err)
		return "", fmt.Errorf("parse response: %w", err)
	}

	slog.Info("asr: transcription received", "latency", elapsed, "chars", len(tr.Text), "preview", truncate(tr.Text, 50))
	span.SetAttributes(attribute.String("transcript.preview", truncate(tr.Text, 100)))
	span.SetStatus(codes.Ok, "transcription successful")
	return tr.Text, nil
}
