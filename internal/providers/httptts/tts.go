// Package httptts synthesizes sentences through an HTTP TTS endpoint that
// returns raw PCM, then transcodes the result to device-ready Opus frames.
package httptts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/pkg/audio"
	"github.com/softwind/echowire/pkg/otel"
	"github.com/softwind/echowire/shared/backoff"
	"github.com/softwind/echowire/shared/httpclient"
)

type Config struct {
	URL             string
	Model           string
	Voice           string
	Speed           float64
	SampleRate      int
	FrameDurationMs int
}

type Client struct {
	cfg        Config
	client     *http.Client
	transcoder *audio.Transcoder
}

func New(cfg Config) (*Client, error) {
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.FrameDurationMs == 0 {
		cfg.FrameDurationMs = audio.DefaultFrameDurationMs
	}

	transcoder, err := audio.NewTranscoder(cfg.SampleRate, audio.DefaultChannels, cfg.FrameDurationMs)
	if err != nil {
		return nil, fmt.Errorf("create transcoder: %w", err)
	}

	return &Client{
		cfg:        cfg,
		client:     httpclient.NewLong(),
		transcoder: transcoder,
	}, nil
}

type synthesisRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Synthesize returns the sentence as Opus frames sized for the configured
// frame duration. Empty text yields no frames.
func (c *Client) Synthesize(ctx context.Context, text string) ([][]byte, error) {
	if text == "" {
		return nil, nil
	}

	ctx, span := otel.Tracer("echowire").Start(ctx, "tts.synthesize",
		trace.WithAttributes(
			attribute.Int("text.length", len(text)),
			attribute.String("text.preview", truncate(text, 100)),
			attribute.String("tts.model", c.cfg.Model),
			attribute.String("tts.voice", c.cfg.Voice),
			attribute.Float64("tts.speed", c.cfg.Speed),
		))
	defer span.End()

	startTime := time.Now()

	var pcm []byte
	err := backoff.Retry(ctx, backoff.Quick, func(ctx context.Context, attempt int) error {
		var err error
		pcm, err = c.fetchPCM(ctx, text)
		if err != nil {
			slog.Warn("tts: request failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "TTS request failed")
		return nil, err
	}

	frames, err := c.transcoder.EncodePCM(pcm)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "opus encode failed")
		return nil, fmt.Errorf("encode opus: %w", err)
	}

	elapsed := time.Since(startTime)
	bytesPerMs := c.cfg.SampleRate * 2 / 1000 // 16-bit mono
	if bytesPerMs == 0 {
		bytesPerMs = 1
	}
	durationMs := len(pcm) / bytesPerMs
	slog.Info("tts: synthesis complete", "pcm_bytes", len(pcm), "frames", len(frames), "audio_duration_ms", durationMs, "latency", elapsed, "preview", truncate(text, 50))

	span.SetAttributes(
		attribute.Int("audio.pcm_bytes", len(pcm)),
		attribute.Int("audio.frames", len(frames)),
		attribute.Int("audio.duration_ms", durationMs),
		attribute.Int64("tts.latency_ms", elapsed.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "synthesis successful")
	return frames, nil
}

func (c *Client) fetchPCM(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(synthesisRequest{
		Model:          c.cfg.Model,
		Input:          text,
		Voice:          c.cfg.Voice,
		ResponseFormat: "pcm",
		Speed:          c.cfg.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, providers.NewError(providers.KindTransport, "tts", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, providers.NewError(providers.KindFromStatus(resp.StatusCode), "tts",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(errBody)))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return pcm, nil
}
