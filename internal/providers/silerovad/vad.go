// Package silerovad gates audio frames through the silero speech detector.
package silerovad

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"
)

const (
	SampleRate           = 16000
	Threshold            = 0.5
	MinSilenceDurationMs = 300
	SpeechPadMs          = 100
)

type Config struct {
	ModelPath            string
	Threshold            float32
	MinSilenceDurationMs int
}

// Detector adapts the silero model to the per-frame voice gate used by the
// ingress pipeline. The detector carries speech state across frames, so a
// frame inside an ongoing utterance counts as voice even when it is quiet.
type Detector struct {
	mu       sync.Mutex
	detector *speech.Detector
	inSpeech bool
}

func New(cfg Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("VAD model path is required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = Threshold
	}
	if cfg.MinSilenceDurationMs <= 0 {
		cfg.MinSilenceDurationMs = MinSilenceDurationMs
	}

	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("create VAD detector: %w", err)
	}

	return &Detector{detector: detector}, nil
}

// IsVoice reports whether the frame contains speech.
func (d *Detector) IsVoice(ctx context.Context, frame []float32) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(frame) == 0 {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detector == nil {
		return false, fmt.Errorf("VAD detector is closed")
	}

	segments, err := d.detector.Detect(frame)
	if err != nil {
		return false, fmt.Errorf("VAD detection: %w", err)
	}

	for _, seg := range segments {
		if seg.SpeechStartAt >= 0 {
			d.inSpeech = true
		}
		if seg.SpeechEndAt > 0 {
			d.inSpeech = false
		}
	}

	return d.inSpeech, nil
}

// Reset clears accumulated speech state between utterances.
func (d *Detector) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detector == nil {
		return nil
	}
	if err := d.detector.Reset(); err != nil {
		return fmt.Errorf("reset VAD detector: %w", err)
	}
	d.inSpeech = false
	return nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detector == nil {
		return nil
	}
	if err := d.detector.Destroy(); err != nil {
		return fmt.Errorf("destroy VAD detector: %w", err)
	}
	d.detector = nil
	return nil
}
