package main

import (
	"context"
	"fmt"

	"github.com/softwind/echowire/internal/agentcfg"
	"github.com/softwind/echowire/internal/config"
	"github.com/softwind/echowire/internal/dialogue"
	"github.com/softwind/echowire/internal/providers"
	"github.com/softwind/echowire/internal/providers/httpasr"
	"github.com/softwind/echowire/internal/providers/httptts"
	"github.com/softwind/echowire/internal/providers/openaillm"
	"github.com/softwind/echowire/internal/providers/silerovad"
	"github.com/softwind/echowire/internal/session"
	"github.com/softwind/echowire/pkg/audio"
)

// newAdapterFactory builds the per-session provider bundle. The binding's
// knobs (model, voice, speed, language) override the process defaults, so
// two devices can run entirely different agents side by side.
func newAdapterFactory(cfg config.Config) session.AdapterFactory {
	return func(_ context.Context, binding *agentcfg.Binding, frameDurationMs int) (*session.Adapters, error) {
		// VAD state is per audio stream, so every session gets its own
		// detector instance.
		vad, err := silerovad.New(silerovad.Config{
			ModelPath: cfg.VAD.ModelPath,
			Threshold: float32(cfg.VAD.Threshold),
		})
		if err != nil {
			return nil, fmt.Errorf("init vad: %w", err)
		}

		model := cfg.LLM.Model
		if binding.LLMModel != "" {
			model = binding.LLMModel
		}
		llm := openaillm.New(openaillm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})

		language := cfg.ASR.Language
		if binding.ASRLanguage != "" {
			language = binding.ASRLanguage
		}
		asr := httpasr.New(httpasr.Config{
			URL:        cfg.ASR.URL,
			Model:      cfg.ASR.Model,
			Language:   language,
			SampleRate: cfg.SampleRate,
			Channels:   audio.DefaultChannels,
		})

		voice := cfg.TTS.Voice
		if binding.TTSVoice != "" {
			voice = binding.TTSVoice
		}
		speed := cfg.TTS.Speed
		if binding.TTSSpeed > 0 {
			speed = binding.TTSSpeed
		}
		tts, err := httptts.New(httptts.Config{
			URL:             cfg.TTS.URL,
			Model:           cfg.TTS.Model,
			Voice:           voice,
			Speed:           speed,
			SampleRate:      cfg.SampleRate,
			FrameDurationMs: frameDurationMs,
		})
		if err != nil {
			_ = vad.Close()
			return nil, fmt.Errorf("init tts: %w", err)
		}

		// Retention off means the agent opted out of history; don't
		// summarize turns it asked us to forget.
		var memory providers.Memory = providers.NopMemory{}
		if binding.ChatHistory > dialogue.RetentionOff {
			memory = providers.NewLLMMemory(llm)
		}

		return &session.Adapters{
			VAD:        vad,
			ASR:        asr,
			LLM:        llm,
			TTS:        tts,
			Memory:     memory,
			Intent:     providers.NewLLMIntent(llm),
			Voiceprint: providers.NopVoiceprint{},
		}, nil
	}
}
