package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reload re-resolves the agent binding and swaps the provider bundle
// without dropping the connection. Any failure keeps the previous bundle
// running; the device never notices a botched reload.
func (s *Session) Reload(ctx context.Context) error {
	if !s.reloading.CompareAndSwap(false, true) {
		return fmt.Errorf("reload already in progress")
	}
	defer s.reloading.Store(false)

	if !s.ready.Load() {
		return fmt.Errorf("pipeline not initialized yet")
	}

	// An in-flight LLM turn holds turnMu; waiting here is what keeps the
	// swap from landing mid-stream.
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	old := s.adapters.Load()
	oldBinding := s.binding.Load()

	binding, err := s.deps.Resolver.Resolve(ctx, s.deviceMAC)
	if err != nil {
		slog.Warn("session: reload kept previous binding",
			"session", s.id, "agent", oldBinding.ID, "error", err)
		return fmt.Errorf("resolve binding: %w", err)
	}

	ad, err := s.deps.BuildAdapters(ctx, binding, s.frameDurationMs)
	if err != nil {
		slog.Warn("session: reload rolled back",
			"session", s.id, "agent", oldBinding.ID, "error", err)
		return fmt.Errorf("build providers: %w", err)
	}

	s.adapters.Store(ad)
	s.binding.Store(binding)
	s.dialogue.Load().SetSystemPrompt(RenderPrompt(binding, s.deviceMAC, time.Now()))

	old.Close()

	slog.Info("session: binding reloaded", "session", s.id, "agent", binding.ID)
	return nil
}
