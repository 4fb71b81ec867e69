package tools

import (
	"context"
	"log/slog"
	"sync"

	"github.com/softwind/echowire/internal/providers"
)

// Registry composes the executors and resolves tool names to backends.
// Reads dominate; mutations (IoT descriptor registration, MCP discovery)
// invalidate the cached union list under a short critical section.
type Registry struct {
	mu       sync.RWMutex
	backends []registeredBackend
	owner    map[string]registeredBackend // first-registered wins

	unionCache []providers.ToolSpec
}

type registeredBackend struct {
	tag  Backend
	exec Executor
}

func NewRegistry() *Registry {
	return &Registry{owner: make(map[string]registeredBackend)}
}

// Register attaches an executor and claims its current tool names. A name
// already claimed by an earlier backend is logged and skipped.
func (r *Registry) Register(ctx context.Context, tag Backend, exec Executor) error {
	defs, err := exec.GetTools(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := registeredBackend{tag: tag, exec: exec}
	r.backends = append(r.backends, b)
	for name := range defs {
		if prev, ok := r.owner[name]; ok {
			slog.Warn("tools: duplicate tool name, first registration wins",
				"tool", name, "kept", prev.tag.String(), "ignored", tag.String())
			continue
		}
		r.owner[name] = b
	}
	r.unionCache = nil
	return nil
}

// Invalidate re-resolves name ownership and drops the cached union.
// Backends whose tool tables change after registration (IoT descriptors
// arriving, MCP discovery completing) call this.
func (r *Registry) Invalidate(ctx context.Context) {
	r.mu.RLock()
	backends := make([]registeredBackend, len(r.backends))
	copy(backends, r.backends)
	r.mu.RUnlock()

	owner := make(map[string]registeredBackend)
	for _, b := range backends {
		defs, err := b.exec.GetTools(ctx)
		if err != nil {
			slog.Warn("tools: backend listing failed during invalidation", "backend", b.tag.String(), "error", err)
			continue
		}
		for name := range defs {
			if prev, ok := owner[name]; ok {
				slog.Warn("tools: duplicate tool name, first registration wins",
					"tool", name, "kept", prev.tag.String(), "ignored", b.tag.String())
				continue
			}
			owner[name] = b
		}
	}

	r.mu.Lock()
	r.owner = owner
	r.unionCache = nil
	r.mu.Unlock()
}

// Specs returns the union of all backend tool tables in LLM shape. The
// union is cached until the next mutation.
func (r *Registry) Specs(ctx context.Context) []providers.ToolSpec {
	r.mu.RLock()
	if r.unionCache != nil {
		cached := r.unionCache
		r.mu.RUnlock()
		return cached
	}
	backends := make([]registeredBackend, len(r.backends))
	copy(backends, r.backends)
	r.mu.RUnlock()

	var specs []providers.ToolSpec
	seen := make(map[string]bool)
	for _, b := range backends {
		defs, err := b.exec.GetTools(ctx)
		if err != nil {
			slog.Warn("tools: backend listing failed", "backend", b.tag.String(), "error", err)
			continue
		}
		for name, def := range defs {
			if seen[name] {
				continue
			}
			seen[name] = true
			specs = append(specs, def.Spec())
		}
	}

	r.mu.Lock()
	r.unionCache = specs
	r.mu.Unlock()
	return specs
}

// Execute routes one call to the owning backend.
func (r *Registry) Execute(ctx context.Context, sess Session, name string, args map[string]any) ActionResponse {
	r.mu.RLock()
	b, ok := r.owner[name]
	backends := make([]registeredBackend, len(r.backends))
	copy(backends, r.backends)
	r.mu.RUnlock()

	if ok {
		return b.exec.Execute(ctx, sess, name, args)
	}

	// Names can appear after registration (late discovery); ask each
	// backend directly before giving up.
	for _, b := range backends {
		if b.exec.HasTool(ctx, name) {
			slog.Info("tools: resolved late-registered tool", "tool", name, "backend", b.tag.String())
			return b.exec.Execute(ctx, sess, name, args)
		}
	}
	slog.Warn("tools: unknown tool requested", "tool", name)
	return NotFound(name)
}

// Has reports whether any backend currently serves the name.
func (r *Registry) Has(ctx context.Context, name string) bool {
	r.mu.RLock()
	_, ok := r.owner[name]
	backends := make([]registeredBackend, len(r.backends))
	copy(backends, r.backends)
	r.mu.RUnlock()

	if ok {
		return true
	}
	for _, b := range backends {
		if b.exec.HasTool(ctx, name) {
			return true
		}
	}
	return false
}
