package mcphost

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/softwind/echowire/internal/tools"
	"github.com/softwind/echowire/shared/backoff"
)

// ServerConfig describes one configured MCP server process.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Manager multiplexes several MCP server processes behind one Executor.
// Tool names are namespaced `<server>_<tool>`; a reverse map preserves the
// original names for wire calls. Failed calls retry up to 3 times with a
// 2 s backoff, reconnecting the server process between attempts.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]ServerConfig
	clients map[string]*client
	defs    map[string]tools.Definition
	origin  map[string]remoteName // namespaced name -> server + wire name
}

type remoteName struct {
	server string
	tool   string
}

func NewManager(servers []ServerConfig) (*Manager, error) {
	m := &Manager{
		configs: make(map[string]ServerConfig),
		clients: make(map[string]*client),
		defs:    make(map[string]tools.Definition),
		origin:  make(map[string]remoteName),
	}

	for _, srv := range servers {
		if srv.Command == "" {
			slog.Warn("mcp: server has no command, skipping", "server", srv.Name)
			continue
		}
		m.configs[srv.Name] = srv

		c, err := m.connect(srv)
		if err != nil {
			slog.Error("mcp: server failed to start", "server", srv.Name, "error", err)
			continue
		}
		m.adopt(srv.Name, c)
		slog.Info("mcp: server started", "server", srv.Name, "tool_count", len(c.tools))
	}

	if len(m.clients) == 0 && len(servers) > 0 {
		return nil, fmt.Errorf("no MCP servers started")
	}
	return m, nil
}

func (m *Manager) connect(srv ServerConfig) (*client, error) {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	for k, v := range srv.Env {
		env = append(env, k+"="+v)
	}
	return newClient(srv.Command, srv.Args, env)
}

// adopt registers a connected client's tools under the manager's lock.
func (m *Manager) adopt(serverName string, c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[serverName] = c
	for _, t := range c.tools {
		namespaced := sanitize(serverName + "_" + t.Name)
		m.defs[namespaced] = tools.Definition{
			Name:        namespaced,
			Description: fmt.Sprintf("[%s] %s", serverName, t.Description),
			Parameters:  t.InputSchema,
		}
		m.origin[namespaced] = remoteName{server: serverName, tool: t.Name}
	}
}

// sanitize replaces non-alphanumeric runes with underscores so names fit
// the LLM function-name grammar.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

func (m *Manager) GetTools(context.Context) (map[string]tools.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make(map[string]tools.Definition, len(m.defs))
	for name, def := range m.defs {
		defs[name] = def
	}
	return defs, nil
}

func (m *Manager) HasTool(_ context.Context, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.origin[name]
	return ok
}

func (m *Manager) Execute(ctx context.Context, _ tools.Session, name string, args map[string]any) tools.ActionResponse {
	m.mu.RLock()
	remote, ok := m.origin[name]
	m.mu.RUnlock()
	if !ok {
		return tools.NotFound(name)
	}

	var result string
	err := backoff.RetryWithCallback(ctx, backoff.ToolCall, func(ctx context.Context, attempt int) error {
		m.mu.RLock()
		c := m.clients[remote.server]
		m.mu.RUnlock()

		if c == nil {
			cfg, haveCfg := m.configs[remote.server]
			if !haveCfg {
				return fmt.Errorf("MCP server %s not configured", remote.server)
			}
			fresh, err := m.connect(cfg)
			if err != nil {
				return fmt.Errorf("reconnect %s: %w", remote.server, err)
			}
			m.adopt(remote.server, fresh)
			c = fresh
		}

		out, err := c.call(ctx, remote.tool, args)
		if err != nil {
			// Drop the client so the next attempt reconnects.
			m.mu.Lock()
			if m.clients[remote.server] == c {
				delete(m.clients, remote.server)
			}
			m.mu.Unlock()
			_ = c.close()
			return err
		}
		result = out
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		slog.Warn("mcp: tool call attempt failed, retrying", "tool", name, "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		slog.Error("mcp: tool call failed", "tool", name, "server", remote.server, "error", err)
		return tools.Errorf(fmt.Sprintf("tool %s failed: %v", name, err))
	}

	return tools.ReqLLM(result)
}

// ServerNames lists the configured server names.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	return names
}

// ForServers returns an Executor restricted to the given servers. Bindings
// with a server selection see only those tools; execution still goes
// through the shared manager.
func (m *Manager) ForServers(names []string) tools.Executor {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return &serverView{m: m, allowed: allowed}
}

type serverView struct {
	m       *Manager
	allowed map[string]bool
}

func (v *serverView) GetTools(ctx context.Context) (map[string]tools.Definition, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	defs := make(map[string]tools.Definition)
	for name, def := range v.m.defs {
		if v.allowed[v.m.origin[name].server] {
			defs[name] = def
		}
	}
	return defs, nil
}

func (v *serverView) HasTool(_ context.Context, name string) bool {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	remote, ok := v.m.origin[name]
	return ok && v.allowed[remote.server]
}

func (v *serverView) Execute(ctx context.Context, sess tools.Session, name string, args map[string]any) tools.ActionResponse {
	if !v.HasTool(ctx, name) {
		return tools.NotFound(name)
	}
	return v.m.Execute(ctx, sess, name, args)
}

// Close shuts down all server processes.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, c := range m.clients {
		if err := c.close(); err != nil {
			slog.Error("mcp: error closing server", "server", name, "error", err)
			lastErr = err
		}
	}
	m.clients = make(map[string]*client)
	return lastErr
}
