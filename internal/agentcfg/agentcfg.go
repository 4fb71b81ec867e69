// Package agentcfg resolves the agent binding of a session: which
// providers to construct, the prompt template, history retention, tool
// references and MCP server selection. Bindings come from the database or
// a static file; the runtime cannot tell the difference.
package agentcfg

import (
	"fmt"

	"github.com/google/uuid"
)

// MCP server selection modes.
type MCPMode string

const (
	MCPAll      MCPMode = "all"
	MCPSelected MCPMode = "selected"
)

// Binding is the immutable configuration snapshot a session runs with.
// Hot-reload swaps the whole snapshot, never mutates one.
type Binding struct {
	ID             string
	Name           string
	PromptTemplate string

	// ChatHistory is the retention level: 0 off, 1 text, 2 text+audio.
	ChatHistory int

	// ToolRefs name the enabled tools: system function names or
	// user-tool UUIDs.
	ToolRefs []string

	MCPMode    MCPMode
	MCPServers []string // consulted when MCPMode is "selected"

	// Provider knobs.
	LLMModel    string
	TTSVoice    string
	TTSSpeed    float64
	ASRLanguage string
}

// Validate checks structural invariants and that every tool reference is
// either a known system function or a UUID.
func (b *Binding) Validate(systemTools map[string]bool) error {
	if b.ID == "" {
		return fmt.Errorf("agent binding has no id")
	}
	if b.ChatHistory < 0 || b.ChatHistory > 2 {
		return fmt.Errorf("agent %s: chat history level %d out of range", b.ID, b.ChatHistory)
	}
	switch b.MCPMode {
	case MCPAll, MCPSelected, "":
	default:
		return fmt.Errorf("agent %s: unknown mcp mode %q", b.ID, b.MCPMode)
	}
	if b.MCPMode == MCPSelected && len(b.MCPServers) == 0 {
		return fmt.Errorf("agent %s: mcp mode is selected but no servers listed", b.ID)
	}

	for _, ref := range b.ToolRefs {
		if systemTools[ref] {
			continue
		}
		if _, err := uuid.Parse(ref); err != nil {
			return fmt.Errorf("agent %s: tool reference %q is neither a system tool nor a UUID", b.ID, ref)
		}
	}
	return nil
}

// SelectedServers filters the configured MCP server names by the
// binding's selection mode.
func (b *Binding) SelectedServers(all []string) []string {
	if b.MCPMode != MCPSelected {
		return all
	}
	allowed := make(map[string]bool, len(b.MCPServers))
	for _, s := range b.MCPServers {
		allowed[s] = true
	}
	var out []string
	for _, s := range all {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
