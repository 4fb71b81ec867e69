package agentcfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoBinding is returned when a device has no agent bound.
var ErrNoBinding = errors.New("no agent binding for device")

// Resolver looks up the agent binding for a device.
type Resolver interface {
	Resolve(ctx context.Context, deviceMAC string) (*Binding, error)
}

// StaticResolver serves one binding from a JSON file to every device.
// Single-tenant deployments use it instead of the database.
type StaticResolver struct {
	binding *Binding
}

type staticFile struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	PromptTemplate string   `json:"prompt_template"`
	ChatHistory    int      `json:"chat_history"`
	ToolRefs       []string `json:"tool_refs"`
	MCPMode        string   `json:"mcp_mode"`
	MCPServers     []string `json:"mcp_servers"`
	LLMModel       string   `json:"llm_model"`
	TTSVoice       string   `json:"tts_voice"`
	TTSSpeed       float64  `json:"tts_speed"`
	ASRLanguage    string   `json:"asr_language"`
}

func NewStaticResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}

	var f staticFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent file %s: %w", path, err)
	}

	b := &Binding{
		ID:             f.ID,
		Name:           f.Name,
		PromptTemplate: f.PromptTemplate,
		ChatHistory:    f.ChatHistory,
		ToolRefs:       f.ToolRefs,
		MCPMode:        MCPMode(f.MCPMode),
		MCPServers:     f.MCPServers,
		LLMModel:       f.LLMModel,
		TTSVoice:       f.TTSVoice,
		TTSSpeed:       f.TTSSpeed,
		ASRLanguage:    f.ASRLanguage,
	}
	if b.ID == "" {
		b.ID = "static"
	}
	if b.MCPMode == "" {
		b.MCPMode = MCPAll
	}
	return &StaticResolver{binding: b}, nil
}

func (r *StaticResolver) Resolve(context.Context, string) (*Binding, error) {
	// Snapshot semantics: hand out a copy so hot-reload never shares.
	b := *r.binding
	return &b, nil
}

// RepoResolver loads bindings from Postgres by device MAC.
type RepoResolver struct {
	pool *pgxpool.Pool
}

func NewRepoResolver(pool *pgxpool.Pool) *RepoResolver {
	return &RepoResolver{pool: pool}
}

func (r *RepoResolver) Resolve(ctx context.Context, deviceMAC string) (*Binding, error) {
	query := `
		SELECT a.id, a.name, a.prompt_template, a.chat_history,
		       a.tool_refs, a.mcp_mode, a.mcp_servers,
		       a.llm_model, a.tts_voice, a.tts_speed, a.asr_language
		FROM agents a
		JOIN devices d ON d.agent_id = a.id
		WHERE d.mac = $1 AND a.deleted_at IS NULL`

	b := &Binding{}
	var mode string
	err := r.pool.QueryRow(ctx, query, deviceMAC).Scan(
		&b.ID, &b.Name, &b.PromptTemplate, &b.ChatHistory,
		&b.ToolRefs, &mode, &b.MCPServers,
		&b.LLMModel, &b.TTSVoice, &b.TTSSpeed, &b.ASRLanguage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoBinding
		}
		return nil, fmt.Errorf("resolve agent binding: %w", err)
	}
	b.MCPMode = MCPMode(mode)
	return b, nil
}
