// Package config assembles the gateway's runtime configuration from the
// environment. Every knob has a default that works on a laptop; production
// overrides what it needs.
package config

import (
	"log/slog"
	"strings"

	"github.com/softwind/echowire/pkg/audio"
	cfg "github.com/softwind/echowire/shared/config"
)

type Config struct {
	ListenAddr  string
	Environment string

	// AuthToken guards the device WebSocket and is handed out by the
	// provisioning handshake. Empty disables the check (dev only).
	AuthToken string
	// PublicWSURL is what provisioned devices are told to connect to.
	PublicWSURL string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	OTLPEndpoint string

	// AgentsFile is the static binding fallback when the database has no
	// row (or no database is configured).
	AgentsFile string

	SampleRate      int
	FrameDurationMs int

	LLM  LLMConfig
	ASR  ASRConfig
	TTS  TTSConfig
	VAD  VADConfig
	MQTT MQTTConfig
	MCP  MCPConfig
}

type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

type ASRConfig struct {
	URL      string
	Model    string
	Language string
}

type TTSConfig struct {
	URL   string
	Model string
	Voice string
	Speed float64
}

type VADConfig struct {
	ModelPath string
	Threshold float64
}

type MQTTConfig struct {
	BrokerURL  string
	Group      string
	ServerMAC  string // identity MAC for the publisher's client id
	Username   string
	SigningKey string
}

type MCPConfig struct {
	// ServersFile lists stdio MCP servers (JSON array of name/command/args).
	ServersFile string
	// EndpointURL is the optional remote MCP endpoint; EndpointToken is its
	// bearer token.
	EndpointURL   string
	EndpointToken string
}

// Load reads the full configuration from the environment.
func Load() Config {
	return Config{
		ListenAddr:  cfg.GetEnv("ECHOWIRE_LISTEN_ADDR", ":8000"),
		Environment: cfg.GetEnv("ECHOWIRE_ENV", "development"),

		AuthToken:   cfg.GetEnv("ECHOWIRE_AUTH_TOKEN", ""),
		PublicWSURL: cfg.GetEnv("ECHOWIRE_PUBLIC_WS_URL", "ws://localhost:8000/ws"),

		DatabaseURL: cfg.GetEnv("DATABASE_URL", ""),
		RedisAddr:   cfg.GetEnv("REDIS_ADDR", ""),
		RedisDB:     cfg.GetEnvInt("REDIS_DB", 0),

		OTLPEndpoint: cfg.GetEnv("OTLP_ENDPOINT", "http://localhost:4318"),

		AgentsFile: cfg.GetEnv("ECHOWIRE_AGENTS_FILE", "agents.json"),

		SampleRate:      cfg.GetEnvInt("ECHOWIRE_SAMPLE_RATE", audio.DefaultSampleRate),
		FrameDurationMs: cfg.GetEnvInt("ECHOWIRE_FRAME_DURATION_MS", audio.DefaultFrameDurationMs),

		LLM: LLMConfig{
			BaseURL:     cfg.GetEnv("LLM_BASE_URL", "http://localhost:11434/v1"),
			APIKey:      cfg.GetEnv("LLM_API_KEY", ""),
			Model:       cfg.GetEnv("LLM_MODEL", "qwen2.5:7b"),
			MaxTokens:   cfg.GetEnvInt("LLM_MAX_TOKENS", 1024),
			Temperature: cfg.GetEnvFloat("LLM_TEMPERATURE", 0.7),
		},
		ASR: ASRConfig{
			URL:      cfg.GetEnv("ASR_URL", "http://localhost:9000/v1/audio/transcriptions"),
			Model:    cfg.GetEnv("ASR_MODEL", "whisper-1"),
			Language: cfg.GetEnv("ASR_LANGUAGE", ""),
		},
		TTS: TTSConfig{
			URL:   cfg.GetEnv("TTS_URL", "http://localhost:9880/v1/audio/speech"),
			Model: cfg.GetEnv("TTS_MODEL", "tts-1"),
			Voice: cfg.GetEnv("TTS_VOICE", "alloy"),
			Speed: cfg.GetEnvFloat("TTS_SPEED", 1.0),
		},
		VAD: VADConfig{
			ModelPath: cfg.GetEnv("VAD_MODEL_PATH", "models/silero_vad.onnx"),
			Threshold: cfg.GetEnvFloat("VAD_THRESHOLD", 0.5),
		},
		MQTT: MQTTConfig{
			BrokerURL:  cfg.GetEnv("MQTT_BROKER_URL", ""),
			Group:      cfg.GetEnv("MQTT_GROUP", "GID_default"),
			ServerMAC:  cfg.GetEnv("MQTT_SERVER_MAC", "00:00:00:00:00:00"),
			Username:   cfg.GetEnv("MQTT_USERNAME", "echowire"),
			SigningKey: cfg.GetEnv("MQTT_SIGNING_KEY", ""),
		},
		MCP: MCPConfig{
			ServersFile:   cfg.GetEnv("MCP_SERVERS_FILE", ""),
			EndpointURL:   cfg.GetEnv("MCP_ENDPOINT_URL", ""),
			EndpointToken: cfg.GetEnv("MCP_ENDPOINT_TOKEN", ""),
		},
	}
}

// LogStartup prints the effective configuration with secrets masked.
func (c Config) LogStartup() {
	slog.Info("config: effective settings",
		"listen", c.ListenAddr,
		"env", c.Environment,
		"public_ws_url", c.PublicWSURL,
		"database", mask(c.DatabaseURL),
		"redis", c.RedisAddr,
		"otlp", c.OTLPEndpoint,
		"agents_file", c.AgentsFile,
		"sample_rate", c.SampleRate,
		"frame_ms", c.FrameDurationMs,
		"llm_base", c.LLM.BaseURL,
		"llm_model", c.LLM.Model,
		"llm_key", mask(c.LLM.APIKey),
		"asr_url", c.ASR.URL,
		"tts_url", c.TTS.URL,
		"tts_voice", c.TTS.Voice,
		"vad_model", c.VAD.ModelPath,
		"mqtt_broker", c.MQTT.BrokerURL,
		"mqtt_key", mask(c.MQTT.SigningKey),
		"mcp_servers_file", c.MCP.ServersFile,
		"mcp_endpoint", c.MCP.EndpointURL,
		"auth_token", mask(c.AuthToken),
	)
}

// mask hides all but the tail of a secret so logs stay correlatable
// without leaking credentials.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", 4) + s[len(s)-4:]
}
