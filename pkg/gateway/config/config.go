package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultIgnoredSpeakers are the platform's own agent participants; their
// audio would otherwise loop back into the engine.
var DefaultIgnoredSpeakers = []string{"Nav's test Meeting Agent", "Meetstream Agent"}

type Config struct {
	Addr string

	// Platform PCM16 rates.
	InputRate  int
	OutputRate int

	// Speakers whose inbound audio is dropped.
	IgnoredSpeakers map[string]struct{}

	ToolConfigPath string

	// WebSocket limits.
	HandshakeTimeout time.Duration
	WSWriteTimeout   time.Duration
	WSPingInterval   time.Duration
	OutboundQueue    int
	MaxMessageBytes  int64

	// Close the bot's engine session when its control socket goes away.
	CloseOnControlDisconnect bool

	EngineModel  string
	EngineVoice  string
	EngineAPIKey string

	// Empty keeps transcripts in memory.
	DatabaseURL string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("MEETBRIDGE_ADDR", ":8000"),
		InputRate:                envIntOr("MEETSTREAM_IN_RATE", 48000),
		OutputRate:               envIntOr("MEETSTREAM_OUT_RATE", 48000),
		IgnoredSpeakers:          make(map[string]struct{}),
		ToolConfigPath:           envOr("MCP_CONFIG", "mcp.config.json"),
		HandshakeTimeout:         envDurationOr("MEETBRIDGE_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:           envDurationOr("MEETBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:           envDurationOr("MEETBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		OutboundQueue:            envIntOr("MEETBRIDGE_OUTBOUND_QUEUE", 256),
		MaxMessageBytes:          envInt64Or("MEETBRIDGE_MAX_MESSAGE_BYTES", 4<<20), // 4 MiB
		CloseOnControlDisconnect: envBoolOr("MEETBRIDGE_CLOSE_ON_CONTROL_DISCONNECT", true),
		EngineModel:              envOr("MEETBRIDGE_ENGINE_MODEL", "gemini-live-2.5-flash-preview"),
		EngineVoice:              envOr("MEETBRIDGE_ENGINE_VOICE", ""),
		EngineAPIKey:             envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", "")),
		DatabaseURL:              envOr("MEETBRIDGE_DATABASE_URL", ""),
		ReadHeaderTimeout:        envDurationOr("MEETBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:      envDurationOr("MEETBRIDGE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	speakers := DefaultIgnoredSpeakers
	if raw, ok := os.LookupEnv("MEETBRIDGE_IGNORED_SPEAKERS"); ok && strings.TrimSpace(raw) != "" {
		speakers = splitCSV(raw)
	}
	for _, s := range speakers {
		cfg.IgnoredSpeakers[s] = struct{}{}
	}

	if cfg.InputRate <= 0 {
		return Config{}, fmt.Errorf("MEETSTREAM_IN_RATE must be > 0")
	}
	if cfg.OutputRate <= 0 {
		return Config{}, fmt.Errorf("MEETSTREAM_OUT_RATE must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("MEETBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("MEETBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("MEETBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.OutboundQueue <= 0 {
		return Config{}, fmt.Errorf("MEETBRIDGE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("MEETBRIDGE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("MEETBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("MEETBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.EngineModel) == "" {
		return Config{}, fmt.Errorf("MEETBRIDGE_ENGINE_MODEL must not be empty")
	}

	return cfg, nil
}

// IsIgnoredSpeaker reports whether audio from name should be dropped.
func (c Config) IsIgnoredSpeaker(name string) bool {
	_, ok := c.IgnoredSpeakers[name]
	return ok
}

// RequireEngineKey fails when no engine credential is configured.
func (c Config) RequireEngineKey() error {
	if strings.TrimSpace(c.EngineAPIKey) == "" {
		return fmt.Errorf("GEMINI_API_KEY or GOOGLE_API_KEY must be set")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
