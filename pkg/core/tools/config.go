package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Kind is the transport a provider is reached over.
type Kind string

const (
	// KindStdio runs the provider as a child process speaking over pipes.
	KindStdio Kind = "stdio"
	// KindSSE connects to a remote server-sent-events endpoint.
	KindSSE Kind = "sse"
	// KindStreamableHTTP polls a remote streamable HTTP endpoint.
	KindStreamableHTTP Kind = "streamable_http"
)

const DefaultProviderTimeout = 60 * time.Second

// ParseKind accepts the spellings found in provider files.
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stdio":
		return KindStdio, true
	case "sse":
		return KindSSE, true
	case "stream", "streamable_http", "http":
		return KindStreamableHTTP, true
	default:
		return "", false
	}
}

type ProviderConfig struct {
	Name    string
	Kind    Kind
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

type fileEntry struct {
	Type    string            `mapstructure:"type"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout float64           `mapstructure:"timeout"`
}

// LoadConfig reads a provider file of the form
//
//	{"mcpServers": {"name": {"type": "stdio", "command": "npx", "args": [...]}}}
//
// String values have ${VAR} references expanded. Entries with an unknown type
// are logged and skipped. When the file is missing or yields no providers the
// built-in defaults are returned.
func LoadConfig(path string, logger *slog.Logger) ([]ProviderConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfgs, err := loadFile(path, logger)
	if err != nil {
		return nil, err
	}
	if len(cfgs) > 0 {
		logger.Info("loaded tool providers", "path", path, "providers", providerNames(cfgs))
		return cfgs, nil
	}
	cfgs = DefaultProviderConfigs()
	logger.Info("using default tool providers", "providers", providerNames(cfgs))
	return cfgs, nil
}

func loadFile(path string, logger *slog.Logger) ([]ProviderConfig, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat tool config %q: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tool config %q: %w", path, err)
	}

	var entries map[string]fileEntry
	if err := v.UnmarshalKey("mcpServers", &entries); err != nil {
		return nil, fmt.Errorf("decode tool config %q: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderConfig, 0, len(entries))
	for _, name := range names {
		e := entries[name]
		kind, ok := ParseKind(e.Type)
		if !ok {
			logger.Warn("unknown tool provider type", "provider", name, "type", e.Type)
			continue
		}
		cfg := ProviderConfig{
			Name:    name,
			Kind:    kind,
			Command: os.ExpandEnv(e.Command),
			URL:     os.ExpandEnv(e.URL),
			Timeout: DefaultProviderTimeout,
		}
		if e.Timeout > 0 {
			cfg.Timeout = time.Duration(e.Timeout * float64(time.Second))
		}
		for _, a := range e.Args {
			cfg.Args = append(cfg.Args, os.ExpandEnv(a))
		}
		if len(e.Env) > 0 {
			cfg.Env = make(map[string]string, len(e.Env))
			// Keys come back lower-cased from the config reader; environment
			// variable names are upper case by convention.
			for k, val := range e.Env {
				cfg.Env[strings.ToUpper(k)] = os.ExpandEnv(val)
			}
		}
		if len(e.Headers) > 0 {
			cfg.Headers = make(map[string]string, len(e.Headers))
			for k, val := range e.Headers {
				cfg.Headers[http.CanonicalHeaderKey(k)] = os.ExpandEnv(val)
			}
		}
		if err := cfg.validate(); err != nil {
			logger.Warn("invalid tool provider", "provider", name, "error", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (c ProviderConfig) validate() error {
	switch c.Kind {
	case KindStdio:
		if strings.TrimSpace(c.Command) == "" {
			return errors.New("command must not be empty")
		}
	case KindSSE, KindStreamableHTTP:
		if strings.TrimSpace(c.URL) == "" {
			return errors.New("url must not be empty")
		}
	default:
		return fmt.Errorf("unsupported kind %q", c.Kind)
	}
	return nil
}

// DefaultProviderConfigs returns the providers used without a config file:
// Framer over SSE when FRAMER_MCP_SSE_URL is set, n8n through mcp-remote when
// N8N_MCP_SSE_URL or N8N_MCP_REMOTE_URL is set, and Canva through mcp-remote.
func DefaultProviderConfigs() []ProviderConfig {
	var out []ProviderConfig
	pathEnv := map[string]string{"PATH": os.Getenv("PATH")}

	if u := strings.TrimSpace(os.Getenv("FRAMER_MCP_SSE_URL")); u != "" {
		out = append(out, ProviderConfig{
			Name:    "framer",
			Kind:    KindSSE,
			URL:     u,
			Timeout: 90 * time.Second,
		})
	}

	n8nURL := firstEnv("N8N_MCP_SSE_URL", "N8N_MCP_REMOTE_URL")
	if n8nURL != "" {
		args := []string{"-y", "mcp-remote", n8nURL}
		if tok := firstEnv("N8N_MCP_AUTH", "AUTH_TOKEN"); tok != "" {
			args = append(args, "--header", "Authorization: Bearer "+tok)
		}
		out = append(out, ProviderConfig{
			Name:    "n8n",
			Kind:    KindStdio,
			Command: "npx",
			Args:    args,
			Env:     pathEnv,
			Timeout: 120 * time.Second,
		})
	}

	out = append(out, ProviderConfig{
		Name:    "canva",
		Kind:    KindStdio,
		Command: "npx",
		Args:    []string{"-y", "mcp-remote@latest", "https://mcp.canva.com/mcp"},
		Env:     pathEnv,
		Timeout: 120 * time.Second,
	})
	return out
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func providerNames(cfgs []ProviderConfig) []string {
	names := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		names = append(names, c.Name)
	}
	return names
}
