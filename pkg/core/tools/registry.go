// Package tools connects to external tool providers and exposes their tools,
// together with a few local ones, to the engine.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/meetbridge/pkg/core/engine"
)

// ErrUnknownTool is returned by Call for names no connected provider offers.
var ErrUnknownTool = errors.New("tools: unknown tool")

const clientName = "meetbridge"

// mcpClient is the part of *client.Client the registry needs.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg ProviderConfig) (mcpClient, error)

// Provider is one configured tool provider.
type Provider struct {
	cfg       ProviderConfig
	client    mcpClient
	tools     []mcp.Tool
	connected bool
}

// ProviderStatus is a read-only view of a provider.
type ProviderStatus struct {
	Name      string   `json:"name"`
	Kind      Kind     `json:"kind"`
	Connected bool     `json:"connected"`
	Tools     []string `json:"tools,omitempty"`
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithBuiltins(b ...Builtin) Option {
	return func(r *Registry) { r.builtins = append(r.builtins, b...) }
}

// Registry owns the process's tool providers. ConnectAll runs the connection
// attempts once; later calls return immediately.
type Registry struct {
	logger   *slog.Logger
	dial     dialFunc
	builtins []Builtin

	once sync.Once

	mu        sync.RWMutex
	providers []*Provider
	connected bool
}

var _ engine.Toolbox = (*Registry)(nil)

func New(cfgs []ProviderConfig, opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default(),
		dial:   dialMCP,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, c := range cfgs {
		r.providers = append(r.providers, &Provider{cfg: c})
	}
	return r
}

// ConnectAll connects every configured provider concurrently. Failures are
// logged and the failed providers are dropped. It never returns an error so
// that a broken provider cannot block session creation.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	done := r.connected
	r.mu.RUnlock()
	if done {
		return
	}
	r.once.Do(func() { r.connectAll(ctx) })
}

func (r *Registry) connectAll(ctx context.Context) {
	r.mu.RLock()
	pending := append([]*Provider(nil), r.providers...)
	r.mu.RUnlock()

	r.logger.Info("connecting tool providers", "providers", len(pending))

	var g errgroup.Group
	for _, p := range pending {
		g.Go(func() error {
			if err := r.connectOne(ctx, p); err != nil {
				r.logger.Error("tool provider connect failed", "provider", p.cfg.Name, "kind", p.cfg.Kind, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	kept := r.providers[:0]
	for _, p := range r.providers {
		if p.connected {
			kept = append(kept, p)
		}
	}
	r.providers = kept
	r.connected = true
	r.mu.Unlock()

	r.logger.Info("tool providers connected", "connected", len(kept), "configured", len(pending))
}

func (r *Registry) connectOne(ctx context.Context, p *Provider) error {
	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := r.dial(ctx, p.cfg)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	r.mu.Lock()
	p.client = c
	p.tools = res.Tools
	p.connected = true
	r.mu.Unlock()

	r.logger.Info("tool provider connected", "provider", p.cfg.Name, "tools", len(res.Tools))
	return nil
}

// dialMCP builds and starts the client for cfg. Remote transports keep their
// stream open past the connect deadline in ctx; Close ends it.
func dialMCP(ctx context.Context, cfg ProviderConfig) (mcpClient, error) {
	streamCtx := context.WithoutCancel(ctx)
	switch cfg.Kind {
	case KindStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case KindSSE:
		c, err := client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
		if err != nil {
			return nil, err
		}
		if err := c.Start(streamCtx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("start sse transport: %w", err)
		}
		return c, nil
	case KindStreamableHTTP:
		opts := []transport.StreamableHTTPCOption{transport.WithHTTPHeaders(cfg.Headers)}
		if cfg.Timeout > 0 {
			opts = append(opts, transport.WithHTTPTimeout(cfg.Timeout))
		}
		c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(streamCtx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("start http transport: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
}

// Providers reports the providers currently held. After ConnectAll only the
// connected ones remain.
func (r *Registry) Providers() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		st := ProviderStatus{Name: p.cfg.Name, Kind: p.cfg.Kind, Connected: p.connected}
		for _, t := range p.tools {
			st.Tools = append(st.Tools, t.Name)
		}
		out = append(out, st)
	}
	return out
}

// Declarations lists the local tools followed by every connected provider's
// tools. When two providers offer the same name the first one wins.
func (r *Registry) Declarations(ctx context.Context) ([]engine.ToolDeclaration, error) {
	seen := make(map[string]struct{})
	var out []engine.ToolDeclaration
	for _, b := range r.builtins {
		seen[b.Name] = struct{}{}
		out = append(out, engine.ToolDeclaration{Name: b.Name, Description: b.Description, Parameters: b.Parameters})
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if !p.connected {
			continue
		}
		for _, t := range p.tools {
			if _, dup := seen[t.Name]; dup {
				r.logger.Warn("duplicate tool name ignored", "tool", t.Name, "provider", p.cfg.Name)
				continue
			}
			seen[t.Name] = struct{}{}
			out = append(out, engine.ToolDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  inputSchema(t),
			})
		}
	}
	return out, nil
}

func inputSchema(t mcp.Tool) any {
	data, err := json.Marshal(t)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var doc struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.InputSchema == nil {
		return map[string]any{"type": "object"}
	}
	return doc.InputSchema
}

// Call runs the named tool. Provider results carrying structured content are
// returned as decoded JSON; otherwise the text parts are joined.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	for _, b := range r.builtins {
		if b.Name == name {
			return b.Call(ctx, args)
		}
	}

	c, provider := r.owner(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, provider, err)
	}
	text := resultText(res)
	if res.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", name, text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

func (r *Registry) owner(name string) (mcpClient, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if !p.connected {
			continue
		}
		for _, t := range p.tools {
			if t.Name == name {
				return p.client, p.cfg.Name
			}
		}
	}
	return nil, ""
}

func resultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		parts = append(parts, mcp.GetTextFromContent(c))
	}
	return strings.Join(parts, "\n")
}

// Close shuts down every connected provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result *multierror.Error
	for _, p := range r.providers {
		if p.client == nil {
			continue
		}
		if err := p.client.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", p.cfg.Name, err))
		}
		p.client = nil
		p.connected = false
	}
	return result.ErrorOrNil()
}
