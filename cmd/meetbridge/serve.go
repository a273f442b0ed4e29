package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/vango-go/meetbridge/pkg/core/engine"
	"github.com/vango-go/meetbridge/pkg/core/engine/gemini"
	"github.com/vango-go/meetbridge/pkg/core/tools"
	"github.com/vango-go/meetbridge/pkg/core/transcripts"
	"github.com/vango-go/meetbridge/pkg/gateway/config"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/meetbridge/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/meetbridge/pkg/gateway/server"
)

const toolHTTPTimeout = 15 * time.Second

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	newBackend   func(context.Context, config.Config, *slog.Logger) (*backend, error)
	listen       func(network, addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		newBackend: buildBackend,
		listen:     net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// backend is everything serve owns: the gateway plus the resources it closes
// on the way out.
type backend struct {
	gateway *gatewayserver.Server
	closers []func() error
}

func (b *backend) Close() error {
	var result *multierror.Error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func buildBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	if err := cfg.RequireEngineKey(); err != nil {
		return nil, err
	}

	opener, err := gemini.New(ctx, gemini.Config{
		APIKey: cfg.EngineAPIKey,
		Model:  cfg.EngineModel,
		Voice:  cfg.EngineVoice,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("engine client: %w", err)
	}

	toolRegistry, err := buildToolRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	b := &backend{closers: []func() error{toolRegistry.Close}}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.closers = append(b.closers, store.Close)

	var registry *sessions.Registry
	m := metrics.New("", func() int { return registry.Count() })
	registry = sessions.New(sessions.Config{
		InputRate:  cfg.InputRate,
		OutputRate: cfg.OutputRate,
	}, sessions.Deps{
		Opener: opener,
		Agent: engine.Agent{
			Name:         "Assistant",
			Instructions: engine.DefaultInstructions,
			Tools:        toolRegistry,
		},
		Tools:    toolRegistry,
		Observer: m,
		Recorder: store,
		Logger:   logger,
	})

	b.gateway = gatewayserver.New(cfg, gatewayserver.Deps{
		Registry:    registry,
		Tools:       toolRegistry,
		Transcripts: store,
		Metrics:     m,
	}, logger)
	return b, nil
}

func buildToolRegistry(cfg config.Config, logger *slog.Logger) (*tools.Registry, error) {
	providers, err := tools.LoadConfig(cfg.ToolConfigPath, logger)
	if err != nil {
		return nil, fmt.Errorf("tool providers: %w", err)
	}
	httpClient := &http.Client{Timeout: toolHTTPTimeout}
	return tools.New(providers,
		tools.WithLogger(logger),
		tools.WithBuiltins(tools.DefaultBuiltins(httpClient)...),
	), nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (transcripts.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("transcripts kept in memory")
		return transcripts.NewMemory(0), nil
	}
	store, err := transcripts.OpenPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	return store, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No read or write timeout: sockets are long-lived.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

type serveOptions struct {
	addr string
}

func newServeCmd(root *rootOptions, deps serveDeps) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(root.logFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.addr != "" {
				load := deps.loadConfig
				deps.loadConfig = func() (config.Config, error) {
					cfg, err := load()
					cfg.Addr = opts.addr
					return cfg, err
				}
			}
			return runServe(cmd.Context(), logger, deps)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides MEETBRIDGE_ADDR)")
	return cmd
}

func runServe(ctx context.Context, logger *slog.Logger, deps serveDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newBackend == nil {
		return errors.New("missing newBackend dependency")
	}
	if deps.listen == nil {
		return errors.New("missing listen dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b, err := deps.newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()
	gw := b.gateway

	ln, err := deps.listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting bridge", "addr", ln.Addr().String(),
		"input_rate", cfg.InputRate, "output_rate", cfg.OutputRate)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled; shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	notified := gw.NotifyDraining()
	logger.Info("draining", "sockets", notified)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	gw.WaitConnections(waitCtx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer closeCancel()
	if err := gw.CloseSessions(closeCtx); err != nil {
		logger.Warn("close sessions", "error", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}
