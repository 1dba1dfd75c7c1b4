// Command pipelexd runs the pipeline engine's HTTP/WebSocket server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipelex/pipelex/config"
	"github.com/pipelex/pipelex/engine"
	"github.com/pipelex/pipelex/provider"
	"github.com/pipelex/pipelex/server"
	"github.com/pipelex/pipelex/tracestore"
)

// Set via ldflags at build time.
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pipelexd",
	Short:        "pipelexd runs the pipeline engine's HTTP/WebSocket server",
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("pipelexd version %s\n", version))
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides PIPELEX_LISTEN_ADDR)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("pipelexd: load config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ListenAddr = addr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		return fmt.Errorf("pipelexd: init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	shutdownMetrics, err := initMetrics(ctx)
	if err != nil {
		return fmt.Errorf("pipelexd: init metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	store, err := tracestore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("pipelexd: open trace store: %w", err)
	}
	defer store.Close()

	client := provider.New(provider.Credentials{
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		OllamaAPIKey:     cfg.OllamaAPIKey,
	})

	srv, err := server.NewServer(server.ServerConfig{
		Store:            store,
		Engine:           engine.New(),
		Client:           client,
		PresetsDir:       cfg.PresetsDir,
		DefaultModel:     "gpt-4o-mini",
		DiscoveryHostURL: cfg.DiscoveryHostURL,
		CORSOrigin:       cfg.CORSOrigin,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("pipelexd: build server: %w", err)
	}

	if err := srv.Init(ctx, cfg.ExamplesSeedFile); err != nil {
		return fmt.Errorf("pipelexd: server init: %w", err)
	}

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("pipelexd: listening", "addr", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("pipelexd: serve: %w", err)
		}
		return nil
	}
}
