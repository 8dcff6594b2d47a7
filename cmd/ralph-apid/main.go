// ralph-apid is the control-plane daemon: it exposes the versioned rpc-v1
// JSON-RPC-over-HTTP surface and the events.v1 WebSocket stream described
// by internal/pipeline, internal/stream, and internal/streambus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralph-run/ralph-api/internal/apiconfig"
	"github.com/ralph-run/ralph-api/internal/observability"
	"github.com/ralph-run/ralph-api/internal/pipeline"
	"github.com/ralph-run/ralph-api/internal/stream"
	"github.com/ralph-run/ralph-api/internal/wsconfig"
)

var (
	workspaceRoot string
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "ralph-apid",
	Short: "ralph-apid - local-first control plane for the agentic workflow engine",
	Long: `ralph-apid serves the rpc-v1 JSON-RPC-over-HTTP API and the events.v1
WebSocket stream used to manage tasks, loop-merge workflows, planning
sessions, configuration, presets, and hat-graph collections.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rpc-v1 HTTP server and events.v1 stream transport",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "", "workspace root (defaults to the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)

	root := workspaceRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving workspace root: %w", err)
		}
		root = cwd
	}

	cfg, err := apiconfig.Load(root)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	provider, err := observability.NewProvider(ctx, "ralph-apid", pipeline.ServerVersion, observability.EndpointFromEnv())
	if err != nil {
		return fmt.Errorf("starting metrics provider: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics provider shutdown failed", "error", err)
		}
	}()

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing pipeline: %w", err)
	}
	p.SetMetrics(provider.Metrics)

	configWatcher, err := wsconfig.NewWatcher(p.ConfigDomain(), logger)
	if err != nil {
		logger.Warn("config file watcher disabled", "error", err)
	} else {
		configWatcher.Start(p.Streams())
		defer configWatcher.Stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth(p))
	mux.HandleFunc("GET /rpc/v1/capabilities", handleCapabilities(p))
	mux.HandleFunc("POST /rpc/v1", handleRPC(p))
	mux.Handle("GET /rpc/v1/stream", stream.NewServer(p, logger))

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ralph-apid listening", "addr", cfg.Addr(), "authMode", string(cfg.AuthMode), "workspaceRoot", cfg.WorkspaceRoot)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func handleHealth(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Health())
	}
}

func handleCapabilities(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Capabilities())
	}
}

func handleRPC(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readLimitedBody(w, r)
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error": map[string]any{"code": "INVALID_REQUEST", "message": err.Error(), "retryable": false},
			})
			return
		}
		status, envelope := p.HandleHTTPRequest(r.Context(), r, body)
		writeJSON(w, status, envelope)
	}
}

// maxRPCBodyBytes bounds a single rpc-v1 request body; requests are small
// control-plane envelopes, never bulk payloads.
const maxRPCBodyBytes = 4 << 20

func readLimitedBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limited := http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	defer limited.Close()
	return io.ReadAll(limited)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
