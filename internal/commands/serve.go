package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/ferry/internal/config"
	"github.com/dwsmith1983/ferry/internal/server"
	"github.com/dwsmith1983/ferry/internal/telemetry"
	"github.com/dwsmith1983/ferry/pkg/types"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd(version string) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ferry HTTP API and stage workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dir, version)
		},
	}
	addConfigFlag(cmd, &dir)
	return cmd
}

func telemetryConfig(cfg *types.Config, version string) telemetry.Config {
	tc := telemetry.Config{
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceVersion: version,
	}
	if cfg.Telemetry != nil && cfg.Telemetry.Endpoint != "" {
		tc.Endpoint = cfg.Telemetry.Endpoint
		tc.Insecure = cfg.Telemetry.Insecure
	}
	return tc
}

func runServe(ctx context.Context, dir, version string) error {
	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(os.Stderr, true, slog.LevelInfo)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetryConfig(cfg, version))
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return err
	}
	if err := rt.queue.Start(context.WithoutCancel(ctx)); err != nil {
		rt.close(context.Background())
		_ = shutdownTelemetry(context.Background())
		return fmt.Errorf("starting queue: %w", err)
	}

	addr := ":3000"
	var apiKey string
	var maxBody int64
	if cfg.Server != nil {
		if cfg.Server.Addr != "" {
			addr = cfg.Server.Addr
		}
		apiKey = cfg.Server.APIKey
		maxBody = cfg.Server.MaxRequestBody
	}
	srv := server.New(addr, rt.orch, rt.store, apiKey, maxBody, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		color.Yellow("\nShutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := rt.queue.Stop(shutdownCtx); err != nil {
		logger.Error("queue shutdown failed", "error", err)
	}
	rt.close(shutdownCtx)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	if serveErr != nil {
		return serveErr
	}
	color.Green("Server stopped gracefully")
	return nil
}
