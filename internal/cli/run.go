package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/acp-client/bridge/internal/broker"
	"github.com/acp-client/bridge/internal/config"
	"github.com/acp-client/bridge/internal/registry"
	"github.com/acp-client/bridge/internal/rpc"
	"github.com/acp-client/bridge/internal/session"
	"github.com/acp-client/bridge/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg)

	if cfg.StoreDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.StoreDSN), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New(cfg.RequestTimeout, logger)
	bk := broker.New(logger)
	core := session.New(session.Options{
		Store:            st,
		Registry:         reg,
		Broker:           bk,
		Logger:           logger,
		AgentCommand:     cfg.AgentCommand,
		DefaultCwd:       cfg.DefaultCwd,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	srv := rpc.NewServer(rpc.Options{
		Core:      core,
		Broker:    bk,
		Registry:  reg,
		Store:     st,
		Logger:    logger,
		StaticDir: cfg.StaticDir,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("acp-bridge starting", "version", version, "addr", cfg.Addr(), "agent_command", cfg.AgentCommand)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		core.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("bridge error", "error", err)
		os.Exit(1)
	}

	logger.Info("bridge stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
