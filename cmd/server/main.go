package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/RichardoC/padi-relay/internal/api"
	"github.com/RichardoC/padi-relay/internal/config"
	"github.com/RichardoC/padi-relay/internal/conversation"
	"github.com/RichardoC/padi-relay/internal/db"
	"github.com/RichardoC/padi-relay/internal/history"
	"github.com/RichardoC/padi-relay/internal/llm"
	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relay-server",
		Short: "Streaming chat relay with persistent, paginated history",
		// Running without a subcommand serves.
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete messages left behind by interrupted conversation deletes",
		RunE:  runCleanup,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and opens the logger and database.
func setup() (config.Config, *zap.Logger, *db.Database, *metrics.Collector, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	collector := metrics.NewCollector()
	database, err := db.Open(cfg.Database.Path, collector)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Database.Path))
		_ = logger.Sync()
		return config.Config{}, nil, nil, nil, err
	}

	return cfg, logger, database, collector, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, database, collector, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer database.Close()

	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn("no auth tokens configured, every request will be rejected")
	}

	gateway, err := llm.NewGateway(cfg.Upstream, logger)
	if err != nil {
		return fmt.Errorf("initialize upstream gateway: %w", err)
	}

	registry := conversation.NewRegistry(database, logger)
	store := history.New(database, history.WithPageSizes(cfg.History.DefaultPageSize, cfg.History.MaxPageSize))
	rly := relay.New(registry, store, gateway, logger, collector)
	auth := api.NewTokenAuthenticator(cfg.Auth.Tokens)

	handler := api.NewHandler(registry, store, rly, auth, collector, logger, api.Options{
		PingInterval:   cfg.Server.WSPingInterval,
		TurnQueue:      cfg.Server.TurnQueue,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// Streams run over hijacked WebSocket connections, which the write
		// timeout does not cover.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("upstream_driver", cfg.Upstream.Driver),
			zap.String("default_model", cfg.Upstream.DefaultModel))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	_, logger, database, _, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer database.Close()

	n, err := conversation.NewRegistry(database, logger).CleanupOrphans(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphan messages\n", n)
	return nil
}
