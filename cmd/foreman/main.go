// Foreman coordinator server: dispatches coding tasks to a pool of worker
// agents, verifies their results, and retries or escalates failures.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgeworks/foreman/pkg/api"
	"github.com/forgeworks/foreman/pkg/bus"
	"github.com/forgeworks/foreman/pkg/config"
	"github.com/forgeworks/foreman/pkg/coordinator"
	"github.com/forgeworks/foreman/pkg/database"
	"github.com/forgeworks/foreman/pkg/models"
	"github.com/forgeworks/foreman/pkg/recovery"
	"github.com/forgeworks/foreman/pkg/registry"
	"github.com/forgeworks/foreman/pkg/taskstore"
	"github.com/forgeworks/foreman/pkg/verify"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"),
		"Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database + migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Coordination bus (shared pool + dedicated LISTEN connection)
	messageBus := bus.New(dbClient.DB(), dbConfig.DSN())

	// 4. Core components
	agentRegistry := registry.New(cfg.Coordinator.MaxAgents)
	store := taskstore.New(dbClient.DBX())
	verifier := verify.New(
		verify.WithTimeouts(cfg.Verify.CommandTimeout, cfg.Verify.TotalTimeout))
	recoveryManager := recovery.New(cfg.Coordinator.MaxAttempts)

	coord := coordinator.New(cfg, messageBus, agentRegistry, store, verifier, recoveryManager)
	coord.SetHandlers(coordinator.Handlers{
		OnEscalation: func(info models.EscalationInfo) {
			slog.Warn("Task escalated to operator",
				"task_id", info.TaskID,
				"attempts", len(info.Attempts),
				"suggested_actions", info.SuggestedActions)
		},
	})

	if err := coord.Start(ctx); err != nil {
		slog.Error("Failed to start coordinator", "error", err)
		os.Exit(1)
	}

	// 5. HTTP server
	httpServer := api.NewServer(":"+httpPort, coord, store, messageBus, dbClient)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Foreman started",
		"http_port", httpPort,
		"max_agents", cfg.Coordinator.MaxAgents)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-errCh:
		slog.Error("Shutting down after server error", "error", err)
	}

	// 7. Graceful shutdown: stop accepting requests, then stop scheduling.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	coord.Stop(shutdownCtx)
	slog.Info("Foreman stopped")
}
