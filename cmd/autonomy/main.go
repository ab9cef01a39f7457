// Autonomy core server — appends session events, serializes per-session
// processing, and drives the outbox and timer loops.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/threadworks/autonomy/pkg/agent"
	"github.com/threadworks/autonomy/pkg/api"
	"github.com/threadworks/autonomy/pkg/config"
	"github.com/threadworks/autonomy/pkg/database"
	"github.com/threadworks/autonomy/pkg/queue"
	"github.com/threadworks/autonomy/pkg/services"
	"github.com/threadworks/autonomy/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configFile := flag.String("config",
		getEnv("CONFIG_FILE", "./config.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting autonomy core",
		"http_port", httpPort,
		"config_file", *configFile)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs migrations)
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

	// 3. Stores
	eventStore := store.NewEventStore(dbClient.DB())
	outboxStore := store.NewOutboxStore(dbClient.DB())
	timerStore := store.NewTimerStore(dbClient.DB())

	// 4. Collaborator client (agent service + message delivery)
	// Note: calls are lazy; nothing is dialed until the first event.
	agentURL := getEnv("AGENT_SERVICE_URL", "http://localhost:9090/v1/handle")
	deliveryURL := getEnv("DELIVERY_SERVICE_URL", "http://localhost:9091/v1/messages")
	collaborator := agent.NewWebhookClient(agentURL, deliveryURL, 60*time.Second)
	slog.Info("Collaborator client initialized",
		"agent_url", agentURL, "delivery_url", deliveryURL)

	// 5. Ingest pipeline. The queue's handler is the ingest service's
	// ProcessEvent, so the queue is attached after construction.
	ingest := services.NewIngestService(eventStore, outboxStore, timerStore, collaborator)
	eventQueue := queue.NewEventQueue(ingest.ProcessEvent)
	ingest.SetQueue(eventQueue)

	// 6. Background loops
	runner := queue.NewEffectRunner(outboxStore, collaborator, timerStore, cfg.Runner)
	runner.Start(ctx)

	promoter := queue.NewTimerPromoter(timerStore, ingest, cfg.Promoter)
	promoter.Start(ctx)

	// 7. HTTP server
	httpServer := api.NewServer(dbClient, ingest, eventStore, timerStore, eventQueue)
	httpServer.SetEffectRunner(runner)
	httpServer.SetTimerPromoter(promoter)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Autonomy core started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop intake loops first, then let queued events
	// drain, then close the HTTP server.
	promoter.Stop()
	runner.Stop()

	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	defer drainCancel()
	if err := eventQueue.Shutdown(drainCtx); err != nil {
		slog.Warn("Event queue drain incomplete", "error", err)
	} else {
		slog.Info("Event queue drained")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
