// Brain orchestrator server: runs the event scheduler, the per-event
// LLM processor, the agent dispatch layer, and the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/darwin-ops/brain/pkg/api"
	"github.com/darwin-ops/brain/pkg/archive"
	"github.com/darwin-ops/brain/pkg/blackboard"
	"github.com/darwin-ops/brain/pkg/bridge"
	"github.com/darwin-ops/brain/pkg/broadcast"
	"github.com/darwin-ops/brain/pkg/config"
	"github.com/darwin-ops/brain/pkg/dispatch"
	"github.com/darwin-ops/brain/pkg/llm"
	"github.com/darwin-ops/brain/pkg/processor"
	"github.com/darwin-ops/brain/pkg/registry"
	"github.com/darwin-ops/brain/pkg/scheduler"
	"github.com/darwin-ops/brain/pkg/slack"
	"github.com/darwin-ops/brain/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting brain", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Blackboard (Redis)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	store := blackboard.New(rdb)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		pingCancel()
		slog.Error("Failed to reach redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	pingCancel()
	slog.Info("Connected to redis blackboard", "addr", cfg.Redis.Addr)

	// 3. Agent plumbing: task bridge, worker registry, UI broadcast hub
	taskBridge := bridge.New()
	pool := registry.New(taskBridge)
	hub := broadcast.NewHub()

	guard, err := dispatch.NewGuard(cfg.Dispatch.ForbiddenPatterns)
	if err != nil {
		slog.Error("Failed to compile forbidden patterns", "error", err)
		os.Exit(1)
	}
	dispatcher := dispatch.New(store, pool, taskBridge, hub, guard, &cfg.Dispatch)

	// 4. LLM chat adapter
	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	chat, err := llm.NewAnthropicFromAPIKey(apiKey, llm.Options{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// 5. Archive (optional Postgres long-term memory)
	var memory processor.Memory = archive.Disabled{}
	var eventStore archive.EventStore
	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, cfg.Archive.DSN)
		if err != nil {
			slog.Error("Failed to initialize archive", "error", err)
			os.Exit(1)
		}
		defer arch.Close()
		memory = arch
		eventStore = arch
		slog.Info("Connected to PostgreSQL archive")
	}

	// 6. Slack notifier (nil-safe when disabled)
	var notifier *slack.Service
	if cfg.Slack.Enabled {
		notifier = slack.NewService(slack.ServiceConfig{
			Token:   os.Getenv(cfg.Slack.TokenEnv),
			Channel: cfg.Slack.Channel,
		})
	}
	if notifier != nil {
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	} else {
		slog.Info("Slack notifications disabled")
	}

	// 7. Processor and scheduler
	proc := processor.New(store, chat, dispatcher, taskBridge, notifier, memory, hub, &cfg.LLM)
	sched := scheduler.New(store, proc, pool, hub, &cfg.Scheduler)
	sched.Start(ctx)
	defer sched.Stop()

	// 8. Retention sweeper: archive and expire closed events
	sweeper := archive.NewSweeper(store, eventStore, cfg.Redis.Retention, cfg.Scheduler.CleanupInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 9. HTTP server (non-blocking)
	server := api.NewServer(store, proc, pool, hub, hub, &cfg.HTTP)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Brain started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop accepting requests first, then the loops.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sweeper.Stop()
	sched.Stop()

	slog.Info("Shutdown complete")
}
