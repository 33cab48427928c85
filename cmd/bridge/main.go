package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/insight-digger/mcp-bridge/internal/audit"
	"github.com/insight-digger/mcp-bridge/internal/bridge"
	"github.com/insight-digger/mcp-bridge/internal/config"
	"github.com/insight-digger/mcp-bridge/internal/events"
	"github.com/insight-digger/mcp-bridge/internal/reaper"
	"github.com/insight-digger/mcp-bridge/internal/registry"
	"github.com/insight-digger/mcp-bridge/internal/session"
	"github.com/insight-digger/mcp-bridge/internal/worker"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	// --- Redis (session system of record) ---
	store, err := session.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionKeyPrefix, cfg.SessionIdleTTL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- NATS (lifecycle events, optional) ---
	var eventsClient *events.Client
	if cfg.NATSURL != "" {
		eventsConfig := events.DefaultConfig()
		eventsConfig.URL = cfg.NATSURL
		eventsClient, err = events.Connect(eventsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	// --- PostgreSQL (invocation audit log, optional) ---
	var auditStore *audit.Store
	if cfg.PostgresDSN != "" {
		m, err := migrate.New("file://migrations", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to prepare migrations: %v", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("failed to run migrations: %v", err)
		}

		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		auditStore = audit.NewStore(db)
	}

	manager := worker.NewManager(worker.Config{
		Command:      cfg.WorkerCommand,
		Args:         cfg.WorkerArgs,
		SpawnTimeout: cfg.SpawnTimeout,
		StopGrace:    cfg.StopGrace,
	})
	reg := registry.New()
	coordinator := bridge.New(store, reg, manager, eventsClient, auditStore, cfg.InvokeTimeout, cfg.SensitiveParams)

	log.Printf("MCP bridge starting")
	log.Printf("  listen_addr:    %s", cfg.ListenAddr)
	log.Printf("  redis_addr:     %s", cfg.RedisAddr)
	log.Printf("  worker_cmd:     %s", cfg.WorkerCommand)
	log.Printf("  idle_ttl:       %s", cfg.SessionIdleTTL)
	log.Printf("  reap_interval:  %s", cfg.ReapInterval)
	log.Printf("  invoke_timeout: %s", cfg.InvokeTimeout)
	log.Printf("  spawn_timeout:  %s", cfg.SpawnTimeout)
	if cfg.NATSURL != "" {
		log.Printf("  nats_url:       %s", cfg.NATSURL)
	}
	if cfg.PostgresDSN != "" {
		log.Printf("  audit:          enabled")
	}

	// Orphan reaper on its own goroutine, isolated from request handling.
	reapCtx, stopReaper := context.WithCancel(context.Background())
	go reaper.New(store, reg, manager, cfg.ReapInterval, eventsClient).Run(reapCtx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newMux(coordinator),
	}

	// Graceful shutdown: stop the reaper, stop any workers still
	// registered, drain the event bus, close stores.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		stopReaper()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		for _, entry := range reg.ListAll() {
			log.Printf("stopping worker pid=%d session=%s", entry.Handle.PID, entry.SessionID)
			manager.Stop(entry.Handle)
			reg.Unregister(entry.SessionID)
		}

		eventsClient.Close()
		if err := store.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
