package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	ahttp "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/http"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/membroker"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/mcp"
	a2anats "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/nats"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/natskv"
	a2aotel "github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/otel"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/postgres"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/ristretto"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/sse"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/tiered"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/adapter/ws"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/config"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/logger"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/middleware"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/a2a"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/broker"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/cache"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/port/taskstore"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/resilience"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/secrets"
	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-secret" {
		if err := runHashSecret(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigFile, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"remote_agents", len(cfg.Agents),
		"durable_broker", cfg.Broker.Durable,
		"archive", cfg.Postgres.Enabled,
	)

	ctx := context.Background()

	// --- Telemetry ---
	providers, err := a2aotel.Init(ctx, cfg.Telemetry, cfg.Logging.Service, cfg.Agent.Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := a2aotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Broker ---
	var bus broker.Broker = membroker.New(membroker.Options{
		QueueSize:    cfg.Broker.QueueSize,
		Policy:       membroker.Policy(cfg.Broker.Policy),
		BlockTimeout: cfg.Broker.PublishTimeout,
	})
	defer func() { _ = bus.Close() }()

	var natsConn *a2anats.Conn
	if cfg.Broker.Durable {
		natsConn, err = a2anats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsConn.Close() }()
		bus = a2anats.NewMirror(bus, natsConn)
		slog.Info("durable event mirror enabled", "url", cfg.NATS.URL)
	}

	// --- Task archive ---
	var archive taskstore.Store
	if cfg.Postgres.Enabled {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		archive = postgres.NewStore(pool)
		slog.Info("task archive enabled")
	}

	// --- Services ---
	hub := ws.NewHub()
	streams := sse.New(sse.Options{
		ReplayDepth:       cfg.Stream.ReplayDepth,
		QueueSize:         cfg.Stream.QueueSize,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		Metrics:           metrics,
	})

	tasks := service.NewTaskService(cfg.Tasks, cfg.Worker.MaxReassigns, streams, bus, hub, archive, metrics)
	registry := service.NewRegistry(tasks, bus, cfg.Router.MaxConcurrent)

	echoID, echoHandler := service.EchoAgent()
	if err := registry.Register(echoID, nil, echoHandler); err != nil {
		return fmt.Errorf("register echo agent: %w", err)
	}
	if err := registry.SetFallback(echoID.Name); err != nil {
		return fmt.Errorf("set fallback: %w", err)
	}

	if cfg.MCP.Enabled() {
		bridge, err := buildToolBridge(ctx, cfg, natsConn, metrics)
		if err != nil {
			return err
		}
		defer func() { _ = bridge.Close() }()
		toolID, match, toolHandler := service.ToolAgent(bridge)
		if err := registry.Register(toolID, match, toolHandler); err != nil {
			return fmt.Errorf("register tool agent: %w", err)
		}
		slog.Info("mcp tool bridge enabled", "transport", cfg.MCP.Transport)
	}

	if err := service.RegisterRemoteAgents(registry, cfg.Agents); err != nil {
		return fmt.Errorf("register remote agents: %w", err)
	}

	workers := service.NewWorkerService(cfg.Worker, tasks, registry, hub, metrics)
	tasks.SetOnPending(workers.Wake)

	// --- Background loops ---
	stopGC := tasks.StartGC(ctx)
	defer stopGC()
	stopArchiver := tasks.StartArchiver(ctx)
	defer stopArchiver()
	stopSweeper := workers.StartSweeper(ctx)
	defer stopSweeper()

	if err := registry.AttachInboxes(ctx); err != nil {
		return fmt.Errorf("attach inboxes: %w", err)
	}
	defer registry.DetachInboxes()

	// --- HTTP ---
	dispatcher := a2a.NewDispatcher(tasks, registry, streams, cfg.Tasks.SendWait, metrics)
	rpc := a2a.NewHandler(dispatcher, a2a.BuildCard(*cfg, registry), streams)

	handlers := ahttp.NewHandlers(tasks, workers, registry)
	handlers.Archive = archive
	handlers.Streams = streams
	handlers.Hub = hub
	handlers.Version = cfg.Agent.Version

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopLimiter := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopLimiter()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a2aotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(ahttp.CORS(cfg.Server.CORSOrigin))
	r.Use(ahttp.SecurityHeaders)
	r.Use(ahttp.Logger)
	r.Use(limiter.Handler)
	r.Use(chimw.Recoverer)

	if natsConn != nil {
		kv, err := natsConn.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
		if err != nil {
			return fmt.Errorf("idempotency bucket: %w", err)
		}
		r.Use(middleware.Idempotency(kv))
	}

	r.Get("/ws", hub.HandleWS)
	rpc.MountRoutes(r)
	ahttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	// WriteTimeout stays 0: SSE streams and long polls hold the response
	// open far beyond any fixed bound.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// buildToolBridge assembles the MCP bridge with its breaker and tool-list
// cache: L1 in-process, tiered with a NATS KV level when available.
func buildToolBridge(ctx context.Context, cfg *config.Config, natsConn *a2anats.Conn, metrics *a2aotel.Metrics) (*mcp.Bridge, error) {
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("tool cache: %w", err)
	}

	var toolCache cache.Cache = l1
	if natsConn != nil {
		kv, err := natsConn.KeyValue(ctx, "a2a_tool_cache", cfg.MCP.ToolListTTL)
		if err != nil {
			return nil, fmt.Errorf("tool cache bucket: %w", err)
		}
		toolCache = tiered.New(l1, natskv.New(kv), cfg.MCP.ToolListTTL)
	}

	mcpCfg, err := resolveMCPSecrets(cfg.MCP)
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	bridge, err := mcp.New(mcpCfg, breaker, toolCache, metrics)
	if err != nil {
		return nil, fmt.Errorf("mcp bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp bridge start: %w", err)
	}
	return bridge, nil
}

// resolveMCPSecrets expands $NAME references in the MCP header and env maps
// from the process environment, keeping tokens out of config files.
func resolveMCPSecrets(mc config.MCP) (config.MCP, error) {
	names := secrets.Refs(mc.Headers, mc.Env)
	if len(names) == 0 {
		return mc, nil
	}
	vault, err := secrets.NewVault(secrets.EnvLoader(names...))
	if err != nil {
		return config.MCP{}, fmt.Errorf("mcp secrets: %w", err)
	}
	if mc.Headers, err = vault.Expand(mc.Headers); err != nil {
		return config.MCP{}, fmt.Errorf("mcp headers: %w", err)
	}
	if mc.Env, err = vault.Expand(mc.Env); err != nil {
		return config.MCP{}, fmt.Errorf("mcp env: %w", err)
	}
	return mc, nil
}
