// Command devgodzilla runs the protocol orchestrator core: the HTTP
// surface, the worker pool, and the durable queue they share.
//
// Exit codes: 0 ok, 1 runtime error, 2 configuration error, 3 missing
// dependency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apieng "github.com/devgodzilla/devgodzilla/internal/adapter/engine/api"
	clieng "github.com/devgodzilla/devgodzilla/internal/adapter/engine/cli"
	ideeng "github.com/devgodzilla/devgodzilla/internal/adapter/engine/idefile"
	dghttp "github.com/devgodzilla/devgodzilla/internal/adapter/http"
	"github.com/devgodzilla/devgodzilla/internal/adapter/memqueue"
	dgnats "github.com/devgodzilla/devgodzilla/internal/adapter/nats"
	"github.com/devgodzilla/devgodzilla/internal/adapter/postgres"
	"github.com/devgodzilla/devgodzilla/internal/adapter/redisqueue"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/git"
	"github.com/devgodzilla/devgodzilla/internal/logger"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/port/eventbus"
	"github.com/devgodzilla/devgodzilla/internal/port/queue"
	"github.com/devgodzilla/devgodzilla/internal/service"
	"github.com/devgodzilla/devgodzilla/internal/tracker"
	"github.com/devgodzilla/devgodzilla/internal/worker"
)

const (
	exitRuntime    = 1
	exitConfig     = 2
	exitDependency = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(exitConfig)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		if errors.Is(err, domain.ErrDependency) {
			os.Exit(exitDependency)
		}
		os.Exit(exitRuntime)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	store := postgres.NewStore(pool)

	var q queue.Queue
	if cfg.Redis.URL != "" {
		rq, err := redisqueue.New(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis queue: %w", err)
		}
		defer func() { _ = rq.Close() }()
		q = rq
		log.Info("redis queue connected")
	} else {
		q = memqueue.New()
		log.Warn("running with in-memory queue; jobs do not survive restarts")
	}

	var bus eventbus.Bus = eventbus.Nop{}
	if cfg.NATS.URL != "" {
		nb, err := dgnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nb.Close() }()
		bus = nb
		log.Info("nats event bus connected")
	}

	trk := tracker.Default()
	gitClient := git.NewClient(git.NewPool(cfg.Git.MaxConcurrent))
	if err := gitClient.CheckAvailable(); err != nil {
		return err
	}

	packs, err := policy.NewLoader(store)
	if err != nil {
		return fmt.Errorf("policy loader: %w", err)
	}

	// --- Engines ---

	engines := engine.NewRegistry()
	registerEngines(engines, cfg, trk)
	log.Info("engines registered", "default", engines.DefaultID())

	// --- Services ---

	svc := service.New(store, q, bus, engines, gitClient, packs, trk, *cfg, log)
	workers := worker.NewPool(q, svc, cfg.Worker, log)

	// --- HTTP ---

	handlers := &dghttp.Handlers{
		Svc:     svc,
		Store:   store,
		Queue:   q,
		Engines: engines,
		Tracker: trk,
	}

	r := chi.NewRouter()
	r.Use(dghttp.CORS("*"))
	r.Use(dghttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/health", healthHandler(ctx, q))
	dghttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := workers.Run(ctx); err != nil {
			errCh <- fmt.Errorf("worker pool: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		stop()
		shutdownHTTP(srv)
		return err
	}

	shutdownHTTP(srv)
	return nil
}

// registerEngines wires every configured adapter. The CLI engines cover
// local agent binaries; cursor drives an IDE through command files;
// opencode and copilot speak the OpenAI-compatible chat API.
func registerEngines(engines *engine.Registry, cfg *config.Config, trk *tracker.Tracker) {
	engines.Register(clieng.New(clieng.Config{
		ID:          "codex-cli",
		DisplayName: "Codex CLI",
		Binary:      "codex",
		BaseArgs:    []string{"exec"},
		ModelFlag:   "--model",
		SandboxFlag: "--sandbox",
	}, trk), cfg.Engines.Default == "codex-cli")

	engines.Register(clieng.New(clieng.Config{
		ID:             "claude-cli",
		DisplayName:    "Claude CLI",
		Binary:         "claude",
		BaseArgs:       []string{"-p"},
		ModelFlag:      "--model",
		PromptViaStdin: true,
	}, trk), cfg.Engines.Default == "claude-cli")

	engines.Register(ideeng.New("cursor-ide", "Cursor IDE", "devgodzilla", ""),
		cfg.Engines.Default == "cursor-ide")

	engines.Register(apieng.New(apieng.Config{
		ID:           "opencode",
		DisplayName:  "OpenCode",
		BaseURL:      cfg.Engines.OpenCodeBaseURL,
		APIKey:       cfg.Engines.OpenCodeAPIKey,
		Timeout:      cfg.Engines.OpenCodeTimeout,
		DefaultModel: "opencode-default",
	}), cfg.Engines.Default == "opencode")

	engines.Register(apieng.New(apieng.Config{
		ID:           "copilot",
		DisplayName:  "GitHub Copilot",
		BaseURL:      "https://api.githubcopilot.com",
		APIKey:       cfg.Engines.GitHubToken,
		DefaultModel: cfg.Engines.CopilotModel,
	}), cfg.Engines.Default == "copilot")
}

func healthHandler(ctx context.Context, q queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats, err := q.Stats(ctx)
		status := "ok"
		code := http.StatusOK
		if err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"queue":  stats,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func shutdownHTTP(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
