// Package internal provides the main application initialization and runtime logic.
package internal

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
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/cache"
	"github.com/starford/ansuz/internal/events"
	"github.com/starford/ansuz/internal/execute"
	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/reason"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/synth"
)

// core holds the wired application components shared by the serve,
// ask, build, and mcp entry points.
type core struct {
	cfg       *Config
	logger    *slog.Logger
	library   storage.Provider
	db        *knowledge.DB
	cache     *cache.Store
	gateway   *llm.Gateway
	builder   *knowledge.Builder
	loop      *reason.Loop
	artifacts *synth.Store
	generator *synth.Generator
	gate      *execute.Gate
	dispatch  *execute.Dispatcher
}

func (c *core) close() {
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			c.logger.Warn("cache close failed", slog.String("error", err.Error()))
		}
	}
	if c.db != nil {
		c.db.Close()
	}
}

func newLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// newCore wires storage, the knowledge index, the LLM gateway, the
// reasoning loop, and the execution pipeline from configuration.
// progress may be nil.
func newCore(cfg *Config, logger *slog.Logger, progress reason.ProgressFunc) (*core, error) {
	if err := os.MkdirAll(cfg.Library.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	library, err := storage.NewFS(cfg.Library.Path)
	if err != nil {
		return nil, fmt.Errorf("init library storage: %w", err)
	}

	db, err := knowledge.Open(cfg.SQLite.KnowledgePath)
	if err != nil {
		return nil, fmt.Errorf("init knowledge index: %w", err)
	}

	store, err := cache.Open(cfg.SQLite.CachePath, cfg.SQLite.CacheTTL())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init response cache: %w", err)
	}

	providers := make([]llm.Provider, 0, len(cfg.LLM.Providers))
	for _, pc := range cfg.LLM.Providers {
		p, err := llm.NewOpenAIClient(pc.Name, os.ExpandEnv(pc.APIKey), pc.BaseURL)
		if err != nil {
			store.Close()
			db.Close()
			return nil, fmt.Errorf("init provider %q: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	gwOpts := []llm.GatewayOption{
		llm.WithCache(store),
		llm.WithLogger(logger),
	}
	if cfg.LLM.RetryAttempts > 0 {
		gwOpts = append(gwOpts, llm.WithRetry(cfg.LLM.RetryAttempts, time.Second, 8*time.Second))
	}
	gateway, err := llm.NewGateway(providers, cfg.LLM.RoutingTable(), gwOpts...)
	if err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	builder := knowledge.NewBuilder(gateway, db, cfg.Agent.ChunkSize, cfg.Agent.Parallel, logger)

	loop := reason.New(gateway, db, reason.Options{
		MaxDepth:       cfg.Agent.MaxDepth,
		StopConfidence: cfg.Agent.StopConfidence,
		Budget:         cfg.Agent.Budget(),
		Parallel:       cfg.Agent.Parallel,
		ChunkSize:      cfg.Agent.ChunkSize,
	}, logger, progress)

	if err := os.MkdirAll(cfg.Execution.ArtifactsPath, 0o755); err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	artifactFS, err := storage.NewFS(cfg.Execution.ArtifactsPath)
	if err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	artifacts := synth.NewStore(artifactFS)
	generator := synth.NewGenerator(gateway, artifacts, logger)

	var executors []execute.Executor
	if cfg.Execution.Local.Enabled {
		executors = append(executors, execute.NewLocalExecutor(
			artifacts, cfg.Execution.Local.Interpreter, cfg.Execution.Local.Timeout()))
	}
	if cfg.Execution.SSH.Enabled {
		executors = append(executors, execute.NewSSHExecutor(execute.SSHConfig{
			Addr:        cfg.Execution.SSH.Addr,
			User:        cfg.Execution.SSH.User,
			KeyFile:     cfg.Execution.SSH.KeyFile,
			Interpreter: cfg.Execution.SSH.Interpreter,
			Timeout:     cfg.Execution.SSH.Timeout(),
		}))
	}
	if cfg.Execution.HTTP.Enabled {
		executors = append(executors, execute.NewHTTPExecutor(
			cfg.Execution.HTTP.URL, cfg.Execution.HTTP.Token, cfg.Execution.HTTP.Timeout()))
	}

	return &core{
		cfg:       cfg,
		logger:    logger,
		library:   library,
		db:        db,
		cache:     store,
		gateway:   gateway,
		builder:   builder,
		loop:      loop,
		artifacts: artifacts,
		generator: generator,
		gate:      execute.NewGate(artifacts, logger),
		dispatch:  execute.NewDispatcher(artifacts, executors, logger),
	}, nil
}

// Run starts the HTTP server, the library watcher, and the event
// broker, and blocks until the context is cancelled or a shutdown
// signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config
	logger := newLogger(cfg)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("library_path", cfg.Library.Path),
		slog.String("knowledge_path", cfg.SQLite.KnowledgePath),
		slog.String("log_level", cfg.App.LogLevel.String()))

	broker := events.NewBroker(2 * time.Second)
	defer broker.Close()

	c, err := newCore(cfg, logger, func(sessionID string, state reason.State, depth int, detail string) {
		broker.PublishSessionProgress(sessionID, string(state), depth, detail)
	})
	if err != nil {
		return err
	}
	defer c.close()

	// Index new and changed books before accepting questions.
	if err := knowledge.Sync(ctx, c.builder, c.db, c.library, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	svc := api.NewService(c.db, c.loop, c.generator, c.artifacts, c.gate, c.dispatch, logger)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the library and re-index changed books.
	g.Go(func() error {
		return knowledge.Watch(gCtx, c.builder, c.db, c.library, cfg.Library.Path, logger, func(kind, path string) {
			broker.PublishLibraryEvent(kind, path)
		})
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// BuildKnowledge runs a one-shot library sync: parses every book,
// summarizes new or changed ones, and removes stale entries. force
// drops the stored index first so every book is re-summarized.
func BuildKnowledge(ctx context.Context, cfg *Config, force bool) error {
	logger := newLogger(cfg)

	c, err := newCore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer c.close()

	if force {
		books, err := c.db.ListBooks()
		if err != nil {
			return err
		}
		for _, b := range books {
			c.builder.PurgeSummaries(b.ID)
			if err := c.db.DeleteBook(b.ID); err != nil {
				return err
			}
		}
		logger.Info("forced rebuild", slog.Int("books_dropped", len(books)))
	}

	return knowledge.Sync(ctx, c.builder, c.db, c.library, logger)
}

// AskOptions controls what a command-line question produces beyond
// the session record. Execute implies Confirm implies Synthesize.
type AskOptions struct {
	Synthesize bool
	Confirm    bool
	Execute    bool
	Target     string
}

// Answer runs a single reasoning session from the command line and
// prints the session record, the artifact, and the execution result
// as JSON to stdout. Confirmation stays explicit: the artifact is
// only executed when the caller passed both Confirm and Execute.
func Answer(ctx context.Context, cfg *Config, question string, opts AskOptions) error {
	logger := newLogger(cfg)

	c, err := newCore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer c.close()

	if opts.Execute {
		opts.Confirm = true
	}
	if opts.Confirm {
		opts.Synthesize = true
	}
	if opts.Target == "" {
		opts.Target = "local"
	}

	rec, err := c.loop.Run(ctx, question)
	if err != nil {
		return err
	}

	out := struct {
		Session  *reason.Record  `json:"session"`
		Artifact *synth.Artifact `json:"artifact,omitempty"`
		Result   *execute.Result `json:"result,omitempty"`
	}{Session: rec}

	if opts.Synthesize {
		artifact, err := c.generator.Generate(ctx, rec)
		if err != nil {
			logger.Warn("synthesis failed", slog.String("error", err.Error()))
		} else {
			out.Artifact = artifact
		}
	}

	if out.Artifact != nil && opts.Confirm {
		artifact, err := c.gate.Confirm(out.Artifact.ID)
		if err != nil {
			return err
		}
		out.Artifact = artifact
	}

	if out.Artifact != nil && opts.Execute {
		result, err := c.dispatch.Execute(ctx, out.Artifact.ID, opts.Target)
		if err != nil {
			logger.Warn("execution failed", slog.String("error", err.Error()))
		} else {
			out.Result = result
			if runErr := result.Err(); runErr != nil {
				logger.Warn("run completed with failure", slog.String("error", runErr.Error()))
			}
			if artifact, err := c.artifacts.Get(out.Artifact.ID); err == nil {
				out.Artifact = artifact
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// RunMCP serves the knowledge library over the Model Context Protocol
// on stdin/stdout.
func RunMCP(_ context.Context, cfg *Config) error {
	// MCP talks JSON-RPC on stdout, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	c, err := newCore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer c.close()

	srv := mcpserver.New(c.db, c.loop)
	logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}

// RunRunner starts the standalone execution runner service used by
// the remote-http executor.
func RunRunner(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg)

	runner := execute.NewRunner(cfg.Runner.Token, cfg.Runner.Interpreter, cfg.Runner.MaxTimeout(), logger)

	httpServer := &http.Server{
		Addr:    cfg.Runner.Address(),
		Handler: runner.Router(),
	}

	logger.Info("Runner starting...", slog.String("address", cfg.Runner.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("runner server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
