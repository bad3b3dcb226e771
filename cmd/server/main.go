// CapyCode - voice coding coach server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/capycode/internal/api"
	"github.com/ashureev/capycode/internal/catalog"
	"github.com/ashureev/capycode/internal/coach"
	"github.com/ashureev/capycode/internal/config"
	"github.com/ashureev/capycode/internal/convai"
	"github.com/ashureev/capycode/internal/health"
	"github.com/ashureev/capycode/internal/identity"
	"github.com/ashureev/capycode/internal/live"
	"github.com/ashureev/capycode/internal/metrics"
	"github.com/ashureev/capycode/internal/middleware"
	"github.com/ashureev/capycode/internal/retention"
	"github.com/ashureev/capycode/internal/store"
	"github.com/ashureev/capycode/internal/voice"
	"github.com/ashureev/capycode/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	seeded, err := catalog.Seed(ctx, repo)
	if err != nil {
		slog.Error("Failed to seed course catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Course catalog ready", "seeded", seeded)

	reg := metrics.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	// Generation backends.
	svc, err := coach.NewServiceFromConfig(ctx, cfg.Generation, rec, logger)
	if err != nil {
		slog.Error("Failed to initialize generation service", "error", err)
		os.Exit(1)
	}
	limiter := coach.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	transcripts, err := voice.NewConversationLogger(voice.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	dialer := convai.NewDialer(convai.Config{
		URL:                 cfg.Voice.AgentURL,
		APIKey:              cfg.Voice.APIKey,
		ConnectTimeout:      cfg.Voice.ConnectTimeout,
		SpeakingQuietWindow: cfg.Voice.SpeakingQuietWindow,
		ToolTimeout:         cfg.Voice.ToolTimeout,
		Logger:              logger,
	})

	// Initialize services.
	sm := live.NewSessionManager()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg)
	healthHandler := api.NewHealthHandler(repo, sm)
	coachHandler := coach.NewHandler(svc, limiter, cfg.MaxRequestBody, rec)
	liveHandler := live.NewHandler(live.Options{
		Repo:          repo,
		Conversation:  dialer,
		Planner:       svc,
		Sessions:      sm,
		Voice:         cfg.Voice,
		Transcripts:   transcripts,
		Metrics:       rec,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	})

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler(reg))

	// Everything else resolves the learner first.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

		baseHandler.RegisterRoutes(r)
		coachHandler.RegisterRoutes(r)

		// WebSocket endpoint.
		r.Get("/ws/voice", liveHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start retention worker.
	retention.StartWorker(ctx, repo, cfg.StorageTTL, 0, sm.CloseSession)
	slog.Info("Retention worker started", "storage_ttl", cfg.StorageTTL)

	if cfg.GRPCHealthAddr != "" {
		healthSrv := health.NewServer(repo, 0, logger)
		go func() {
			if err := healthSrv.ListenAndServe(ctx, cfg.GRPCHealthAddr); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked sockets are not tracked by Shutdown.
	sm.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
