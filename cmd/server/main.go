// Amobagan - nutrition analysis relay server
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

	"github.com/Cybrite/project-amobagan/internal/api"
	"github.com/Cybrite/project-amobagan/internal/config"
	"github.com/Cybrite/project-amobagan/internal/credential"
	"github.com/Cybrite/project-amobagan/internal/identity"
	"github.com/Cybrite/project-amobagan/internal/metrics"
	"github.com/Cybrite/project-amobagan/internal/middleware"
	"github.com/Cybrite/project-amobagan/internal/nutrition"
	"github.com/Cybrite/project-amobagan/internal/retention"
	"github.com/Cybrite/project-amobagan/internal/speech"
	"github.com/Cybrite/project-amobagan/internal/store"
	"github.com/Cybrite/project-amobagan/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "analysis_url", cfg.Stream.URL)

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	synth, err := speech.New(speech.Config{
		Provider:  cfg.Speech.Provider,
		APIKey:    cfg.Speech.APIKey,
		VoiceID:   cfg.Speech.VoiceID,
		BaseURL:   cfg.Speech.BaseURL,
		CacheSize: cfg.Speech.CacheSize,
		CacheTTL:  cfg.Speech.CacheTTL,
	}, m)
	if err != nil {
		slog.Error("Failed to initialize speech provider", "error", err)
		os.Exit(1)
	}
	if synth == nil {
		slog.Info("Speech synthesis disabled (TTS_PROVIDER not set)")
	} else {
		slog.Info("Speech synthesis enabled", "provider", cfg.Speech.Provider)
	}

	var recorder nutrition.Recorder
	if cfg.ConsumptionAPIURL != "" {
		recorder = nutrition.NewAPIRecorder(cfg.ConsumptionAPIURL, nil)
		slog.Info("Consumption forwarding enabled", "url", cfg.ConsumptionAPIURL)
	}
	tracker := nutrition.NewTracker(repo, recorder, logger)

	// Initialize handlers.
	relay := api.NewHandler(api.Options{
		Repo:               repo,
		Sessions:           credential.NewSessionStore(),
		Tracker:            tracker,
		Speech:             synth,
		Metrics:            m,
		Stream:             cfg.Stream.ClientConfig(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Keepalive:          cfg.SSEKeepalive,
		Logger:             logger,
	})
	defer relay.Close()
	healthHandler := api.NewHealthHandler(repo)

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler(registry))

	// Relay routes use the identity middleware (no auth needed).
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		relay.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return retention.RunTTLWorker(gctx, repo, cfg.AnalysisTTL, retention.DefaultInterval)
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Wait for shutdown signal or a failed sibling.
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		// Streams end with Cancelled before the server waits on them.
		relay.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
