// wagate - multi-tenant WhatsApp gateway server
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
	"github.com/wagate/wagate/internal/api"
	"github.com/wagate/wagate/internal/config"
	"github.com/wagate/wagate/internal/middleware"
	"github.com/wagate/wagate/internal/notify"
	"github.com/wagate/wagate/internal/scheduler"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/store"
	"github.com/wagate/wagate/internal/wa"
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

	location, err := cfg.Location()
	if err != nil {
		slog.Error("Failed to resolve timezone", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "timezone", cfg.Timezone, "dev", cfg.IsDevelopment())

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

	if cfg.AdminAPIKey != "" {
		if err := repo.EnsureOwner(context.Background(), "admin", "Administrator", cfg.AdminAPIKey); err != nil {
			slog.Error("Failed to seed admin owner", "error", err)
			os.Exit(1)
		}
	}

	factory, err := wa.NewFactory(context.Background(), cfg.WADBPath)
	if err != nil {
		slog.Error("Failed to open credential container", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := factory.Close(); closeErr != nil {
			slog.Error("Failed to close credential container", "error", closeErr)
		}
	}()

	qrRenderer, err := wa.NewQRRenderer(cfg.QRDir, "/qr")
	if err != nil {
		slog.Error("Failed to initialize QR renderer", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	hub := notify.NewHub()

	manager := session.NewManager(repo, factory, hub, qrRenderer, session.Config{
		QRDebounce:      cfg.QRDebounce,
		InitConcurrency: cfg.InitConcurrency,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.InitSessions(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Session restore failed", "error", err)
		os.Exit(1)
	}
	manager.StartAutoReplyLoop(cfg.AutoReplyRefresh)

	dispatch := scheduler.New(repo, manager, scheduler.Config{
		TickInterval:    cfg.TickInterval,
		SendHourStart:   cfg.SendHourStart,
		SendHourEnd:     cfg.SendHourEnd,
		DailyLimit:      cfg.DailyMessageLimit,
		QuotaPolicy:     cfg.QuotaPolicy,
		MessageDelay:    cfg.MessageDelay,
		SessionDelay:    cfg.SessionDelay,
		MicroSleepEvery: cfg.MicroSleepEvery,
		MicroSleep:      cfg.MicroSleep,
		SessionBatch:    cfg.SessionBatch,
		ClaimBatch:      cfg.ClaimBatch,
		FailureBreaker:  cfg.FailureBreaker,
		Location:        location,
	})
	dispatch.Start()

	maintenance := scheduler.NewMaintenance(repo, manager, scheduler.MaintenanceConfig{
		SentRetention:        cfg.SentRetention,
		StaleRetention:       cfg.StaleRetention,
		StaleProcessingAfter: cfg.StaleProcessingAfter,
		Location:             location,
	})
	maintenance.Start()

	// Initialize handlers.
	handler := api.NewHandler(repo, manager, location)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	handler.RegisterRoutes(r)

	// WebSocket event stream.
	r.Get("/ws/events", hub.ServeHTTP)

	// QR challenge artifacts.
	r.Handle("/qr/*", http.StripPrefix("/qr/", http.FileServer(http.Dir(qrRenderer.Dir()))))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket subscribers hold long-lived connections
		IdleTimeout:  120 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	hub.Shutdown()

	if err := dispatch.Stop(shutdownCtx); err != nil {
		slog.Error("Scheduler stop failed", "error", err)
	}
	if err := maintenance.Stop(shutdownCtx); err != nil {
		slog.Error("Maintenance stop failed", "error", err)
	}
	if err := manager.CloseAll(shutdownCtx); err != nil {
		slog.Error("Session close failed", "error", err)
	}

	slog.Info("Server stopped successfully")
}
