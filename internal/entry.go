// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kalendae/internal/api"
	"github.com/starford/kalendae/internal/authz"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/importer"
	"github.com/starford/kalendae/internal/sse"
	"github.com/starford/kalendae/internal/storage"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger := NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.Bool("authz", cfg.Authz.Enabled),
		slog.Bool("importer", cfg.Importer.Enabled),
		slog.Int("max_instances", cfg.Expansion.MaxInstances),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker doubles as the engine's notification sink.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	engine, err := NewEngine(cfg, logger, append(app.serviceOptions, calendar.WithNotifier(broker))...)
	if err != nil {
		return err
	}
	defer engine.Close()
	svc := engine.Service

	apiRouter := api.NewRouter(svc, api.Auth{
		Enabled: cfg.Auth.AuthEnabled(),
		Tokens:  cfg.Auth.Tokens,
	}, broker.Handler(svc.CanRead))

	// Build chi router.
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
	r.Handle("/metrics", promhttp.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Scheduled tombstone purge.
	var scheduler *cron.Cron
	if cfg.Tombstones.PurgeSchedule != "" {
		scheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := scheduler.AddFunc(cfg.Tombstones.PurgeSchedule,
			purgeJob(ctx, svc, cfg.Tombstones.Retention, logger)); err != nil {
			return fmt.Errorf("schedule tombstone purge: %w", err)
		}
		scheduler.Start()
		logger.Info("Tombstone purge scheduled",
			slog.String("schedule", cfg.Tombstones.PurgeSchedule),
			slog.String("retention", cfg.Tombstones.Retention.String()))
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Drop-folder importer: initial sync, then watch.
	if cfg.Importer.Enabled {
		if err := os.MkdirAll(cfg.Importer.Path, 0o755); err != nil {
			return fmt.Errorf("create drop folder: %w", err)
		}
		files, err := storage.NewFS(cfg.Importer.Path)
		if err != nil {
			return fmt.Errorf("init drop folder: %w", err)
		}
		im := importer.New(svc, files, importer.Config{
			CollectionPrefix: cfg.Importer.CollectionPrefix,
			Logger:           logger,
			OnChange: func(kind, path string) {
				broker.Publish(sse.Event{Type: "file." + kind, Data: map[string]string{"path": path}})
			},
		})
		g.Go(func() error {
			ictx := authz.WithPrincipal(gCtx, cfg.Importer.Principal)
			if err := im.Sync(ictx); err != nil {
				logger.Warn("initial import failed", slog.String("error", err.Error()))
			}
			if err := im.Watch(ictx, files.Root()); err != nil {
				logger.Warn("drop folder watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
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
		stop()

		if scheduler != nil {
			<-scheduler.Stop().Done()
		}
		// Ends open event streams so Shutdown does not wait on them.
		broker.Close()

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
