package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/starford/kalendae/internal/authz"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/store"
)

// NewLogger builds the JSON logger used by every command.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

// Engine is an open store plus the calendar service running on it.
type Engine struct {
	Service *calendar.Service
	db      *store.DB
}

// NewEngine opens the configured store and builds the calendar service with
// the configured limits and access checker. Extra options are applied last.
func NewEngine(cfg *Config, logger *slog.Logger, extra ...calendar.Option) (*Engine, error) {
	db, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	opts := []calendar.Option{
		calendar.WithLimits(cfg.Expansion.Limits()),
		calendar.WithLogger(logger),
	}
	if cfg.Authz.Enabled {
		checker, err := authz.New(authz.Config{
			PolicyPath:  cfg.Authz.PolicyPath,
			DefaultRole: cfg.Authz.DefaultRole,
			Logger:      logger,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init authz: %w", err)
		}
		opts = append(opts, calendar.WithAccessChecker(checker))
	}
	opts = append(opts, extra...)

	return &Engine{Service: calendar.NewService(db, opts...), db: db}, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.db.Close()
}

// purgeJob returns the cron callback that hard-deletes stale tombstones.
func purgeJob(ctx context.Context, svc *calendar.Service, retention time.Duration, logger *slog.Logger) func() {
	return func() {
		n, err := svc.PurgeTombstones(ctx, retention)
		if err != nil {
			logger.Error("tombstone purge failed", slog.String("error", err.Error()))
			return
		}
		logger.Debug("tombstone purge finished", slog.Int("purged", n))
	}
}
