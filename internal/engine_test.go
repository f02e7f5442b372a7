package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/authz"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Store.DSN = "sqlite://" + filepath.Join(t.TempDir(), "kalendae.db")
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewEngineWithAuthz(t *testing.T) {
	cfg := testConfig(t)
	cfg.Authz.Enabled = true
	cfg.Authz.DefaultRole = "member"

	engine, err := NewEngine(cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	m := &models.Master{
		ColPath: "/cal/alice", UID: "standup", Name: "standup.ics",
		Start: models.Fixed(start), End: models.Fixed(start.Add(time.Hour)),
	}
	ctx := authz.WithPrincipal(context.Background(), "bob")
	if _, err := engine.Service.AddMaster(ctx, m, nil, calendar.AddOptions{}); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Errorf("bob writing alice's calendar: err = %v, want access denied", err)
	}
	ctx = authz.WithPrincipal(context.Background(), "alice")
	if _, err := engine.Service.AddMaster(ctx, m, nil, calendar.AddOptions{}); err != nil {
		t.Errorf("alice writing own calendar: %v", err)
	}
}

func TestNewEngineBadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Authz.Enabled = true
	cfg.Authz.PolicyPath = filepath.Join(t.TempDir(), "missing.csv")
	if _, err := NewEngine(cfg, quietLogger()); err == nil {
		t.Error("expected error for missing policy file")
	}
}

func TestPurgeJob(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	engine, err := NewEngine(testConfig(t), quietLogger(), calendar.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()
	svc := engine.Service
	ctx := context.Background()

	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	m := &models.Master{
		ColPath: "/cal/alice", UID: "gone", Name: "gone.ics",
		Start: models.Fixed(start), End: models.Fixed(start.Add(time.Hour)),
	}
	added, err := svc.AddMaster(ctx, m, nil, calendar.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DeleteMaster(ctx, &models.Master{ID: added.Master.ID}, false); err != nil {
		t.Fatal(err)
	}

	job := purgeJob(ctx, svc, 24*time.Hour, quietLogger())
	job()
	q := calendar.KeyQuery{ColPath: "/cal/alice", UID: "gone", IncludeTombstoned: true}
	if _, err := svc.GetByKey(ctx, q); err != nil {
		t.Fatalf("fresh tombstone purged early: %v", err)
	}

	now = now.Add(48 * time.Hour)
	job()
	if _, err := svc.GetByKey(ctx, q); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stale tombstone still present: err = %v", err)
	}
}
