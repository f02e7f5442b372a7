// Package calendar is the recurring-event engine: it reconciles materialized
// instances against a master's rule, answers key, range and sync queries in
// master, overrides or expanded mode, and merges free/busy time.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/recur"
	"github.com/starford/kalendae/internal/store"
)

// Notifier receives change notifications after their unit of work commits.
type Notifier interface {
	Post(n models.Notification)
}

type discardNotifier struct{}

func (discardNotifier) Post(models.Notification) {}

// Service is the engine. It holds no per-request state and is safe for
// concurrent use; every operation runs in its own unit of work.
type Service struct {
	store     store.Store
	access    AccessChecker
	notifier  Notifier
	limits    recur.Limits
	logger    *slog.Logger
	uniqueUID func(colPath string) bool
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

// WithAccessChecker sets the privilege check applied to every candidate.
func WithAccessChecker(a AccessChecker) Option {
	return func(s *Service) { s.access = a }
}

// WithNotifier sets the sink for committed change notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLimits sets the expansion caps.
func WithLimits(l recur.Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithUniqueUID reports which collections require uids to be unique among
// their live masters. Names are always unique.
func WithUniqueUID(fn func(colPath string) bool) Option {
	return func(s *Service) { s.uniqueUID = fn }
}

// WithClock overrides the time source for modification stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an engine over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		access:    AllowAll{},
		notifier:  discardNotifier{},
		limits:    recur.DefaultLimits(),
		logger:    slog.Default(),
		uniqueUID: func(string) bool { return true },
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// unit is one unit of work: the store transaction plus the notifications
// to deliver if it commits.
type unit struct {
	tx      store.Tx
	pending []models.Notification
}

func (u *unit) notify(kind models.NotificationKind, m *models.Master) {
	u.pending = append(u.pending, models.Notification{
		Kind:     kind,
		MasterID: m.ID,
		ColPath:  m.ColPath,
		UID:      m.UID,
		Seq:      m.Stamp.Seq,
	})
}

// withTx runs fn in a fresh unit of work. An error from fn rolls back every
// write and drops queued notifications.
func (s *Service) withTx(ctx context.Context, fn func(u *unit) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	u := &unit{tx: tx}
	if err := fn(u); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("calendar: rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, n := range u.pending {
		s.notifier.Post(n)
	}
	return nil
}

// read runs fn in a unit of work that is always rolled back.
func (s *Service) read(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // read-only
	return fn(tx)
}

// stamp assigns the next modification stamp to m.
func (s *Service) stamp(ctx context.Context, u *unit, m *models.Master) error {
	seq, err := u.tx.NextSeq(ctx)
	if err != nil {
		return fmt.Errorf("calendar: allocate stamp: %w", err)
	}
	m.Stamp = models.ModStamp{Modified: s.now().UTC(), Seq: seq}
	return nil
}
