package calendar

import (
	"context"
	"fmt"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/metrics"
	"github.com/starford/kalendae/internal/models"
)

// Decision is the outcome of one access check. Token is opaque to the
// engine and handed back to callers with each result.
type Decision struct {
	Allowed bool
	Token   string
}

// AccessChecker evaluates a privilege on a master. When definite is set the
// caller needs an answer either way; otherwise a denial may be silent.
type AccessChecker interface {
	Check(ctx context.Context, m *models.Master, priv models.Privilege, definite bool) (Decision, error)
}

// AllowAll grants every privilege.
type AllowAll struct{}

// Check implements AccessChecker.
func (AllowAll) Check(context.Context, *models.Master, models.Privilege, bool) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// ContentFilter is a caller-supplied predicate over resolved items.
type ContentFilter interface {
	Matches(item models.Item) bool
}

// FilterFunc adapts a function to ContentFilter.
type FilterFunc func(item models.Item) bool

// Matches implements ContentFilter.
func (f FilterFunc) Matches(item models.Item) bool { return f(item) }

// SummaryContains matches items whose effective summary contains sub.
func SummaryContains(sub string) ContentFilter {
	return FilterFunc(func(item models.Item) bool {
		v, _ := item.Value(models.FieldSummary)
		return containsFold(v, sub)
	})
}

// require checks priv on m and turns a denial into apperr.ErrAccessDenied.
func (s *Service) require(ctx context.Context, m *models.Master, priv models.Privilege) (Decision, error) {
	d, err := s.access.Check(ctx, m, priv, true)
	if err != nil {
		return d, fmt.Errorf("calendar: access check: %w", err)
	}
	if !d.Allowed {
		metrics.AccessDenied.WithLabelValues(string(priv)).Inc()
		return d, fmt.Errorf("%w: %s on %s", apperr.ErrAccessDenied, priv, m.ColPath)
	}
	return d, nil
}

// allowed checks priv on m without demanding an answer; denied candidates
// are dropped by the caller.
func (s *Service) allowed(ctx context.Context, m *models.Master, priv models.Privilege) (Decision, error) {
	d, err := s.access.Check(ctx, m, priv, false)
	if err != nil {
		return d, fmt.Errorf("calendar: access check: %w", err)
	}
	if !d.Allowed {
		metrics.AccessDenied.WithLabelValues(string(priv)).Inc()
	}
	return d, nil
}

// CanRead reports whether the caller may read collection colPath. Change
// streams use it to hide other principals' collections.
func (s *Service) CanRead(ctx context.Context, colPath string) bool {
	d, err := s.access.Check(ctx, &models.Master{ColPath: colPath}, models.PrivilegeRead, false)
	return err == nil && d.Allowed
}
