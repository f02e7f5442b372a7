// Package recur expands a master's repetition rule into bounded, ordered
// occurrence periods.
package recur

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/models"
)

const (
	defaultMaxInstances = 1000
	defaultMaxSpan      = 2 * 365 * 24 * time.Hour
)

// Limits caps a single expansion.
type Limits struct {
	// MaxInstances is the largest number of periods returned.
	MaxInstances int
	// MaxSpan bounds how far past the master's start expansion may reach.
	MaxSpan time.Duration
}

// DefaultLimits returns the system-wide caps used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxInstances: defaultMaxInstances, MaxSpan: defaultMaxSpan}
}

func (l Limits) normalized() Limits {
	if l.MaxInstances <= 0 {
		l.MaxInstances = defaultMaxInstances
	}
	if l.MaxSpan <= 0 {
		l.MaxSpan = defaultMaxSpan
	}
	return l
}

// Cap returns the effective instance cap.
func (l Limits) Cap() int { return l.normalized().MaxInstances }

// Covers reports whether t lies in the span an expansion from start can
// reach: not before start and not past start plus MaxSpan.
func (l Limits) Covers(start, t models.DateTime) bool {
	from, at := start.Instant(time.UTC), t.Instant(time.UTC)
	return !at.Before(from) && !at.After(from.Add(l.normalized().MaxSpan))
}

// Expansion is the result of expanding one master.
type Expansion struct {
	Periods []models.Period
	// Truncated is set when a cap stopped the expansion early.
	Truncated bool
}

// RecurrenceIDs returns the ids of all periods in order.
func (e Expansion) RecurrenceIDs() []models.RecurrenceID {
	out := make([]models.RecurrenceID, len(e.Periods))
	for i, p := range e.Periods {
		out[i] = p.RecurrenceID()
	}
	return out
}

// Expand produces the ordered, duplicate-free occurrence periods of m. The
// master's start is always the first candidate occurrence. A master with
// recurrence data that yields no periods returns apperr.ErrEmptyExpansion.
func Expand(m *models.Master, limits Limits) (Expansion, error) {
	limits = limits.normalized()
	if !m.HasRecurrence() {
		return Expansion{Periods: []models.Period{{Start: m.Start, End: m.End}}}, nil
	}

	loc, err := location(m)
	if err != nil {
		return Expansion{}, err
	}
	dtstart := m.Start.Instant(loc)
	if !m.Start.Floating {
		dtstart = dtstart.In(loc)
	}

	set := &rrule.Set{}
	set.DTStart(dtstart)
	if m.Rule != "" {
		opt, err := rrule.StrToROption(strings.TrimPrefix(strings.TrimSpace(m.Rule), "RRULE:"))
		if err != nil {
			return Expansion{}, fmt.Errorf("%w: recur: parse rule %q: %v", apperr.ErrInvalidInput, m.Rule, err)
		}
		opt.Dtstart = dtstart
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return Expansion{}, fmt.Errorf("%w: recur: build rule: %v", apperr.ErrInvalidInput, err)
		}
		set.RRule(r)
	}
	set.RDate(dtstart)
	for _, d := range m.RDates {
		set.RDate(align(d, m.Start.Floating, loc))
	}
	for _, d := range m.ExDates {
		set.ExDate(align(d, m.Start.Floating, loc))
	}

	horizon := dtstart.Add(limits.MaxSpan)
	dur := m.Duration()
	var out Expansion
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok {
			break
		}
		if t.After(horizon) {
			out.Truncated = true
			break
		}
		start := toDateTime(t, m.Start.Floating)
		p := models.Period{Start: start, End: start.Add(dur)}
		// Some rule libraries emit the first occurrence twice when DTSTART
		// also matches the rule; a repeat must not count against the cap.
		if n := len(out.Periods); n > 0 && out.Periods[n-1].RecurrenceID() == p.RecurrenceID() {
			continue
		}
		if len(out.Periods) == limits.MaxInstances {
			out.Truncated = true
			break
		}
		out.Periods = append(out.Periods, p)
	}

	if len(out.Periods) == 0 {
		return out, fmt.Errorf("%w: uid %s", apperr.ErrEmptyExpansion, m.UID)
	}
	return out, nil
}

// location picks the zone rule arithmetic runs in. Floating masters expand
// in UTC so wall-clock fields never shift.
func location(m *models.Master) (*time.Location, error) {
	if m.Start.Floating || m.TZID == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(m.TZID)
	if err != nil {
		return nil, fmt.Errorf("%w: recur: unknown tzid %q", apperr.ErrInvalidInput, m.TZID)
	}
	return loc, nil
}

func align(d models.DateTime, floating bool, loc *time.Location) time.Time {
	if floating {
		return models.FloatingAt(d.Instant(time.UTC)).Time
	}
	return d.Instant(loc).In(loc)
}

func toDateTime(t time.Time, floating bool) models.DateTime {
	if floating {
		return models.FloatingAt(t)
	}
	return models.Fixed(t)
}
