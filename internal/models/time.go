package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	floatingLayout = "2006-01-02T15:04:05"
	ridFixed       = "20060102T150405Z"
	ridFloating    = "20060102T150405"
)

// DateTime is a calendar timestamp tagged as floating (local, naive) or
// fixed (an absolute UTC instant). Floating values keep their wall-clock
// fields in the UTC location and carry no zone of their own.
type DateTime struct {
	Time     time.Time
	Floating bool
}

// Fixed returns a fixed DateTime for the instant t.
func Fixed(t time.Time) DateTime {
	return DateTime{Time: t.UTC()}
}

// FloatingAt returns a floating DateTime holding the wall clock of t.
func FloatingAt(t time.Time) DateTime {
	return DateTime{Time: wallClock(t), Floating: true}
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// IsZero reports whether d is unset.
func (d DateTime) IsZero() bool { return d.Time.IsZero() }

// Instant resolves d to an absolute time. Floating values are read as wall
// clock in loc (UTC when loc is nil).
func (d DateTime) Instant(loc *time.Location) time.Time {
	if !d.Floating {
		return d.Time
	}
	if loc == nil {
		loc = time.UTC
	}
	t := d.Time
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// Add shifts d by dur, keeping its kind.
func (d DateTime) Add(dur time.Duration) DateTime {
	return DateTime{Time: d.Time.Add(dur), Floating: d.Floating}
}

// Sub returns d-o, comparing stored values directly.
func (d DateTime) Sub(o DateTime) time.Duration { return d.Time.Sub(o.Time) }

// Equal reports whether d and o have the same kind and value.
func (d DateTime) Equal(o DateTime) bool {
	return d.Floating == o.Floating && d.Time.Equal(o.Time)
}

// Before compares stored values.
func (d DateTime) Before(o DateTime) bool { return d.Time.Before(o.Time) }

// Unix returns the storage encoding of d in seconds.
func (d DateTime) Unix() int64 { return d.Time.Unix() }

// FromUnix decodes a stored value.
func FromUnix(sec int64, floating bool) DateTime {
	return DateTime{Time: time.Unix(sec, 0).UTC(), Floating: floating}
}

// String renders fixed values as RFC 3339 in UTC and floating values
// without a zone designator.
func (d DateTime) String() string {
	if d.IsZero() {
		return ""
	}
	if d.Floating {
		return d.Time.Format(floatingLayout)
	}
	return d.Time.UTC().Format(time.RFC3339)
}

// ParseDateTime accepts RFC 3339 (fixed), a zone-less ISO timestamp
// (floating) and the iCalendar basic forms of both.
func ParseDateTime(s string) (DateTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DateTime{}, fmt.Errorf("models: empty date-time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Fixed(t), nil
	}
	if t, err := time.Parse(floatingLayout, s); err == nil {
		return DateTime{Time: t, Floating: true}, nil
	}
	if t, err := time.Parse(ridFixed, s); err == nil {
		return Fixed(t), nil
	}
	if t, err := time.Parse(ridFloating, s); err == nil {
		return DateTime{Time: t, Floating: true}, nil
	}
	if t, err := time.Parse("20060102", s); err == nil {
		return DateTime{Time: t, Floating: true}, nil
	}
	return DateTime{}, fmt.Errorf("models: unrecognised date-time %q", s)
}

// MarshalJSON implements json.Marshaler.
func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DateTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = DateTime{}
		return nil
	}
	v, err := ParseDateTime(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// RecurrenceID identifies one occurrence of a master by its nominal start.
type RecurrenceID string

// RecurrenceIDFor derives the recurrence id of an occurrence starting at d.
func RecurrenceIDFor(d DateTime) RecurrenceID {
	if d.Floating {
		return RecurrenceID(d.Time.Format(ridFloating))
	}
	return RecurrenceID(d.Time.UTC().Format(ridFixed))
}

// DateTime decodes the nominal start encoded in r.
func (r RecurrenceID) DateTime() (DateTime, error) {
	if strings.HasSuffix(string(r), "Z") {
		t, err := time.Parse(ridFixed, string(r))
		if err != nil {
			return DateTime{}, fmt.Errorf("models: recurrence id %q: %w", r, err)
		}
		return Fixed(t), nil
	}
	t, err := time.Parse(ridFloating, string(r))
	if err != nil {
		return DateTime{}, fmt.Errorf("models: recurrence id %q: %w", r, err)
	}
	return DateTime{Time: t, Floating: true}, nil
}

// ParseRecurrenceID normalises any accepted date-time spelling into a
// recurrence id.
func ParseRecurrenceID(s string) (RecurrenceID, error) {
	d, err := ParseDateTime(s)
	if err != nil {
		return "", err
	}
	return RecurrenceIDFor(d), nil
}

// Period is one expanded occurrence.
type Period struct {
	Start DateTime
	End   DateTime
}

// RecurrenceID returns the id of the occurrence starting the period.
func (p Period) RecurrenceID() RecurrenceID { return RecurrenceIDFor(p.Start) }

// TimeRange is a query window: From is inclusive, To is exclusive, either
// may be nil. Location maps the window onto floating wall-clock values.
type TimeRange struct {
	From     *time.Time
	To       *time.Time
	Location *time.Location
}

// Bounded reports whether at least one bound is set.
func (r TimeRange) Bounded() bool { return r.From != nil || r.To != nil }

// FixedBounds returns the bounds as UTC instants.
func (r TimeRange) FixedBounds() (from, to *time.Time) {
	if r.From != nil {
		t := r.From.UTC()
		from = &t
	}
	if r.To != nil {
		t := r.To.UTC()
		to = &t
	}
	return from, to
}

// FloatingBounds returns the bounds as wall clock in the range location.
func (r TimeRange) FloatingBounds() (from, to *time.Time) {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	if r.From != nil {
		t := wallClock(r.From.In(loc))
		from = &t
	}
	if r.To != nil {
		t := wallClock(r.To.In(loc))
		to = &t
	}
	return from, to
}

// Overlaps tests [start, end) against the window using the representation
// matching start. A zero-length item at From is included.
func (r TimeRange) Overlaps(start, end DateTime) bool {
	from, to := r.FixedBounds()
	if start.Floating {
		from, to = r.FloatingBounds()
	}
	if to != nil && !start.Time.Before(*to) {
		return false
	}
	if from != nil {
		if end.Time.After(*from) {
			return true
		}
		return start.Time.Equal(end.Time) && !end.Time.Before(*from)
	}
	return true
}
