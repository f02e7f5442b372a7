// Package models defines the domain types for the calendar engine.
package models

import (
	"slices"
	"time"
)

// Status is the scheduling status of an event.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusTentative Status = "TENTATIVE"
	StatusCancelled Status = "CANCELLED"
)

// Transparency controls whether an event consumes busy time.
type Transparency string

const (
	TransparencyOpaque      Transparency = "OPAQUE"
	TransparencyTransparent Transparency = "TRANSPARENT"
)

// ModStamp is the modification stamp of a stored item. Seq is allocated
// from a store-wide monotonic sequence and doubles as the sync position.
type ModStamp struct {
	Modified time.Time `json:"modified"`
	Seq      int64     `json:"seq"`
}

// Master is the canonical, persisted form of a possibly repeating event.
type Master struct {
	ID           string       `json:"id"`
	ColPath      string       `json:"col_path"`
	UID          string       `json:"uid"`
	Name         string       `json:"name"`
	Summary      string       `json:"summary,omitempty"`
	Description  string       `json:"description,omitempty"`
	Location     string       `json:"location,omitempty"`
	Status       Status       `json:"status,omitempty"`
	Transparency Transparency `json:"transparency,omitempty"`
	Start        DateTime     `json:"start"`
	End          DateTime     `json:"end"`
	TZID         string       `json:"tzid,omitempty"`
	Rule         string       `json:"rule,omitempty"`
	RDates       []DateTime   `json:"rdates,omitempty"`
	ExDates      []DateTime   `json:"exdates,omitempty"`
	Recurring    bool         `json:"recurring"`
	Tombstoned   bool         `json:"tombstoned"`
	Stamp        ModStamp     `json:"stamp"`
}

// HasRecurrence reports whether the master carries a rule or added dates.
func (m *Master) HasRecurrence() bool {
	return m.Rule != "" || len(m.RDates) > 0
}

// Duration is the length of every occurrence of the master.
func (m *Master) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// Clone returns a deep copy of m.
func (m *Master) Clone() *Master {
	c := *m
	c.RDates = slices.Clone(m.RDates)
	c.ExDates = slices.Clone(m.ExDates)
	return &c
}

// ClearContent strips everything but identity, leaving a tombstone.
func (m *Master) ClearContent() {
	m.Summary = ""
	m.Description = ""
	m.Location = ""
	m.Status = ""
	m.Transparency = ""
	m.Rule = ""
	m.RDates = nil
	m.ExDates = nil
	m.Recurring = false
	m.Tombstoned = true
}

// Override is a sparse per-occurrence modification of a master. Nil fields
// fall through to the master.
type Override struct {
	ID           string        `json:"id"`
	MasterID     string        `json:"master_id"`
	RecurrenceID RecurrenceID  `json:"recurrence_id"`
	IsOverride   bool          `json:"is_override"`
	Tombstoned   bool          `json:"tombstoned,omitempty"`
	Transient    bool          `json:"-"`
	Start        *DateTime     `json:"start,omitempty"`
	End          *DateTime     `json:"end,omitempty"`
	Summary      *string       `json:"summary,omitempty"`
	Description  *string       `json:"description,omitempty"`
	Location     *string       `json:"location,omitempty"`
	Status       *Status       `json:"status,omitempty"`
	Transparency *Transparency `json:"transparency,omitempty"`
	Stamp        ModStamp      `json:"stamp"`
}

// Instance is a materialized occurrence pointer. Start and End are the
// resolved times: the override's when one is attached and moves it.
type Instance struct {
	ID           string       `json:"id"`
	MasterID     string       `json:"master_id"`
	RecurrenceID RecurrenceID `json:"recurrence_id"`
	Start        DateTime     `json:"start"`
	End          DateTime     `json:"end"`
	OverrideID   string       `json:"override_id,omitempty"`
}

// OccurrenceKey is the stable identity of one result: the master id plus
// the recurrence id, which is empty for non-recurring items.
type OccurrenceKey struct {
	MasterID     string
	RecurrenceID RecurrenceID
}

func (k OccurrenceKey) String() string {
	if k.RecurrenceID == "" {
		return k.MasterID
	}
	return k.MasterID + "/" + string(k.RecurrenceID)
}

// Less orders keys for deterministic pagination.
func (k OccurrenceKey) Less(o OccurrenceKey) bool {
	if k.MasterID != o.MasterID {
		return k.MasterID < o.MasterID
	}
	return k.RecurrenceID < o.RecurrenceID
}
