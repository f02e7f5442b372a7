package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
)

const productService = "kalendae"

// Encode writes the result set as one VCALENDAR. Master and overrides
// modes emit the master with its rule, followed by one RECURRENCE-ID
// component per live override. Expanded mode emits every occurrence as a
// standalone resolved component. Tombstones are skipped.
func Encode(w io.Writer, rs calendar.ResultSet) error {
	cal := ical.NewCalendarFor(productService)
	for _, r := range rs.Results {
		if r.Master == nil || r.Master.Tombstoned {
			continue
		}
		if r.Proxy != nil {
			addProxy(cal, r.Proxy, r.Master.Recurring)
			continue
		}
		addMaster(cal, r.Master)
		for _, o := range r.Overrides {
			if o.Tombstoned || !o.IsOverride {
				continue
			}
			addProxy(cal, &models.Proxy{Master: r.Master, Override: o}, true)
		}
	}
	if err := cal.SerializeTo(w); err != nil {
		return fmt.Errorf("ics: serialize: %w", err)
	}
	return nil
}

// EncodeObject writes a single master and its overrides.
func EncodeObject(w io.Writer, obj Object) error {
	return Encode(w, calendar.ResultSet{
		Mode:    models.ModeOverrides,
		Results: []calendar.Result{{Master: obj.Master, Overrides: obj.Overrides}},
	})
}

func addMaster(cal *ical.Calendar, m *models.Master) {
	ev := cal.AddEvent(m.UID)
	stamp(ev, m)
	setTime(ev, ical.ComponentPropertyDtStart, m.Start, m.TZID)
	setTime(ev, ical.ComponentPropertyDtEnd, m.End, m.TZID)
	setText(ev, m.Summary, m.Description, m.Location)
	setStatus(ev, m.Status, m.Transparency)
	if m.Rule != "" {
		ev.AddRrule(strings.TrimPrefix(m.Rule, "RRULE:"))
	}
	for _, d := range m.RDates {
		v, params := formatTime(d, m.TZID)
		ev.AddRdate(v, params...)
	}
	for _, d := range m.ExDates {
		v, params := formatTime(d, m.TZID)
		ev.AddExdate(v, params...)
	}
}

func addProxy(cal *ical.Calendar, p *models.Proxy, recurring bool) {
	m := p.Master
	ev := cal.AddEvent(m.UID)
	stamp(ev, m)
	if recurring {
		if rid, err := p.Occurrence().DateTime(); err == nil {
			v, params := formatTime(rid, m.TZID)
			ev.SetProperty(ical.ComponentPropertyRecurrenceId, v, params...)
		}
	}
	setTime(ev, ical.ComponentPropertyDtStart, p.Start(), m.TZID)
	setTime(ev, ical.ComponentPropertyDtEnd, p.End(), m.TZID)
	desc, _ := p.Value(models.FieldDescription)
	loc, _ := p.Value(models.FieldLocation)
	setText(ev, p.Summary(), desc, loc)
	setStatus(ev, p.Status(), p.Transparency())
}

func stamp(ev *ical.VEvent, m *models.Master) {
	if !m.Stamp.Modified.IsZero() {
		ev.SetDtStampTime(m.Stamp.Modified)
	}
}

func setTime(ev *ical.VEvent, prop ical.ComponentProperty, d models.DateTime, tzid string) {
	if d.IsZero() {
		return
	}
	v, params := formatTime(d, tzid)
	ev.SetProperty(prop, v, params...)
}

func setText(ev *ical.VEvent, summary, description, location string) {
	if summary != "" {
		ev.SetSummary(summary)
	}
	if description != "" {
		ev.SetDescription(description)
	}
	if location != "" {
		ev.SetLocation(location)
	}
}

func setStatus(ev *ical.VEvent, status models.Status, transp models.Transparency) {
	if status != "" {
		ev.SetStatus(ical.ObjectStatus(status))
	}
	if transp != "" {
		ev.SetProperty(ical.ComponentPropertyTransp, string(transp))
	}
}

// formatTime renders floating values without a zone, fixed values in their
// TZID when one is known, and UTC otherwise.
func formatTime(d models.DateTime, tzid string) (string, []ical.PropertyParameter) {
	if d.Floating {
		return d.Time.Format(layoutLocal), nil
	}
	if tzid != "" {
		if loc, err := time.LoadLocation(tzid); err == nil {
			return d.Time.In(loc).Format(layoutLocal), []ical.PropertyParameter{ical.WithTZID(tzid)}
		}
	}
	return d.Time.UTC().Format(layoutUTC), nil
}
