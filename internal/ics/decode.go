// Package ics converts between iCalendar payloads and the engine's masters,
// overrides and proxies.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"
	_ "time/tzdata"

	ical "github.com/arran4/golang-ical"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/models"
)

const (
	layoutUTC      = "20060102T150405Z"
	layoutLocal    = "20060102T150405"
	layoutDate     = "20060102"
	paramTZID      = "TZID"
	paramValue     = "VALUE"
	valueTypeDate  = "DATE"
	resourceSuffix = ".ics"
)

// Object is one calendar object resource: a master and the overrides that
// share its UID.
type Object struct {
	Master    *models.Master
	Overrides []*models.Override
}

// Decode parses a VCALENDAR payload into objects for the collection colPath.
// Components carrying a RECURRENCE-ID become overrides of the master with
// the same UID. Names default to the UID plus ".ics".
func Decode(r io.Reader, colPath string) ([]Object, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("%w: ics: parse calendar: %v", apperr.ErrInvalidInput, err)
	}

	byUID := make(map[string]*Object)
	var order []string
	group := func(uid string) *Object {
		obj, ok := byUID[uid]
		if !ok {
			obj = &Object{}
			byUID[uid] = obj
			order = append(order, uid)
		}
		return obj
	}

	for _, ve := range cal.Events() {
		uid := text(ve.GetProperty(ical.ComponentPropertyUniqueId))
		if uid == "" {
			return nil, fmt.Errorf("%w: ics: event without UID", apperr.ErrInvalidInput)
		}
		obj := group(uid)

		if rp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); rp != nil {
			o, err := decodeOverride(ve, rp)
			if err != nil {
				return nil, fmt.Errorf("ics: uid %s: %w", uid, err)
			}
			obj.Overrides = append(obj.Overrides, o)
			continue
		}
		if obj.Master != nil {
			return nil, fmt.Errorf("%w: ics: uid %s defined twice", apperr.ErrInvalidInput, uid)
		}
		m, err := decodeMaster(ve, colPath, uid)
		if err != nil {
			return nil, fmt.Errorf("ics: uid %s: %w", uid, err)
		}
		obj.Master = m
	}

	out := make([]Object, 0, len(order))
	for _, uid := range order {
		obj := byUID[uid]
		if obj.Master == nil {
			return nil, fmt.Errorf("%w: ics: uid %s has overrides but no master", apperr.ErrInvalidInput, uid)
		}
		out = append(out, *obj)
	}
	return out, nil
}

// ResourceName derives a collection-unique resource name from a UID.
func ResourceName(uid string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(uid) + resourceSuffix
}

func decodeMaster(ve *ical.VEvent, colPath, uid string) (*models.Master, error) {
	m := &models.Master{
		ColPath:      colPath,
		UID:          uid,
		Name:         ResourceName(uid),
		Summary:      text(ve.GetProperty(ical.ComponentPropertySummary)),
		Description:  text(ve.GetProperty(ical.ComponentPropertyDescription)),
		Location:     text(ve.GetProperty(ical.ComponentPropertyLocation)),
		Status:       models.Status(strings.ToUpper(text(ve.GetProperty(ical.ComponentPropertyStatus)))),
		Transparency: models.Transparency(strings.ToUpper(text(ve.GetProperty(ical.ComponentPropertyTransp)))),
	}

	sp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if sp == nil {
		return nil, fmt.Errorf("%w: missing DTSTART", apperr.ErrInvalidInput)
	}
	start, tzid, err := parseTime(sp.Value, sp.ICalParameters)
	if err != nil {
		return nil, err
	}
	m.Start = start
	m.TZID = tzid
	m.End = start
	if ep := ve.GetProperty(ical.ComponentPropertyDtEnd); ep != nil {
		if m.End, _, err = parseTime(ep.Value, ep.ICalParameters); err != nil {
			return nil, err
		}
	}

	if rp := ve.GetProperty(ical.ComponentPropertyRrule); rp != nil {
		m.Rule = strings.TrimSpace(rp.Value)
	}
	if m.RDates, err = dateList(ve.GetProperties(ical.ComponentPropertyRdate)); err != nil {
		return nil, err
	}
	if m.ExDates, err = dateList(ve.GetProperties(ical.ComponentPropertyExdate)); err != nil {
		return nil, err
	}
	m.Recurring = m.HasRecurrence()
	return m, nil
}

func decodeOverride(ve *ical.VEvent, rp *ical.IANAProperty) (*models.Override, error) {
	rid, _, err := parseTime(rp.Value, rp.ICalParameters)
	if err != nil {
		return nil, err
	}
	o := &models.Override{
		RecurrenceID: models.RecurrenceIDFor(rid),
		IsOverride:   true,
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		d, _, err := parseTime(p.Value, p.ICalParameters)
		if err != nil {
			return nil, err
		}
		o.Start = &d
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		d, _, err := parseTime(p.Value, p.ICalParameters)
		if err != nil {
			return nil, err
		}
		o.End = &d
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		v := ical.FromText(p.Value)
		o.Summary = &v
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		v := ical.FromText(p.Value)
		o.Description = &v
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		v := ical.FromText(p.Value)
		o.Location = &v
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		v := models.Status(strings.ToUpper(strings.TrimSpace(p.Value)))
		o.Status = &v
	}
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil {
		v := models.Transparency(strings.ToUpper(strings.TrimSpace(p.Value)))
		o.Transparency = &v
	}
	return o, nil
}

func text(p *ical.IANAProperty) string {
	if p == nil {
		return ""
	}
	return ical.FromText(strings.TrimSpace(p.Value))
}

// parseTime reads a DATE or DATE-TIME value. Values with a TZID are fixed
// instants and report the zone; values without a zone designator are
// floating. Dates are floating midnight.
func parseTime(value string, params map[string][]string) (models.DateTime, string, error) {
	value = strings.TrimSpace(value)
	if isDate(value, params) {
		t, err := time.Parse(layoutDate, value)
		if err != nil {
			return models.DateTime{}, "", fmt.Errorf("%w: date %q", apperr.ErrInvalidInput, value)
		}
		return models.DateTime{Time: t, Floating: true}, "", nil
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(layoutUTC, value)
		if err != nil {
			return models.DateTime{}, "", fmt.Errorf("%w: date-time %q", apperr.ErrInvalidInput, value)
		}
		return models.Fixed(t), "", nil
	}
	if tzid := first(params[paramTZID]); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			return models.DateTime{}, "", fmt.Errorf("%w: unknown TZID %q", apperr.ErrInvalidInput, tzid)
		}
		t, err := time.ParseInLocation(layoutLocal, value, loc)
		if err != nil {
			return models.DateTime{}, "", fmt.Errorf("%w: date-time %q", apperr.ErrInvalidInput, value)
		}
		return models.Fixed(t), tzid, nil
	}
	t, err := time.Parse(layoutLocal, value)
	if err != nil {
		return models.DateTime{}, "", fmt.Errorf("%w: date-time %q", apperr.ErrInvalidInput, value)
	}
	return models.DateTime{Time: t, Floating: true}, "", nil
}

func isDate(value string, params map[string][]string) bool {
	return strings.EqualFold(first(params[paramValue]), valueTypeDate) || len(value) == len(layoutDate)
}

// dateList flattens comma-separated EXDATE/RDATE properties. PERIOD values
// keep only their start.
func dateList(props []*ical.IANAProperty) ([]models.DateTime, error) {
	var out []models.DateTime
	for _, p := range props {
		for _, v := range strings.Split(p.Value, ",") {
			v, _, _ = strings.Cut(strings.TrimSpace(v), "/")
			if v == "" {
				continue
			}
			d, _, err := parseTime(v, p.ICalParameters)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}
