package ics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/testutil"
)

func lines(ls ...string) string {
	return strings.Join(ls, "\r\n") + "\r\n"
}

var weekly = lines(
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//test//EN",
	"BEGIN:VEVENT",
	"UID:standup-1",
	"SUMMARY:Standup\\, team",
	"DTSTART;TZID=Europe/Berlin:20240603T090000",
	"DTEND;TZID=Europe/Berlin:20240603T093000",
	"RRULE:FREQ=WEEKLY;COUNT=4",
	"EXDATE;TZID=Europe/Berlin:20240610T090000",
	"TRANSP:OPAQUE",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:standup-1",
	"RECURRENCE-ID;TZID=Europe/Berlin:20240617T090000",
	"DTSTART;TZID=Europe/Berlin:20240617T100000",
	"DTEND;TZID=Europe/Berlin:20240617T103000",
	"SUMMARY:Standup moved",
	"END:VEVENT",
	"END:VCALENDAR",
)

func TestDecodeMasterAndOverride(t *testing.T) {
	objs, err := Decode(strings.NewReader(weekly), "/cal/alice")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("objects = %d, want 1", len(objs))
	}
	m := objs[0].Master
	if m.UID != "standup-1" || m.Name != "standup-1.ics" || m.ColPath != "/cal/alice" {
		t.Errorf("identity = %q %q %q", m.UID, m.Name, m.ColPath)
	}
	if m.Summary != "Standup, team" {
		t.Errorf("summary = %q", m.Summary)
	}
	if m.TZID != "Europe/Berlin" || m.Start.Floating {
		t.Errorf("start = %v tzid %q", m.Start, m.TZID)
	}
	if want := time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC); !m.Start.Time.Equal(want) {
		t.Errorf("start = %v, want %v", m.Start.Time, want)
	}
	if m.Duration() != 30*time.Minute {
		t.Errorf("duration = %v", m.Duration())
	}
	if !m.Recurring || m.Rule != "FREQ=WEEKLY;COUNT=4" {
		t.Errorf("rule = %q recurring %v", m.Rule, m.Recurring)
	}
	if len(m.ExDates) != 1 || models.RecurrenceIDFor(m.ExDates[0]) != "20240610T070000Z" {
		t.Errorf("exdates = %v", m.ExDates)
	}
	if m.Transparency != models.TransparencyOpaque {
		t.Errorf("transparency = %q", m.Transparency)
	}

	if len(objs[0].Overrides) != 1 {
		t.Fatalf("overrides = %d, want 1", len(objs[0].Overrides))
	}
	o := objs[0].Overrides[0]
	if o.RecurrenceID != "20240617T070000Z" || !o.IsOverride {
		t.Errorf("override rid = %q", o.RecurrenceID)
	}
	if o.Summary == nil || *o.Summary != "Standup moved" {
		t.Errorf("override summary = %v", o.Summary)
	}
	if o.Start == nil || o.Start.String() != "2024-06-17T08:00:00Z" {
		t.Errorf("override start = %v", o.Start)
	}
	if o.Location != nil {
		t.Errorf("absent location should stay nil, got %q", *o.Location)
	}
}

func TestDecodeFloatingAndDate(t *testing.T) {
	payload := lines(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:lunch",
		"DTSTART:20240603T120000",
		"DTEND:20240603T130000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:holiday",
		"DTSTART;VALUE=DATE:20240704",
		"DTEND;VALUE=DATE:20240705",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	objs, err := Decode(strings.NewReader(payload), "/cal/bob")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("objects = %d, want 2", len(objs))
	}
	lunch := objs[0].Master
	if !lunch.Start.Floating || lunch.Start.String() != "2024-06-03T12:00:00" {
		t.Errorf("lunch start = %v floating %v", lunch.Start, lunch.Start.Floating)
	}
	if lunch.Recurring {
		t.Error("lunch should not be recurring")
	}
	holiday := objs[1].Master
	if !holiday.Start.Floating || holiday.Duration() != 24*time.Hour {
		t.Errorf("holiday = %v .. %v", holiday.Start, holiday.End)
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not a calendar", "hello"},
		{"missing uid", lines("BEGIN:VCALENDAR", "BEGIN:VEVENT", "DTSTART:20240603T120000Z", "END:VEVENT", "END:VCALENDAR")},
		{"missing dtstart", lines("BEGIN:VCALENDAR", "BEGIN:VEVENT", "UID:x", "END:VEVENT", "END:VCALENDAR")},
		{"orphan override", lines("BEGIN:VCALENDAR", "BEGIN:VEVENT", "UID:x", "RECURRENCE-ID:20240603T120000Z", "DTSTART:20240603T130000Z", "END:VEVENT", "END:VCALENDAR")},
		{"unknown tzid", lines("BEGIN:VCALENDAR", "BEGIN:VEVENT", "UID:x", "DTSTART;TZID=Mars/Olympus:20240603T120000", "END:VEVENT", "END:VCALENDAR")},
		{"duplicate master", lines("BEGIN:VCALENDAR", "BEGIN:VEVENT", "UID:x", "DTSTART:20240603T120000Z", "END:VEVENT", "BEGIN:VEVENT", "UID:x", "DTSTART:20240604T120000Z", "END:VEVENT", "END:VCALENDAR")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tc.payload), "/cal/x")
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestEncodeObjectRoundTrip(t *testing.T) {
	objs, err := Decode(strings.NewReader(weekly), "/cal/alice")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var buf bytes.Buffer
	if err := EncodeObject(&buf, objs[0]); err != nil {
		t.Fatalf("EncodeObject: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"RRULE:FREQ=WEEKLY;COUNT=4", "TZID=Europe/Berlin", "RECURRENCE-ID"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	again, err := Decode(strings.NewReader(out), "/cal/alice")
	if err != nil {
		t.Fatalf("Decode(encoded): %v", err)
	}
	a, b := objs[0].Master, again[0].Master
	if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) || a.Summary != b.Summary || a.Rule != b.Rule || a.TZID != b.TZID {
		t.Errorf("master changed across round trip:\n%+v\n%+v", a, b)
	}
	if len(again[0].Overrides) != 1 || again[0].Overrides[0].RecurrenceID != objs[0].Overrides[0].RecurrenceID {
		t.Errorf("overrides = %+v", again[0].Overrides)
	}
}

func TestEncodeExpandedProxies(t *testing.T) {
	m := &models.Master{
		ID:        "m1",
		UID:       "lunch",
		Summary:   "Lunch",
		Start:     models.DateTime{Time: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC), Floating: true},
		End:       models.DateTime{Time: time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC), Floating: true},
		Rule:      "FREQ=DAILY;COUNT=2",
		Recurring: true,
	}
	summary := "Late lunch"
	rs := calendar.ResultSet{Mode: models.ModeExpanded}
	for i, s := range []*string{nil, &summary} {
		start := m.Start.Add(time.Duration(i) * 24 * time.Hour)
		o := &models.Override{
			MasterID:     m.ID,
			RecurrenceID: models.RecurrenceIDFor(start),
			IsOverride:   true,
			Transient:    s == nil,
			Summary:      s,
			Start:        &start,
		}
		end := start.Add(time.Hour)
		o.End = &end
		rs.Results = append(rs.Results, calendar.Result{Master: m, Proxy: &models.Proxy{Master: m, Override: o}})
	}

	var buf bytes.Buffer
	if err := Encode(&buf, rs); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "RRULE") {
		t.Errorf("expanded output should not carry a rule:\n%s", out)
	}
	if got := strings.Count(out, "BEGIN:VEVENT"); got != 2 {
		t.Errorf("events = %d, want 2", got)
	}
	for _, want := range []string{"RECURRENCE-ID:20240604T120000", "SUMMARY:Late lunch", "DTSTART:20240603T120000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestApplyCreateReplaceAndSkip(t *testing.T) {
	ctx := context.Background()
	svc := calendar.NewService(testutil.TestStore(t))
	masterOnly := weekly[:strings.Index(weekly, "BEGIN:VEVENT\r\nUID:standup-1\r\nRECURRENCE-ID")] + "END:VCALENDAR\r\n"

	apply := func(payload string) Outcome {
		t.Helper()
		objs, err := Decode(strings.NewReader(payload), "/cal/alice")
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out, err := Apply(ctx, svc, objs[0])
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		return out
	}

	first := apply(masterOnly)
	if !first.Created || first.Instances != 3 {
		t.Fatalf("first apply = %+v, want created with 3 instances", first)
	}
	if again := apply(masterOnly); !again.Unchanged || again.ID != first.ID {
		t.Errorf("identical apply = %+v, want unchanged", again)
	}

	withOverride := apply(weekly)
	if withOverride.Created || withOverride.Unchanged {
		t.Errorf("override apply = %+v, want an update", withOverride)
	}
	rs, err := svc.GetByKey(ctx, calendar.KeyQuery{UID: "standup-1", RecurrenceID: "20240617T070000Z"})
	if err != nil {
		t.Fatal(err)
	}
	if got := rs.Results[0].Proxy.Summary(); got != "Standup moved" {
		t.Errorf("override summary = %q", got)
	}

	apply(masterOnly)
	rs, err = svc.GetByKey(ctx, calendar.KeyQuery{UID: "standup-1", Mode: models.ModeOverrides})
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range rs.Results[0].Overrides {
		if o.IsOverride {
			t.Errorf("override %s survived a payload without it", o.RecurrenceID)
		}
	}
}
