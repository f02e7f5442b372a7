package recur

import (
	"errors"
	"testing"
	"time"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/models"
)

func weekly(count string) *models.Master {
	start := models.Fixed(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
	return &models.Master{
		UID:       "weekly",
		Start:     start,
		End:       start.Add(time.Hour),
		Rule:      "FREQ=WEEKLY;COUNT=" + count,
		Recurring: true,
	}
}

func TestExpand_Count(t *testing.T) {
	exp, err := Expand(weekly("10"), DefaultLimits())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(exp.Periods) != 10 {
		t.Fatalf("got %d periods, want 10", len(exp.Periods))
	}
	for i, p := range exp.Periods {
		want := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC).AddDate(0, 0, 7*i)
		if !p.Start.Time.Equal(want) {
			t.Errorf("period %d start = %v, want %v", i, p.Start, want)
		}
		if p.End.Sub(p.Start) != time.Hour {
			t.Errorf("period %d duration = %v", i, p.End.Sub(p.Start))
		}
	}
	if exp.Truncated {
		t.Error("bounded rule should not be truncated")
	}
}

func TestExpand_ExDatesAndRDates(t *testing.T) {
	m := weekly("4")
	m.ExDates = []models.DateTime{models.Fixed(time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC))}
	m.RDates = []models.DateTime{models.Fixed(time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC))}

	exp, err := Expand(m, DefaultLimits())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	got := exp.RecurrenceIDs()
	want := []models.RecurrenceID{"20240603T090000Z", "20240612T090000Z", "20240617T090000Z", "20240624T090000Z"}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExpand_Caps(t *testing.T) {
	m := weekly("10")
	m.Rule = "FREQ=DAILY"

	exp, err := Expand(m, Limits{MaxInstances: 5})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(exp.Periods) != 5 || !exp.Truncated {
		t.Errorf("count cap: %d periods, truncated=%v", len(exp.Periods), exp.Truncated)
	}

	exp, err = Expand(m, Limits{MaxInstances: 1000, MaxSpan: 72 * time.Hour})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(exp.Periods) != 4 || !exp.Truncated {
		t.Errorf("span cap: %d periods, truncated=%v", len(exp.Periods), exp.Truncated)
	}
}

func TestExpand_EmptyExpansion(t *testing.T) {
	m := weekly("1")
	m.ExDates = []models.DateTime{m.Start}
	_, err := Expand(m, DefaultLimits())
	if !errors.Is(err, apperr.ErrEmptyExpansion) {
		t.Fatalf("err = %v, want ErrEmptyExpansion", err)
	}
}

func TestExpand_InvalidRule(t *testing.T) {
	m := weekly("1")
	m.Rule = "FREQ=SOMETIMES"
	if _, err := Expand(m, DefaultLimits()); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestExpand_FloatingKeepsWallClock(t *testing.T) {
	start := models.FloatingAt(time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC))
	m := &models.Master{UID: "f", Start: start, End: start.Add(30 * time.Minute), Rule: "FREQ=DAILY;COUNT=5", Recurring: true}
	exp, err := Expand(m, DefaultLimits())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	for _, p := range exp.Periods {
		if !p.Start.Floating || p.Start.Time.Hour() != 9 {
			t.Errorf("floating occurrence drifted: %v", p.Start)
		}
	}
}

func TestExpand_TZIDFollowsDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := models.Fixed(time.Date(2024, 3, 8, 9, 0, 0, 0, loc))
	m := &models.Master{UID: "tz", TZID: "America/New_York", Start: start, End: start.Add(time.Hour), Rule: "FREQ=DAILY;COUNT=4", Recurring: true}
	exp, err := Expand(m, DefaultLimits())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	for _, p := range exp.Periods {
		if h := p.Start.Time.In(loc).Hour(); h != 9 {
			t.Errorf("occurrence %v is %d:00 local, want 9:00", p.Start, h)
		}
	}
}

func TestExpand_RepeatedFirstDoesNotCountAgainstCap(t *testing.T) {
	m := weekly("10")
	m.RDates = []models.DateTime{m.Start}
	exp, err := Expand(m, Limits{MaxInstances: 3})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	ids := exp.RecurrenceIDs()
	want := []models.RecurrenceID{"20240603T090000Z", "20240610T090000Z", "20240617T090000Z"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
	if !exp.Truncated {
		t.Error("expected truncation at the cap")
	}
}

func TestLimitsCovers(t *testing.T) {
	l := Limits{MaxSpan: 48 * time.Hour}
	start := models.Fixed(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
	cases := map[string]struct {
		at   models.DateTime
		want bool
	}{
		"start":        {start, true},
		"inside":       {start.Add(24 * time.Hour), true},
		"edge":         {start.Add(48 * time.Hour), true},
		"past horizon": {start.Add(49 * time.Hour), false},
		"before start": {start.Add(-time.Hour), false},
	}
	for name, tc := range cases {
		if got := l.Covers(start, tc.at); got != tc.want {
			t.Errorf("%s: Covers = %v, want %v", name, got, tc.want)
		}
	}
}

func TestExpand_NonRecurring(t *testing.T) {
	start := models.Fixed(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
	exp, err := Expand(&models.Master{Start: start, End: start.Add(time.Hour)}, DefaultLimits())
	if err != nil || len(exp.Periods) != 1 {
		t.Fatalf("non-recurring expansion = %+v, %v", exp, err)
	}
}
