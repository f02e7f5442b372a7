package models

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestTimeRange_FloatingEventMatchesAnyZone(t *testing.T) {
	start := FloatingAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	end := FloatingAt(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	for _, loc := range []*time.Location{nil, time.UTC, mustLoad(t, "America/New_York"), mustLoad(t, "Asia/Tokyo")} {
		r := TimeRange{From: &from, To: &to, Location: loc}
		if !r.Overlaps(start, end) {
			t.Errorf("floating 09:00 not matched with location %v", loc)
		}
	}
}

func TestTimeRange_Boundaries(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := TimeRange{From: &from, To: &to}
	at := func(h int) DateTime { return Fixed(time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC)) }

	cases := []struct {
		name       string
		start, end DateTime
		want       bool
	}{
		{"ends at from", at(9), at(10), false},
		{"starts at to", at(12), at(13), false},
		{"starts at from", at(10), at(11), true},
		{"zero length at from", at(10), at(10), true},
		{"zero length at to", at(12), at(12), false},
		{"spans window", at(8), at(14), true},
	}
	for _, tc := range cases {
		if got := r.Overlaps(tc.start, tc.end); got != tc.want {
			t.Errorf("%s: Overlaps = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTimeRange_OneSided(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	start := Fixed(from.Add(-2 * time.Hour))
	if (TimeRange{From: &from}).Overlaps(start, start.Add(time.Hour)) {
		t.Error("item ending before from should not match")
	}
	if !(TimeRange{To: &from}).Overlaps(start, start.Add(time.Hour)) {
		t.Error("item starting before to should match")
	}
	if !(TimeRange{}).Overlaps(start, start) {
		t.Error("unbounded range should match everything")
	}
}

func TestRecurrenceID_RoundTrip(t *testing.T) {
	fixed := Fixed(time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC))
	if got := RecurrenceIDFor(fixed); got != "20240304T050607Z" {
		t.Errorf("fixed rid = %q", got)
	}
	back, err := RecurrenceIDFor(fixed).DateTime()
	if err != nil || !back.Equal(fixed) {
		t.Errorf("fixed round trip = %v, %v", back, err)
	}

	floating := FloatingAt(time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC))
	if got := RecurrenceIDFor(floating); got != "20240304T050607" {
		t.Errorf("floating rid = %q", got)
	}
	back, err = RecurrenceIDFor(floating).DateTime()
	if err != nil || !back.Equal(floating) {
		t.Errorf("floating round trip = %v, %v", back, err)
	}
}

func TestParseDateTime(t *testing.T) {
	d, err := ParseDateTime("2024-06-01T09:00:00")
	if err != nil || !d.Floating {
		t.Fatalf("zone-less value should be floating: %v %v", d, err)
	}
	d, err = ParseDateTime("2024-06-01T09:00:00+02:00")
	if err != nil || d.Floating || d.Time.Hour() != 7 {
		t.Fatalf("offset value should be fixed UTC 07:00: %v %v", d, err)
	}
	if _, err := ParseDateTime("next tuesday"); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestSyncToken(t *testing.T) {
	if n, err := TokenFor(42).Seq(); err != nil || n != 42 {
		t.Errorf("Seq = %d, %v", n, err)
	}
	if n, err := SyncToken("").Seq(); err != nil || n != 0 {
		t.Errorf("empty token = %d, %v", n, err)
	}
	for _, bad := range []string{"42", "seq-x", "seq--1"} {
		if _, err := SyncToken(bad).Seq(); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
