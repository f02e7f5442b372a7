package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/starford/kalendae/internal/models"
)

func clock(hhmm string) time.Time {
	return at("2024-06-03T" + hhmm + ":00Z")
}

func busy(typ models.BusyType, from, to string) models.BusyPeriod {
	return models.BusyPeriod{Start: clock(from), End: clock(to), Type: typ}
}

func samePeriods(a, b []models.BusyPeriod) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Start.Equal(b[i].Start) || !a[i].End.Equal(b[i].End) || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

func TestMergeBusyExample(t *testing.T) {
	in := []models.BusyPeriod{
		busy(models.Busy, "09:00", "10:00"),
		busy(models.Busy, "09:30", "11:00"),
		busy(models.BusyTentative, "11:00", "11:30"),
	}
	got := MergeBusy(in, clock("00:00"), clock("23:59"))
	want := []models.BusyPeriod{
		busy(models.Busy, "09:00", "11:00"),
		busy(models.BusyTentative, "11:00", "11:30"),
	}
	if !samePeriods(got, want) {
		t.Errorf("MergeBusy = %+v, want %+v", got, want)
	}
}

func TestMergeBusyMergesEachTypeAcrossInterleaving(t *testing.T) {
	in := []models.BusyPeriod{
		busy(models.Busy, "09:00", "10:00"),
		busy(models.BusyTentative, "09:30", "10:30"),
		busy(models.Busy, "10:00", "11:00"),
	}
	got := MergeBusy(in, clock("00:00"), clock("23:59"))
	want := []models.BusyPeriod{
		busy(models.Busy, "09:00", "11:00"),
		busy(models.BusyTentative, "09:30", "10:30"),
	}
	if !samePeriods(got, want) {
		t.Errorf("MergeBusy = %+v, want %+v", got, want)
	}
}

func TestMergeBusyIdempotent(t *testing.T) {
	in := []models.BusyPeriod{
		busy(models.Busy, "13:00", "14:00"),
		busy(models.BusyTentative, "08:00", "09:00"),
		busy(models.Busy, "09:00", "10:00"),
		busy(models.BusyTentative, "09:00", "09:30"),
		busy(models.Busy, "10:00", "10:15"),
		busy(models.BusyTentative, "09:15", "12:00"),
		busy(models.Busy, "09:45", "09:50"),
	}
	from, to := clock("00:00"), clock("23:59")
	once := MergeBusy(in, from, to)
	twice := MergeBusy(once, from, to)
	if !samePeriods(once, twice) {
		t.Errorf("second merge changed output:\n once %+v\ntwice %+v", once, twice)
	}
	for i := 1; i < len(once); i++ {
		for j := 0; j < i; j++ {
			a, b := once[j], once[i]
			if a.Type == b.Type && !b.Start.After(a.End) && !a.Start.After(b.End) {
				t.Errorf("unmerged same-type neighbours %+v and %+v", a, b)
			}
		}
	}
}

func TestMergeBusyClipsToWindow(t *testing.T) {
	in := []models.BusyPeriod{
		busy(models.Busy, "07:00", "09:30"),
		busy(models.Busy, "16:00", "18:00"),
		busy(models.Busy, "05:00", "06:00"),
	}
	got := MergeBusy(in, clock("09:00"), clock("17:00"))
	want := []models.BusyPeriod{
		busy(models.Busy, "09:00", "09:30"),
		busy(models.Busy, "16:00", "17:00"),
	}
	if !samePeriods(got, want) {
		t.Errorf("MergeBusy = %+v, want %+v", got, want)
	}
}

func TestComputeFreeBusyExcludesCancelledAndTransparent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	standup := daily("standup", 3)
	cancelled := models.StatusCancelled
	mustAdd(t, s, standup, &models.Override{RecurrenceID: "20240604T090000Z", IsOverride: true, Status: &cancelled})

	maybe := single("maybe", "2024-06-03T11:00:00Z", "2024-06-03T11:30:00Z")
	maybe.Status = models.StatusTentative
	mustAdd(t, s, maybe)

	free := single("lunch", "2024-06-03T12:00:00Z", "2024-06-03T13:00:00Z")
	free.Transparency = models.TransparencyTransparent
	mustAdd(t, s, free)

	from, to := at("2024-06-03T00:00:00Z"), at("2024-06-06T00:00:00Z")
	got, err := s.FreeBusy(ctx, []string{"/cal/alice"}, from, to, FreeBusyOptions{})
	if err != nil {
		t.Fatalf("FreeBusy: %v", err)
	}
	want := []models.BusyPeriod{
		{Start: at("2024-06-03T09:00:00Z"), End: at("2024-06-03T10:00:00Z"), Type: models.Busy},
		{Start: at("2024-06-03T11:00:00Z"), End: at("2024-06-03T11:30:00Z"), Type: models.BusyTentative},
		{Start: at("2024-06-05T09:00:00Z"), End: at("2024-06-05T10:00:00Z"), Type: models.Busy},
	}
	if !samePeriods(got, want) {
		t.Errorf("FreeBusy = %+v\nwant %+v", got, want)
	}

	withTransparent, _ := s.FreeBusy(ctx, []string{"/cal/alice"}, from, to, FreeBusyOptions{IncludeTransparent: true})
	if len(withTransparent) != 4 {
		t.Errorf("with transparent = %+v", withTransparent)
	}
}

func TestComputeFreeBusyFloatingUsesLocation(t *testing.T) {
	s, _ := newTestService(t)
	mustAdd(t, s, single("breakfast", "2024-06-03T08:00:00", "2024-06-03T09:00:00"))
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.FreeBusy(context.Background(), []string{"/cal/alice"},
		at("2024-06-03T00:00:00Z"), at("2024-06-04T00:00:00Z"), FreeBusyOptions{Location: berlin})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Start.Equal(at("2024-06-03T06:00:00Z")) {
		t.Errorf("FreeBusy = %+v, want 06:00Z (08:00 Berlin summer time)", got)
	}
}
