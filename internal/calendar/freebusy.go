package calendar

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/starford/kalendae/internal/models"
)

// FreeBusyOptions controls ComputeFreeBusy.
type FreeBusyOptions struct {
	// IncludeTransparent counts transparent occurrences as busy time.
	IncludeTransparent bool
	// Location resolves floating occurrences; UTC when nil.
	Location *time.Location
}

// ComputeFreeBusy turns a resolved result set into consolidated busy and
// tentative intervals clipped to [from, to). Cancelled occurrences never
// count; transparent ones count only when asked.
func ComputeFreeBusy(rs ResultSet, from, to time.Time, opts FreeBusyOptions) []models.BusyPeriod {
	var periods []models.BusyPeriod
	for _, r := range rs.Results {
		p := r.Proxy
		if p == nil {
			if r.Master.Recurring || r.Master.Tombstoned {
				continue
			}
			p = &models.Proxy{Master: r.Master}
		}
		if p.Status() == models.StatusCancelled {
			continue
		}
		if p.Transparency() == models.TransparencyTransparent && !opts.IncludeTransparent {
			continue
		}
		typ := models.Busy
		if p.Status() == models.StatusTentative {
			typ = models.BusyTentative
		}
		periods = append(periods, models.BusyPeriod{
			Start: p.Start().Instant(opts.Location).UTC(),
			End:   p.End().Instant(opts.Location).UTC(),
			Type:  typ,
		})
	}
	return MergeBusy(periods, from, to)
}

// MergeBusy clips periods to [from, to) and merges overlapping or adjacent
// periods of the same type. Output is ordered by start, tentative before
// busy on ties. Merging is idempotent.
func MergeBusy(periods []models.BusyPeriod, from, to time.Time) []models.BusyPeriod {
	byType := make(map[models.BusyType][]models.BusyPeriod)
	for _, p := range periods {
		if p.Start.Before(from) {
			p.Start = from
		}
		if p.End.After(to) {
			p.End = to
		}
		if !p.Start.Before(p.End) {
			continue
		}
		byType[p.Type] = append(byType[p.Type], p)
	}

	var out []models.BusyPeriod
	for _, list := range byType {
		out = append(out, sweep(list)...)
	}
	slices.SortFunc(out, func(a, b models.BusyPeriod) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Type.Rank(), b.Type.Rank())
	})
	return out
}

// sweep merges one type's periods in start order, extending the open
// interval while the next one starts at or before its end.
func sweep(list []models.BusyPeriod) []models.BusyPeriod {
	slices.SortFunc(list, func(a, b models.BusyPeriod) int { return a.Start.Compare(b.Start) })
	var out []models.BusyPeriod
	cur := list[0]
	for _, next := range list[1:] {
		if next.Start.After(cur.End) {
			out = append(out, cur)
			cur = next
			continue
		}
		if next.End.After(cur.End) {
			cur.End = next.End
		}
	}
	return append(out, cur)
}

// FreeBusy runs a free/busy range query over colPaths and merges the result.
func (s *Service) FreeBusy(ctx context.Context, colPaths []string, from, to time.Time, opts FreeBusyOptions) ([]models.BusyPeriod, error) {
	rs, err := s.GetByRange(ctx, RangeQuery{
		ColPaths: colPaths,
		From:     &from,
		To:       &to,
		Location: opts.Location,
		FreeBusy: true,
	})
	if err != nil {
		return nil, err
	}
	return ComputeFreeBusy(rs, from, to, opts), nil
}
