package calendar

import (
	"cmp"
	"context"
	"slices"

	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/store"
)

// synthesize builds the transient override for an occurrence that has no
// stored one: the occurrence's own times over the master's other fields.
func synthesize(m *models.Master, rid models.RecurrenceID, p models.Period) *models.Override {
	start, end := p.Start, p.End
	return &models.Override{
		MasterID:     m.ID,
		RecurrenceID: rid,
		IsOverride:   true,
		Transient:    true,
		Start:        &start,
		End:          &end,
		Stamp:        m.Stamp,
	}
}

// pin returns a copy of a stored override with its times filled in from
// the occurrence when the override leaves them to the rule.
func pin(o *models.Override, p models.Period) *models.Override {
	c := *o
	if c.Start == nil {
		start := p.Start
		c.Start = &start
	}
	if c.End == nil {
		end := p.End
		if o.Start != nil {
			end = o.Start.Add(p.End.Sub(p.Start))
		}
		c.End = &end
	}
	return &c
}

// resolver builds proxies for a fixed set of masters. Overrides are loaded
// once for the whole set.
type resolver struct {
	byID    map[string]*models.Override
	byOccur map[models.OccurrenceKey]*models.Override
	byMast  map[string][]*models.Override
}

func newResolver(ctx context.Context, tx store.Tx, masterIDs []string) (*resolver, error) {
	r := &resolver{
		byID:    make(map[string]*models.Override),
		byOccur: make(map[models.OccurrenceKey]*models.Override),
		byMast:  make(map[string][]*models.Override),
	}
	if len(masterIDs) == 0 {
		return r, nil
	}
	ovs, err := tx.FindOverrides(ctx, store.Filter{MasterIDs: masterIDs, IncludeTombstoned: true})
	if err != nil {
		return nil, err
	}
	for _, o := range ovs {
		r.byMast[o.MasterID] = append(r.byMast[o.MasterID], o)
		if o.Tombstoned {
			continue
		}
		r.byID[o.ID] = o
		r.byOccur[models.OccurrenceKey{MasterID: o.MasterID, RecurrenceID: o.RecurrenceID}] = o
	}
	return r, nil
}

// instance resolves one materialized occurrence.
func (r *resolver) instance(m *models.Master, inst *models.Instance) *models.Proxy {
	p := models.Period{Start: inst.Start, End: inst.End}
	if o, ok := r.byID[inst.OverrideID]; ok {
		return &models.Proxy{Master: m, Override: pin(o, p)}
	}
	if o, ok := r.byOccur[models.OccurrenceKey{MasterID: m.ID, RecurrenceID: inst.RecurrenceID}]; ok {
		return &models.Proxy{Master: m, Override: pin(o, p)}
	}
	return &models.Proxy{Master: m, Override: synthesize(m, inst.RecurrenceID, p)}
}

// single resolves the only occurrence of a non-recurring master, wrapping
// its annotation when one is stored.
func (r *resolver) single(m *models.Master) *models.Proxy {
	p := models.Period{Start: m.Start, End: m.End}
	rid := p.RecurrenceID()
	if o, ok := r.byOccur[models.OccurrenceKey{MasterID: m.ID, RecurrenceID: rid}]; ok {
		return &models.Proxy{Master: m, Override: pin(o, p)}
	}
	return &models.Proxy{Master: m, Override: synthesize(m, rid, p)}
}

// overrides returns every stored override of m ordered by recurrence id,
// tombstoned ones only when asked.
func (r *resolver) overrides(m *models.Master, withTombstones bool) []*models.Override {
	var out []*models.Override
	for _, o := range r.byMast[m.ID] {
		if o.Tombstoned && !withTombstones {
			continue
		}
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b *models.Override) int {
		return cmp.Compare(a.RecurrenceID, b.RecurrenceID)
	})
	return out
}
