package ics

import (
	"context"
	"errors"
	"maps"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/models"
)

// Outcome reports what Apply did with one object.
type Outcome struct {
	ID        string
	Created   bool
	// Instances counts instances created or rewritten.
	Instances int
	Failed    []calendar.FailedOverride
	// Unchanged is set when the stored object already matched obj and
	// nothing was written.
	Unchanged bool
}

// Apply stores obj as the full truth for its UID in its collection: a new
// master is added, an existing one is replaced, and stored overrides the
// payload no longer carries are deleted. Empty recurrences are demoted.
func Apply(ctx context.Context, svc *calendar.Service, obj Object) (Outcome, error) {
	m := obj.Master
	rs, err := svc.GetByKey(ctx, calendar.KeyQuery{
		ColPath:  m.ColPath,
		UID:      m.UID,
		Mode:     models.ModeOverrides,
		Definite: true,
	})
	if errors.Is(err, apperr.ErrNotFound) {
		res, err := svc.AddMaster(ctx, m, obj.Overrides, calendar.AddOptions{DemoteEmptyRecurrence: true})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{ID: res.Master.ID, Created: true, Instances: res.Instances, Failed: res.Failed}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	prev := rs.Results[0]
	m.ID = prev.Master.ID
	m.Stamp = prev.Master.Stamp

	stored := make(map[models.RecurrenceID]*models.Override, len(prev.Overrides))
	for _, o := range prev.Overrides {
		stored[o.RecurrenceID] = o
	}
	same := calendar.DiffMaster(prev.Master, m) == 0
	keep := make(map[models.RecurrenceID]bool, len(obj.Overrides))
	for _, o := range obj.Overrides {
		keep[o.RecurrenceID] = true
		if s, ok := stored[o.RecurrenceID]; !ok || s.IsOverride != o.IsOverride || !maps.Equal(s.Values(), o.Values()) {
			same = false
		}
	}
	var deleted []string
	for _, o := range prev.Overrides {
		if !keep[o.RecurrenceID] {
			deleted = append(deleted, o.ID)
		}
	}
	if same && len(deleted) == 0 {
		return Outcome{ID: m.ID, Unchanged: true}, nil
	}

	res, err := svc.UpdateMaster(ctx, m, obj.Overrides, deleted, 0, calendar.UpdateOptions{})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{ID: m.ID, Instances: len(res.Added) + len(res.Updated), Failed: res.Failed}, nil
}
