package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/metrics"
	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/recur"
	"github.com/starford/kalendae/internal/store"
)

// ChangeSet flags which parts of a master an update touched.
type ChangeSet uint8

const (
	ChangeContent ChangeSet = 1 << iota
	ChangeTiming
	ChangeRule
	ChangeDates
	ChangeIdentity
)

// recurrenceAffecting is the subset that invalidates instances.
const recurrenceAffecting = ChangeTiming | ChangeRule | ChangeDates

// Has reports whether any flag in o is set.
func (c ChangeSet) Has(o ChangeSet) bool { return c&o != 0 }

// DiffMaster computes the changes between two versions of a master.
func DiffMaster(prev, next *models.Master) ChangeSet {
	var c ChangeSet
	if prev.UID != next.UID || prev.Name != next.Name {
		c |= ChangeIdentity
	}
	if prev.Summary != next.Summary || prev.Description != next.Description ||
		prev.Location != next.Location || prev.Status != next.Status ||
		prev.Transparency != next.Transparency {
		c |= ChangeContent
	}
	if !prev.Start.Equal(next.Start) || !prev.End.Equal(next.End) || prev.TZID != next.TZID {
		c |= ChangeTiming
	}
	if prev.Rule != next.Rule {
		c |= ChangeRule
	}
	if !sameDates(prev.RDates, next.RDates) || !sameDates(prev.ExDates, next.ExDates) {
		c |= ChangeDates
	}
	return c
}

func sameDates(a, b []models.DateTime) bool {
	return slices.EqualFunc(a, b, models.DateTime.Equal)
}

// FailedOverride is a pending override that could not be attached.
type FailedOverride struct {
	RecurrenceID models.RecurrenceID `json:"recurrence_id"`
	Err          error               `json:"-"`
}

func (f FailedOverride) Error() string {
	return fmt.Sprintf("%s: %v", f.RecurrenceID, f.Err)
}

// MarshalJSON reports the failure reason as a string.
func (f FailedOverride) MarshalJSON() ([]byte, error) {
	reason := ""
	if f.Err != nil {
		reason = f.Err.Error()
	}
	return json.Marshal(struct {
		RecurrenceID models.RecurrenceID `json:"recurrence_id"`
		Reason       string              `json:"reason,omitempty"`
	}{f.RecurrenceID, reason})
}

// diff is the outcome of one reconcile pass.
type diff struct {
	Added    []models.RecurrenceID
	Updated  []models.RecurrenceID
	Deleted  []models.RecurrenceID
	Failed   []FailedOverride
	FastPath bool
}

// occurrences is the working set of a master's materialized occurrences.
type occurrences struct {
	instances map[models.RecurrenceID]*models.Instance
	nominal   map[models.RecurrenceID]models.Period
	overrides map[models.RecurrenceID]*models.Override
}

func (s *Service) loadOccurrences(ctx context.Context, tx store.Tx, masterID string) (*occurrences, error) {
	occ := &occurrences{
		instances: make(map[models.RecurrenceID]*models.Instance),
		nominal:   make(map[models.RecurrenceID]models.Period),
		overrides: make(map[models.RecurrenceID]*models.Override),
	}
	insts, err := tx.FindInstances(ctx, store.Filter{MasterIDs: []string{masterID}, IncludeTombstoned: true})
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		occ.instances[inst.RecurrenceID] = inst
	}
	ovs, err := tx.FindOverrides(ctx, store.Filter{MasterIDs: []string{masterID}, IncludeTombstoned: true})
	if err != nil {
		return nil, err
	}
	for _, o := range ovs {
		if o.Tombstoned {
			continue
		}
		if _, dup := occ.overrides[o.RecurrenceID]; dup {
			return nil, fmt.Errorf("%w: master %s rid %s", apperr.ErrMultipleOverrides, masterID, o.RecurrenceID)
		}
		occ.overrides[o.RecurrenceID] = o
	}
	return occ, nil
}

// resolved returns the effective period of an occurrence: the override's
// times where present, the nominal ones otherwise.
func resolved(nominal models.Period, o *models.Override) models.Period {
	p := nominal
	if o == nil {
		return p
	}
	if o.Start != nil {
		p.Start = *o.Start
		if o.End == nil {
			p.End = p.Start.Add(nominal.End.Sub(nominal.Start))
		}
	}
	if o.End != nil {
		p.End = *o.End
	}
	return p
}

// reconcileFull diffs the expansion of m against its stored instances,
// then attaches pending overrides.
func (s *Service) reconcileFull(ctx context.Context, u *unit, m *models.Master, exp recur.Expansion, pending []*models.Override) (diff, error) {
	start := time.Now()
	var d diff
	occ, err := s.loadOccurrences(ctx, u.tx, m.ID)
	if err != nil {
		return d, err
	}
	want := make(map[models.RecurrenceID]models.Period, len(exp.Periods))
	for _, p := range exp.Periods {
		want[p.RecurrenceID()] = p
	}

	existing := make([]models.RecurrenceID, 0, len(occ.instances))
	for rid := range occ.instances {
		existing = append(existing, rid)
	}
	slices.Sort(existing)

	for _, rid := range existing {
		inst := occ.instances[rid]
		p, ok := want[rid]
		if !ok {
			if err := s.dropOccurrence(ctx, u, occ, rid); err != nil {
				return d, err
			}
			d.Deleted = append(d.Deleted, rid)
			continue
		}
		occ.nominal[rid] = p
		eff := resolved(p, occ.overrides[rid])
		if !inst.Start.Equal(eff.Start) || !inst.End.Equal(eff.End) {
			inst.Start, inst.End = eff.Start, eff.End
			if err := u.tx.SaveInstance(ctx, inst); err != nil {
				return d, err
			}
			d.Updated = append(d.Updated, rid)
		}
	}

	for _, p := range exp.Periods {
		rid := p.RecurrenceID()
		if _, ok := occ.instances[rid]; ok {
			continue
		}
		if err := s.createInstance(ctx, u, occ, m.ID, p); err != nil {
			return d, err
		}
		d.Added = append(d.Added, rid)
	}

	// Overrides whose occurrence vanished without an instance still go.
	for rid, o := range occ.overrides {
		if _, ok := want[rid]; ok {
			continue
		}
		if err := u.tx.DeleteOverride(ctx, o.ID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return d, err
		}
		delete(occ.overrides, rid)
	}

	failed, err := s.attach(ctx, u, m, occ, pending)
	if err != nil {
		return d, err
	}
	d.Failed = failed
	metrics.RecordReconcile("full", len(d.Added), len(d.Updated), len(d.Deleted), time.Since(start))
	s.logger.Debug("reconcile: full",
		slog.String("master", m.ID),
		slog.Int("added", len(d.Added)),
		slog.Int("updated", len(d.Updated)),
		slog.Int("deleted", len(d.Deleted)),
		slog.Bool("truncated", exp.Truncated))
	return d, nil
}

// fastPathDates returns the exdates and rdates added between prev and
// next, and whether the change is a pure addition to those sets with
// everything else that drives expansion left alone.
func fastPathDates(prev, next *models.Master, changes ChangeSet) (exAdded, rAdded []models.DateTime, ok bool) {
	if changes.Has(ChangeTiming|ChangeRule) || !changes.Has(ChangeDates) {
		return nil, nil, false
	}
	if !prev.Recurring || !next.Recurring {
		return nil, nil, false
	}
	exAdded, ok = addedDates(prev.ExDates, next.ExDates)
	if !ok {
		return nil, nil, false
	}
	rAdded, ok = addedDates(prev.RDates, next.RDates)
	if !ok {
		return nil, nil, false
	}
	return exAdded, rAdded, true
}

// addedDates returns next minus prev, failing if anything in prev is gone.
func addedDates(prev, next []models.DateTime) ([]models.DateTime, bool) {
	seen := make(map[models.RecurrenceID]bool, len(next))
	for _, d := range next {
		seen[models.RecurrenceIDFor(d)] = true
	}
	old := make(map[models.RecurrenceID]bool, len(prev))
	for _, d := range prev {
		rid := models.RecurrenceIDFor(d)
		if !seen[rid] {
			return nil, false
		}
		old[rid] = true
	}
	var added []models.DateTime
	for _, d := range next {
		if !old[models.RecurrenceIDFor(d)] {
			added = append(added, d)
		}
	}
	return added, true
}

// reconcileFast applies added exdates and rdates directly. It reports
// ok=false without writing anything when a full expansion could disagree:
// the stored set already sits at the instance cap, an added rdate lies
// outside the expansion span, or the result would be empty or over the
// cap. The caller then falls back to a full pass.
func (s *Service) reconcileFast(ctx context.Context, u *unit, m *models.Master, exAdded, rAdded []models.DateTime, pending []*models.Override) (diff, bool, error) {
	start := time.Now()
	d := diff{FastPath: true}
	occ, err := s.loadOccurrences(ctx, u.tx, m.ID)
	if err != nil {
		return d, false, err
	}
	limit := s.limits.Cap()
	if len(occ.instances) >= limit {
		return d, false, nil
	}
	excluded := make(map[models.RecurrenceID]bool, len(m.ExDates))
	for _, ex := range m.ExDates {
		excluded[models.RecurrenceIDFor(ex)] = true
	}

	var drop []models.RecurrenceID
	for _, ex := range exAdded {
		rid := models.RecurrenceIDFor(ex)
		if _, ok := occ.instances[rid]; ok {
			drop = append(drop, rid)
		}
	}
	var add []models.Period
	dur := m.Duration()
	for _, rd := range rAdded {
		rid := models.RecurrenceIDFor(rd)
		if excluded[rid] {
			continue
		}
		if _, ok := occ.instances[rid]; ok {
			continue
		}
		if !s.limits.Covers(m.Start, rd) {
			return d, false, nil
		}
		add = append(add, models.Period{Start: rd, End: rd.Add(dur)})
	}
	remaining := len(occ.instances) - len(drop) + len(add)
	if remaining <= 0 || remaining > limit {
		return d, false, nil
	}

	for _, rid := range drop {
		if err := s.dropOccurrence(ctx, u, occ, rid); err != nil {
			return d, false, err
		}
		d.Deleted = append(d.Deleted, rid)
	}
	for _, p := range add {
		if err := s.createInstance(ctx, u, occ, m.ID, p); err != nil {
			return d, false, err
		}
		d.Added = append(d.Added, p.RecurrenceID())
	}
	// Nominal periods of untouched instances come from the rule; the
	// stored start is nominal unless an override moved it.
	for rid, inst := range occ.instances {
		if _, ok := occ.nominal[rid]; ok {
			continue
		}
		nominal, err := nominalPeriod(rid, dur)
		if err != nil {
			nominal = models.Period{Start: inst.Start, End: inst.End}
		}
		occ.nominal[rid] = nominal
	}

	failed, err := s.attach(ctx, u, m, occ, pending)
	if err != nil {
		return d, false, err
	}
	d.Failed = failed
	metrics.RecordReconcile("fast", len(d.Added), len(d.Updated), len(d.Deleted), time.Since(start))
	s.logger.Debug("reconcile: dates only",
		slog.String("master", m.ID),
		slog.Int("added", len(d.Added)),
		slog.Int("deleted", len(d.Deleted)))
	return d, true, nil
}

// nominalPeriod rebuilds an occurrence's rule-derived period from its id.
func nominalPeriod(rid models.RecurrenceID, dur time.Duration) (models.Period, error) {
	start, err := rid.DateTime()
	if err != nil {
		return models.Period{}, err
	}
	return models.Period{Start: start, End: start.Add(dur)}, nil
}

func (s *Service) createInstance(ctx context.Context, u *unit, occ *occurrences, masterID string, p models.Period) error {
	rid := p.RecurrenceID()
	inst := &models.Instance{
		ID:           s.newID(),
		MasterID:     masterID,
		RecurrenceID: rid,
	}
	eff := resolved(p, occ.overrides[rid])
	inst.Start, inst.End = eff.Start, eff.End
	if o, ok := occ.overrides[rid]; ok {
		inst.OverrideID = o.ID
	}
	if err := u.tx.SaveInstance(ctx, inst); err != nil {
		return err
	}
	occ.instances[rid] = inst
	occ.nominal[rid] = p
	return nil
}

// dropOccurrence deletes an instance and its attached override.
func (s *Service) dropOccurrence(ctx context.Context, u *unit, occ *occurrences, rid models.RecurrenceID) error {
	if o, ok := occ.overrides[rid]; ok {
		if err := u.tx.DeleteOverride(ctx, o.ID); err != nil {
			return err
		}
		delete(occ.overrides, rid)
	}
	if inst, ok := occ.instances[rid]; ok {
		if err := u.tx.DeleteInstance(ctx, inst.ID); err != nil {
			return err
		}
		delete(occ.instances, rid)
	}
	delete(occ.nominal, rid)
	return nil
}

// attach stores each pending override against its instance. An override
// whose recurrence id has no instance is collected as failed.
func (s *Service) attach(ctx context.Context, u *unit, m *models.Master, occ *occurrences, pending []*models.Override) ([]FailedOverride, error) {
	var failed []FailedOverride
	seen := make(map[models.RecurrenceID]bool, len(pending))
	for _, o := range pending {
		if err := validateOverride(o); err != nil {
			failed = append(failed, FailedOverride{RecurrenceID: o.RecurrenceID, Err: err})
			continue
		}
		if seen[o.RecurrenceID] {
			failed = append(failed, FailedOverride{
				RecurrenceID: o.RecurrenceID,
				Err:          fmt.Errorf("%w: repeated in one request", apperr.ErrMultipleOverrides),
			})
			continue
		}
		seen[o.RecurrenceID] = true

		inst, ok := occ.instances[o.RecurrenceID]
		if !ok {
			failed = append(failed, FailedOverride{
				RecurrenceID: o.RecurrenceID,
				Err:          fmt.Errorf("%w: no occurrence of %s at %s", apperr.ErrInvalidOverride, m.UID, o.RecurrenceID),
			})
			continue
		}
		if err := s.storeOverride(ctx, u, m, occ.overrides[o.RecurrenceID], o, occ.nominal[o.RecurrenceID]); err != nil {
			return failed, err
		}
		occ.overrides[o.RecurrenceID] = o

		eff := resolved(occ.nominal[o.RecurrenceID], o)
		if inst.OverrideID != o.ID || !inst.Start.Equal(eff.Start) || !inst.End.Equal(eff.End) {
			inst.OverrideID = o.ID
			inst.Start, inst.End = eff.Start, eff.End
			if err := u.tx.SaveInstance(ctx, inst); err != nil {
				return failed, err
			}
		}
	}
	if len(failed) > 0 {
		metrics.FailedOverrides.Add(float64(len(failed)))
		s.logger.Warn("reconcile: overrides matched no occurrence",
			slog.String("master", m.ID),
			slog.Int("failed", len(failed)))
	}
	return failed, nil
}

// storeOverride saves o for m, replacing existing in place so at most one
// live override exists per occurrence. Without an existing override o gets
// a fresh id, whatever it carried.
func (s *Service) storeOverride(ctx context.Context, u *unit, m *models.Master, existing, o *models.Override, nominal models.Period) error {
	if existing != nil {
		o.ID = existing.ID
	} else {
		o.ID = s.newID()
	}
	o.MasterID = m.ID
	o.Transient = false
	o.Tombstoned = false
	o.Stamp = m.Stamp
	return u.tx.SaveOverride(ctx, o, resolved(nominal, o))
}

// demote turns an item whose recurrence expands to nothing into a plain
// single event.
func (s *Service) demote(m *models.Master) {
	s.logger.Warn("reconcile: demoted empty recurrence",
		slog.String("master", m.ID),
		slog.String("uid", m.UID))
	m.Rule = ""
	m.RDates = nil
	m.ExDates = nil
	m.Recurring = false
}

// clearOccurrences removes every instance of m and every override that is
// not an annotation on its single occurrence.
func (s *Service) clearOccurrences(ctx context.Context, u *unit, m *models.Master) ([]models.RecurrenceID, error) {
	occ, err := s.loadOccurrences(ctx, u.tx, m.ID)
	if err != nil {
		return nil, err
	}
	var deleted []models.RecurrenceID
	for rid := range occ.instances {
		deleted = append(deleted, rid)
	}
	slices.Sort(deleted)
	if _, err := u.tx.DeleteInstancesForMaster(ctx, m.ID); err != nil {
		return nil, err
	}
	single := models.RecurrenceIDFor(m.Start)
	for rid, o := range occ.overrides {
		if rid == single && !o.IsOverride {
			continue
		}
		if err := u.tx.DeleteOverride(ctx, o.ID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	return deleted, nil
}

// attachSingle stores annotations on a non-recurring master. The only
// valid recurrence id is that of its start.
func (s *Service) attachSingle(ctx context.Context, u *unit, m *models.Master, pending []*models.Override) ([]FailedOverride, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	occ, err := s.loadOccurrences(ctx, u.tx, m.ID)
	if err != nil {
		return nil, err
	}
	p := models.Period{Start: m.Start, End: m.End}
	rid := p.RecurrenceID()
	// A virtual instance lets attach treat the single occurrence uniformly;
	// it is never written.
	occ.nominal[rid] = p
	virtual := &models.Instance{MasterID: m.ID, RecurrenceID: rid, Start: p.Start, End: p.End}
	occ.instances[rid] = virtual

	var failed []FailedOverride
	for _, o := range pending {
		if err := validateOverride(o); err != nil {
			failed = append(failed, FailedOverride{RecurrenceID: o.RecurrenceID, Err: err})
			continue
		}
		if o.RecurrenceID != rid {
			failed = append(failed, FailedOverride{
				RecurrenceID: o.RecurrenceID,
				Err:          fmt.Errorf("%w: %s is not recurring", apperr.ErrInvalidOverride, m.UID),
			})
			continue
		}
		if err := s.storeOverride(ctx, u, m, occ.overrides[rid], o, p); err != nil {
			return failed, err
		}
		occ.overrides[rid] = o
	}
	if len(failed) > 0 {
		metrics.FailedOverrides.Add(float64(len(failed)))
	}
	return failed, nil
}
