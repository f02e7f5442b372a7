package calendar

import (
	"context"
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

// AddOptions controls AddMaster.
type AddOptions struct {
	// RollbackOnError aborts the whole add when any pending override fails.
	RollbackOnError bool
	// DemoteEmptyRecurrence stores an item whose recurrence expands to
	// nothing as a single event instead of rejecting it.
	DemoteEmptyRecurrence bool
}

// AddResult reports the outcome of AddMaster.
type AddResult struct {
	Added     bool             `json:"added"`
	Master    *models.Master   `json:"master,omitempty"`
	Instances int              `json:"instances"`
	Demoted   bool             `json:"demoted,omitempty"`
	Failed    []FailedOverride `json:"failed_overrides,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
}

// UpdateOptions controls UpdateMaster.
type UpdateOptions struct {
	RollbackOnError bool
	// RejectEmptyExpansion fails the update instead of demoting.
	RejectEmptyExpansion bool
}

// UpdateResult reports the instance changes made by UpdateMaster.
type UpdateResult struct {
	Master   *models.Master        `json:"master,omitempty"`
	Added    []models.RecurrenceID `json:"added_instances,omitempty"`
	Updated  []models.RecurrenceID `json:"updated_instances,omitempty"`
	Deleted  []models.RecurrenceID `json:"deleted_instances,omitempty"`
	Failed   []FailedOverride      `json:"failed_overrides,omitempty"`
	Demoted  bool                  `json:"demoted,omitempty"`
	FastPath bool                  `json:"fast_path,omitempty"`
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Deleted    bool `json:"deleted"`
	Tombstoned bool `json:"tombstoned,omitempty"`
}

// failedError joins collected override failures under apperr.ErrInvalidOverride.
func failedError(failed []FailedOverride) error {
	errs := []error{apperr.ErrInvalidOverride}
	for _, f := range failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// AddMaster stores a new master, materializes its instances and attaches
// pending overrides, all in one unit of work.
func (s *Service) AddMaster(ctx context.Context, m *models.Master, pending []*models.Override, opts AddOptions) (AddResult, error) {
	var res AddResult
	if err := validateMaster(m); err != nil {
		return res, err
	}
	if _, err := s.require(ctx, m, models.PrivilegeWrite); err != nil {
		return res, err
	}

	err := s.withTx(ctx, func(u *unit) error {
		if err := s.checkIdentity(ctx, u.tx, m, ""); err != nil {
			return err
		}
		// Any caller-supplied id is replaced.
		m.ID = s.newID()
		m.Tombstoned = false
		m.Recurring = m.HasRecurrence()

		var exp recur.Expansion
		if m.Recurring {
			var err error
			exp, err = recur.Expand(m, s.limits)
			switch {
			case errors.Is(err, apperr.ErrEmptyExpansion) && opts.DemoteEmptyRecurrence:
				s.demote(m)
				res.Demoted = true
			case err != nil:
				return err
			}
		}
		if err := s.stamp(ctx, u, m); err != nil {
			return err
		}
		if err := u.tx.SaveMaster(ctx, m); err != nil {
			return err
		}

		if m.Recurring {
			d, err := s.reconcileFull(ctx, u, m, exp, pending)
			if err != nil {
				return err
			}
			res.Instances = len(d.Added)
			res.Failed = d.Failed
			res.Truncated = exp.Truncated
		} else {
			failed, err := s.attachSingle(ctx, u, m, pending)
			if err != nil {
				return err
			}
			res.Failed = failed
		}
		if len(res.Failed) > 0 && opts.RollbackOnError {
			return failedError(res.Failed)
		}
		u.notify(models.NotifyAdded, m)
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Added = true
	res.Master = m
	s.logger.Info("calendar: master added",
		slog.String("id", m.ID),
		slog.String("col_path", m.ColPath),
		slog.Int("instances", res.Instances))
	return res, nil
}

// checkIdentity enforces name uniqueness, and uid uniqueness where the
// collection requires it, among live masters other than selfID.
func (s *Service) checkIdentity(ctx context.Context, tx store.Tx, m *models.Master, selfID string) error {
	clash := func(f store.Filter) (bool, error) {
		found, err := tx.FindMasters(ctx, f)
		if err != nil {
			return false, err
		}
		for _, other := range found {
			if other.ID != selfID {
				return true, nil
			}
		}
		return false, nil
	}
	dup, err := clash(store.Filter{ColPaths: []string{m.ColPath}, Name: m.Name})
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: name %q in %s", apperr.ErrDuplicateIdentifier, m.Name, m.ColPath)
	}
	if !s.uniqueUID(m.ColPath) {
		return nil
	}
	dup, err = clash(store.Filter{ColPaths: []string{m.ColPath}, UID: m.UID})
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: uid %q in %s", apperr.ErrDuplicateIdentifier, m.UID, m.ColPath)
	}
	return nil
}

// UpdateMaster replaces a master's content. m.Stamp.Seq must carry the
// stamp the caller last read. Instances are reconciled when the update
// touches recurrence, adds overrides or deletes overrides; changes lets
// the caller force work DiffMaster would not detect.
func (s *Service) UpdateMaster(ctx context.Context, m *models.Master, pending []*models.Override, deletedOverrideIDs []string, changes ChangeSet, opts UpdateOptions) (UpdateResult, error) {
	var res UpdateResult
	if err := validateMaster(m); err != nil {
		return res, err
	}
	if _, err := s.require(ctx, m, models.PrivilegeWrite); err != nil {
		return res, err
	}

	err := s.withTx(ctx, func(u *unit) error {
		prev, err := u.tx.GetMaster(ctx, m.ID)
		if err != nil {
			return err
		}
		if prev.Tombstoned {
			return fmt.Errorf("%w: master %s is deleted", apperr.ErrNotFound, m.ID)
		}
		if prev.Stamp.Seq != m.Stamp.Seq {
			return fmt.Errorf("%w: master %s at seq %d, update based on %d",
				apperr.ErrConcurrentModification, m.ID, prev.Stamp.Seq, m.Stamp.Seq)
		}
		if prev.ColPath != m.ColPath {
			return fmt.Errorf("%w: collection changes go through MoveMaster", apperr.ErrInvalidInput)
		}
		changes |= DiffMaster(prev, m)
		if changes.Has(ChangeIdentity) {
			if err := s.checkIdentity(ctx, u.tx, m, m.ID); err != nil {
				return err
			}
		}
		m.Tombstoned = false
		m.Recurring = m.HasRecurrence()

		for _, id := range deletedOverrideIDs {
			o, err := u.tx.GetOverride(ctx, id)
			if err != nil {
				return err
			}
			if o.MasterID != m.ID {
				return fmt.Errorf("%w: override %s of master %s", apperr.ErrNotFound, id, m.ID)
			}
			if err := u.tx.DeleteOverride(ctx, id); err != nil {
				return err
			}
		}

		if err := s.stamp(ctx, u, m); err != nil {
			return err
		}

		reconcile := changes.Has(recurrenceAffecting) || len(pending) > 0 || len(deletedOverrideIDs) > 0
		var exp recur.Expansion
		if m.Recurring && reconcile {
			exAdded, rAdded, fast := fastPathDates(prev, m, changes)
			if fast && len(deletedOverrideIDs) == 0 {
				d, ok, err := s.reconcileFast(ctx, u, m, exAdded, rAdded, pending)
				if err != nil {
					return err
				}
				if ok {
					res.apply(d)
					return s.finishUpdate(ctx, u, m, &res, opts)
				}
			}
			exp, err = recur.Expand(m, s.limits)
			switch {
			case errors.Is(err, apperr.ErrEmptyExpansion) && !opts.RejectEmptyExpansion:
				s.demote(m)
				res.Demoted = true
			case err != nil:
				return err
			}
		}

		switch {
		case m.Recurring && reconcile:
			d, err := s.reconcileFull(ctx, u, m, exp, pending)
			if err != nil {
				return err
			}
			res.apply(d)
		case !m.Recurring:
			if prev.Recurring || res.Demoted || changes.Has(ChangeTiming) {
				deleted, err := s.clearOccurrences(ctx, u, m)
				if err != nil {
					return err
				}
				res.Deleted = deleted
			}
			failed, err := s.attachSingle(ctx, u, m, pending)
			if err != nil {
				return err
			}
			res.Failed = failed
		}
		return s.finishUpdate(ctx, u, m, &res, opts)
	})
	if err != nil {
		return res, err
	}
	res.Master = m
	return res, nil
}

func (r *UpdateResult) apply(d diff) {
	r.Added = d.Added
	r.Updated = d.Updated
	r.Deleted = d.Deleted
	r.Failed = d.Failed
	r.FastPath = d.FastPath
}

func (s *Service) finishUpdate(ctx context.Context, u *unit, m *models.Master, res *UpdateResult, opts UpdateOptions) error {
	if len(res.Failed) > 0 && opts.RollbackOnError {
		return failedError(res.Failed)
	}
	if err := u.tx.SaveMaster(ctx, m); err != nil {
		return err
	}
	u.notify(models.NotifyUpdated, m)
	return nil
}

// DeleteMaster removes a master and everything materialized from it. Unless
// reallyDelete is set the master is kept as a content-free tombstone.
func (s *Service) DeleteMaster(ctx context.Context, m *models.Master, reallyDelete bool) (DeleteResult, error) {
	var res DeleteResult
	err := s.withTx(ctx, func(u *unit) error {
		cur, err := u.tx.GetMaster(ctx, m.ID)
		if err != nil {
			return err
		}
		if _, err := s.require(ctx, cur, models.PrivilegeWrite); err != nil {
			return err
		}
		if m.Stamp.Seq != 0 && m.Stamp.Seq != cur.Stamp.Seq {
			return fmt.Errorf("%w: master %s", apperr.ErrConcurrentModification, m.ID)
		}
		if reallyDelete {
			if err := u.tx.DeleteMaster(ctx, cur.ID); err != nil {
				return err
			}
			u.notify(models.NotifyDeleted, cur)
			res.Deleted = true
			return nil
		}
		if cur.Tombstoned {
			return fmt.Errorf("%w: master %s is already deleted", apperr.ErrNotFound, m.ID)
		}
		if err := s.tombstone(ctx, u, cur); err != nil {
			return err
		}
		res.Deleted, res.Tombstoned = true, true
		return nil
	})
	return res, err
}

// tombstone clears m's content, drops its instances and overrides and
// saves the marker.
func (s *Service) tombstone(ctx context.Context, u *unit, m *models.Master) error {
	if _, err := u.tx.DeleteInstancesForMaster(ctx, m.ID); err != nil {
		return err
	}
	ovs, err := u.tx.FindOverrides(ctx, store.Filter{MasterIDs: []string{m.ID}, IncludeTombstoned: true})
	if err != nil {
		return err
	}
	for _, o := range ovs {
		if err := u.tx.DeleteOverride(ctx, o.ID); err != nil {
			return err
		}
	}
	m.ClearContent()
	if err := s.stamp(ctx, u, m); err != nil {
		return err
	}
	if err := u.tx.SaveMaster(ctx, m); err != nil {
		return err
	}
	u.notify(models.NotifyTombstoned, m)
	return nil
}

// DeleteOccurrence removes one occurrence of a recurring master. Its
// override is deleted, or tombstoned unless reallyDelete, its instance is
// deleted, and the master's date sets are adjusted so a later expansion
// does not bring it back.
func (s *Service) DeleteOccurrence(ctx context.Context, m *models.Master, rid models.RecurrenceID, reallyDelete bool) (DeleteResult, error) {
	var res DeleteResult
	nominal, err := rid.DateTime()
	if err != nil {
		return res, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	err = s.withTx(ctx, func(u *unit) error {
		cur, err := u.tx.GetMaster(ctx, m.ID)
		if err != nil {
			return err
		}
		if _, err := s.require(ctx, cur, models.PrivilegeWrite); err != nil {
			return err
		}
		if m.Stamp.Seq != 0 && m.Stamp.Seq != cur.Stamp.Seq {
			return fmt.Errorf("%w: master %s", apperr.ErrConcurrentModification, m.ID)
		}
		if !cur.Recurring {
			return fmt.Errorf("%w: master %s is not recurring", apperr.ErrInvalidInput, m.ID)
		}
		inst, err := u.tx.FindInstance(ctx, cur.ID, rid)
		if err != nil {
			return err
		}
		if err := s.stamp(ctx, u, cur); err != nil {
			return err
		}

		o, err := u.tx.FindOverride(ctx, cur.ID, rid)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			return err
		case reallyDelete:
			if err := u.tx.DeleteOverride(ctx, o.ID); err != nil {
				return err
			}
		default:
			marker := &models.Override{ID: o.ID, MasterID: o.MasterID, RecurrenceID: rid, IsOverride: o.IsOverride, Tombstoned: true}
			marker.Stamp = cur.Stamp
			if err := u.tx.SaveOverride(ctx, marker, models.Period{Start: inst.Start, End: inst.End}); err != nil {
				return err
			}
			res.Tombstoned = true
		}
		if err := u.tx.DeleteInstance(ctx, inst.ID); err != nil {
			return err
		}

		fromRDate := slices.IndexFunc(cur.RDates, func(d models.DateTime) bool {
			return models.RecurrenceIDFor(d) == rid
		})
		if fromRDate >= 0 {
			cur.RDates = slices.Delete(cur.RDates, fromRDate, fromRDate+1)
		} else {
			cur.ExDates = append(cur.ExDates, nominal)
		}
		if err := u.tx.SaveMaster(ctx, cur); err != nil {
			return err
		}
		u.notify(models.NotifyUpdated, cur)
		res.Deleted = true
		return nil
	})
	return res, err
}

// MoveMaster moves m between collections. A tombstone marker is left at the
// old path and tombstoned duplicates at the new path are cleared.
func (s *Service) MoveMaster(ctx context.Context, m *models.Master, from, to string) error {
	if from == to {
		return nil
	}
	return s.withTx(ctx, func(u *unit) error {
		cur, err := u.tx.GetMaster(ctx, m.ID)
		if err != nil {
			return err
		}
		if cur.Tombstoned || cur.ColPath != from {
			return fmt.Errorf("%w: master %s in %s", apperr.ErrNotFound, m.ID, from)
		}
		if _, err := s.require(ctx, cur, models.PrivilegeWrite); err != nil {
			return err
		}
		moved := cur.Clone()
		moved.ColPath = to
		if _, err := s.require(ctx, moved, models.PrivilegeWrite); err != nil {
			return err
		}
		if err := s.checkIdentity(ctx, u.tx, moved, moved.ID); err != nil {
			return err
		}

		stale, err := u.tx.FindMasters(ctx, store.Filter{ColPaths: []string{to}, OnlyTombstoned: true})
		if err != nil {
			return err
		}
		for _, t := range stale {
			if t.Name == moved.Name || t.UID == moved.UID {
				if err := u.tx.DeleteMaster(ctx, t.ID); err != nil {
					return err
				}
			}
		}

		if err := s.stamp(ctx, u, moved); err != nil {
			return err
		}
		if err := u.tx.SaveMaster(ctx, moved); err != nil {
			return err
		}
		u.notify(models.NotifyAdded, moved)

		marker := &models.Master{
			ID:      s.newID(),
			ColPath: from,
			UID:     cur.UID,
			Name:    cur.Name,
			Start:   cur.Start,
			End:     cur.End,
		}
		marker.ClearContent()
		if err := s.stamp(ctx, u, marker); err != nil {
			return err
		}
		if err := u.tx.SaveMaster(ctx, marker); err != nil {
			return err
		}
		u.notify(models.NotifyTombstoned, marker)
		*m = *moved
		return nil
	})
}

// PurgeTombstones hard-deletes tombstones older than retention and raises
// the purge watermark so sync tokens from before the purge are refused.
func (s *Service) PurgeTombstones(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)
	var purged int
	err := s.withTx(ctx, func(u *unit) error {
		stale, err := u.tx.FindMasters(ctx, store.Filter{OnlyTombstoned: true, ModifiedBefore: &cutoff})
		if err != nil {
			return err
		}
		var high int64
		for _, m := range stale {
			if err := u.tx.DeleteMaster(ctx, m.ID); err != nil {
				return err
			}
			high = max(high, m.Stamp.Seq)
		}
		if high > 0 {
			if err := u.tx.SetPurgeWatermark(ctx, high); err != nil {
				return err
			}
		}
		purged = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		metrics.TombstonesPurged.Add(float64(purged))
		s.logger.Info("calendar: tombstones purged", slog.Int("count", purged))
	}
	return purged, nil
}
