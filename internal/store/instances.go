package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/models"
)

const instanceColumns = `i.id, i.master_id, i.recurrence_id, i.floating, i.float_start, i.float_end,
	i.fixed_start, i.fixed_end, i.override_id`

// SaveInstance inserts or replaces inst. The (master, recurrence id) pair
// is unique.
func (t *sqlTx) SaveInstance(ctx context.Context, inst *models.Instance) error {
	floatStart, floatEnd, fixedStart, fixedEnd := splitTimes(inst.Start, inst.End)
	var overrideID sql.NullString
	if inst.OverrideID != "" {
		overrideID = sql.NullString{String: inst.OverrideID, Valid: true}
	}
	_, err := t.exec(ctx, `
		INSERT INTO instances (id, master_id, recurrence_id, floating, float_start, float_end,
			fixed_start, fixed_end, override_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			floating    = excluded.floating,
			float_start = excluded.float_start,
			float_end   = excluded.float_end,
			fixed_start = excluded.fixed_start,
			fixed_end   = excluded.fixed_end,
			override_id = excluded.override_id
	`, inst.ID, inst.MasterID, string(inst.RecurrenceID), boolInt(inst.Start.Floating),
		floatStart, floatEnd, fixedStart, fixedEnd, overrideID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: instance %s/%s", apperr.ErrMultipleOverrides, inst.MasterID, inst.RecurrenceID)
		}
		return fmt.Errorf("store: save instance: %w", err)
	}
	return nil
}

// FindInstance returns the instance of one occurrence.
func (t *sqlTx) FindInstance(ctx context.Context, masterID string, rid models.RecurrenceID) (*models.Instance, error) {
	row := t.queryRow(ctx, `SELECT `+instanceColumns+` FROM instances i
		WHERE i.master_id = ? AND i.recurrence_id = ?`, masterID, string(rid))
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %s/%s", apperr.ErrNotFound, masterID, rid)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find instance: %w", err)
	}
	return inst, nil
}

// FindInstances returns the instances matching f ordered by master and
// recurrence id.
func (t *sqlTx) FindInstances(ctx context.Context, f Filter) ([]*models.Instance, error) {
	c := f.build("i", true)
	rows, err := t.query(ctx, `SELECT `+instanceColumns+` FROM instances i
		JOIN masters m ON m.id = i.master_id`+c.where()+` ORDER BY i.master_id, i.recurrence_id`, c.args...)
	if err != nil {
		return nil, fmt.Errorf("store: find instances: %w", err)
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteInstance removes one instance by id.
func (t *sqlTx) DeleteInstance(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete instance: %w", err)
	}
	return nil
}

// DeleteInstancesForMaster removes every instance of a master and reports
// how many were removed.
func (t *sqlTx) DeleteInstancesForMaster(ctx context.Context, masterID string) (int, error) {
	res, err := t.exec(ctx, `DELETE FROM instances WHERE master_id = ?`, masterID)
	if err != nil {
		return 0, fmt.Errorf("store: delete instances for master: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanInstance(s scanner) (*models.Instance, error) {
	var (
		inst                 models.Instance
		rid                  string
		floating             int
		floatStart, floatEnd sql.NullInt64
		fixedStart, fixedEnd sql.NullInt64
		overrideID           sql.NullString
	)
	err := s.Scan(&inst.ID, &inst.MasterID, &rid, &floating, &floatStart, &floatEnd,
		&fixedStart, &fixedEnd, &overrideID)
	if err != nil {
		return nil, err
	}
	inst.RecurrenceID = models.RecurrenceID(rid)
	inst.OverrideID = overrideID.String
	start, end := fixedStart, fixedEnd
	if floating != 0 {
		start, end = floatStart, floatEnd
	}
	inst.Start = models.FromUnix(start.Int64, floating != 0)
	inst.End = models.FromUnix(end.Int64, floating != 0)
	return &inst, nil
}
