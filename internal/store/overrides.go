package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/models"
)

const overrideColumns = `o.id, o.master_id, o.recurrence_id, o.is_override, o.tombstoned, o.fields,
	o.modified_at, o.seq`

// SaveOverride inserts or replaces o. Only the sparse field set is stored;
// period feeds the window columns.
func (t *sqlTx) SaveOverride(ctx context.Context, o *models.Override, period models.Period) error {
	fields, err := json.Marshal(o.Values())
	if err != nil {
		return fmt.Errorf("store: encode override fields: %w", err)
	}
	floatStart, floatEnd, fixedStart, fixedEnd := splitTimes(period.Start, period.End)
	_, err = t.exec(ctx, `
		INSERT INTO overrides (id, master_id, recurrence_id, is_override, tombstoned, fields,
			floating, float_start, float_end, fixed_start, fixed_end, modified_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			recurrence_id = excluded.recurrence_id,
			is_override   = excluded.is_override,
			tombstoned    = excluded.tombstoned,
			fields        = excluded.fields,
			floating      = excluded.floating,
			float_start   = excluded.float_start,
			float_end     = excluded.float_end,
			fixed_start   = excluded.fixed_start,
			fixed_end     = excluded.fixed_end,
			modified_at   = excluded.modified_at,
			seq           = excluded.seq
	`, o.ID, o.MasterID, string(o.RecurrenceID), boolInt(o.IsOverride), boolInt(o.Tombstoned),
		string(fields), boolInt(period.Start.Floating), floatStart, floatEnd, fixedStart, fixedEnd,
		o.Stamp.Modified.UnixMilli(), o.Stamp.Seq)
	if err != nil {
		return fmt.Errorf("store: save override: %w", err)
	}
	return nil
}

// GetOverride loads an override by id.
func (t *sqlTx) GetOverride(ctx context.Context, id string) (*models.Override, error) {
	o, err := scanOverride(t.queryRow(ctx, `SELECT `+overrideColumns+` FROM overrides o WHERE o.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: override %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get override: %w", err)
	}
	return o, nil
}

// FindOverride returns the live override of one occurrence. More than one
// live row for the pair is an invariant violation.
func (t *sqlTx) FindOverride(ctx context.Context, masterID string, rid models.RecurrenceID) (*models.Override, error) {
	rows, err := t.query(ctx, `SELECT `+overrideColumns+` FROM overrides o
		WHERE o.master_id = ? AND o.recurrence_id = ? AND o.tombstoned = 0`, masterID, string(rid))
	if err != nil {
		return nil, fmt.Errorf("store: find override: %w", err)
	}
	defer rows.Close()
	found, err := collectOverrides(rows)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: override %s/%s", apperr.ErrNotFound, masterID, rid)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: %d overrides for %s/%s", apperr.ErrMultipleOverrides, len(found), masterID, rid)
	}
}

// FindOverrides returns the overrides matching f. A Window in f matches
// the effective occurrence time of each override.
func (t *sqlTx) FindOverrides(ctx context.Context, f Filter) ([]*models.Override, error) {
	c := f.build("o", true)
	rows, err := t.query(ctx, `SELECT `+overrideColumns+` FROM overrides o
		JOIN masters m ON m.id = o.master_id`+c.where()+` ORDER BY o.master_id, o.recurrence_id`, c.args...)
	if err != nil {
		return nil, fmt.Errorf("store: find overrides: %w", err)
	}
	defer rows.Close()
	return collectOverrides(rows)
}

// DeleteOverride hard-deletes an override and detaches it from its
// instance.
func (t *sqlTx) DeleteOverride(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `UPDATE instances SET override_id = NULL WHERE override_id = ?`, id); err != nil {
		return fmt.Errorf("store: detach override: %w", err)
	}
	res, err := t.exec(ctx, `DELETE FROM overrides WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: override %s", apperr.ErrNotFound, id)
	}
	return nil
}

func collectOverrides(rows *sql.Rows) ([]*models.Override, error) {
	var out []*models.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOverride(s scanner) (*models.Override, error) {
	var (
		o          models.Override
		rid        string
		isOverride int
		tomb       int
		fields     string
		modifiedAt int64
	)
	if err := s.Scan(&o.ID, &o.MasterID, &rid, &isOverride, &tomb, &fields, &modifiedAt, &o.Stamp.Seq); err != nil {
		return nil, err
	}
	o.RecurrenceID = models.RecurrenceID(rid)
	o.IsOverride = isOverride != 0
	o.Tombstoned = tomb != 0
	o.Stamp.Modified = time.UnixMilli(modifiedAt).UTC()

	values := make(map[string]string)
	if err := json.Unmarshal([]byte(fields), &values); err != nil {
		return nil, fmt.Errorf("decode override fields: %w", err)
	}
	if err := o.SetValues(values); err != nil {
		return nil, err
	}
	return &o, nil
}
