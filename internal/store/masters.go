package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/models"
)

const masterColumns = `m.id, m.col_path, m.uid, m.name, m.summary, m.description, m.location,
	m.status, m.transparency, m.floating, m.tzid, m.start_at, m.end_at, m.rrule, m.rdates,
	m.exdates, m.recurring, m.tombstoned, m.modified_at, m.seq`

// SaveMaster inserts or replaces m.
func (t *sqlTx) SaveMaster(ctx context.Context, m *models.Master) error {
	rdates, err := json.Marshal(m.RDates)
	if err != nil {
		return fmt.Errorf("store: encode rdates: %w", err)
	}
	exdates, err := json.Marshal(m.ExDates)
	if err != nil {
		return fmt.Errorf("store: encode exdates: %w", err)
	}
	floatStart, floatEnd, fixedStart, fixedEnd := splitTimes(m.Start, m.End)

	_, err = t.exec(ctx, `
		INSERT INTO masters (id, col_path, uid, name, summary, description, location, status,
			transparency, floating, tzid, start_at, end_at, float_start, float_end, fixed_start,
			fixed_end, rrule, rdates, exdates, recurring, tombstoned, modified_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			col_path     = excluded.col_path,
			uid          = excluded.uid,
			name         = excluded.name,
			summary      = excluded.summary,
			description  = excluded.description,
			location     = excluded.location,
			status       = excluded.status,
			transparency = excluded.transparency,
			floating     = excluded.floating,
			tzid         = excluded.tzid,
			start_at     = excluded.start_at,
			end_at       = excluded.end_at,
			float_start  = excluded.float_start,
			float_end    = excluded.float_end,
			fixed_start  = excluded.fixed_start,
			fixed_end    = excluded.fixed_end,
			rrule        = excluded.rrule,
			rdates       = excluded.rdates,
			exdates      = excluded.exdates,
			recurring    = excluded.recurring,
			tombstoned   = excluded.tombstoned,
			modified_at  = excluded.modified_at,
			seq          = excluded.seq
	`, m.ID, m.ColPath, m.UID, m.Name, m.Summary, m.Description, m.Location, string(m.Status),
		string(m.Transparency), boolInt(m.Start.Floating), m.TZID, nullUnix(m.Start), nullUnix(m.End),
		floatStart, floatEnd, fixedStart, fixedEnd, m.Rule, string(rdates), string(exdates),
		boolInt(m.Recurring), boolInt(m.Tombstoned), m.Stamp.Modified.UnixMilli(), m.Stamp.Seq)
	if err != nil {
		t.cache.invalidate(m.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: name %q in %s", apperr.ErrDuplicateIdentifier, m.Name, m.ColPath)
		}
		return fmt.Errorf("store: save master: %w", err)
	}
	t.cache.put(m)
	return nil
}

// GetMaster loads a master by id, tombstoned or not.
func (t *sqlTx) GetMaster(ctx context.Context, id string) (*models.Master, error) {
	if m, ok := t.cache.get(id); ok {
		return m, nil
	}
	row := t.queryRow(ctx, `SELECT `+masterColumns+` FROM masters m WHERE m.id = ?`, id)
	m, err := scanMaster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: master %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get master: %w", err)
	}
	t.cache.put(m)
	return m, nil
}

// FindMasters returns the masters matching f ordered by id.
func (t *sqlTx) FindMasters(ctx context.Context, f Filter) ([]*models.Master, error) {
	c := f.build("m", false)
	rows, err := t.query(ctx, `SELECT `+masterColumns+` FROM masters m`+c.where()+` ORDER BY m.id`, c.args...)
	if err != nil {
		return nil, fmt.Errorf("store: find masters: %w", err)
	}
	defer rows.Close()

	var out []*models.Master
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan master: %w", err)
		}
		t.cache.put(m)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMaster hard-deletes a master together with its overrides and
// instances.
func (t *sqlTx) DeleteMaster(ctx context.Context, id string) error {
	t.cache.invalidate(id)
	if _, err := t.exec(ctx, `DELETE FROM instances WHERE master_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete instances: %w", err)
	}
	if _, err := t.exec(ctx, `DELETE FROM overrides WHERE master_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete overrides: %w", err)
	}
	res, err := t.exec(ctx, `DELETE FROM masters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete master: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: master %s", apperr.ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMaster(s scanner) (*models.Master, error) {
	var (
		m                    models.Master
		status, transparency string
		floating, rec, tomb  int
		startAt, endAt       sql.NullInt64
		rdates, exdates      string
		modifiedAt           int64
	)
	err := s.Scan(&m.ID, &m.ColPath, &m.UID, &m.Name, &m.Summary, &m.Description, &m.Location,
		&status, &transparency, &floating, &m.TZID, &startAt, &endAt, &m.Rule, &rdates, &exdates,
		&rec, &tomb, &modifiedAt, &m.Stamp.Seq)
	if err != nil {
		return nil, err
	}
	m.Status = models.Status(status)
	m.Transparency = models.Transparency(transparency)
	m.Recurring = rec != 0
	m.Tombstoned = tomb != 0
	if startAt.Valid {
		m.Start = models.FromUnix(startAt.Int64, floating != 0)
	}
	if endAt.Valid {
		m.End = models.FromUnix(endAt.Int64, floating != 0)
	}
	if err := json.Unmarshal([]byte(rdates), &m.RDates); err != nil {
		return nil, fmt.Errorf("decode rdates: %w", err)
	}
	if err := json.Unmarshal([]byte(exdates), &m.ExDates); err != nil {
		return nil, fmt.Errorf("decode exdates: %w", err)
	}
	m.Stamp.Modified = time.UnixMilli(modifiedAt).UTC()
	return &m, nil
}

// splitTimes routes a period into the column pair of its own kind.
func splitTimes(start, end models.DateTime) (floatStart, floatEnd, fixedStart, fixedEnd sql.NullInt64) {
	if start.IsZero() {
		return
	}
	s := sql.NullInt64{Int64: start.Unix(), Valid: true}
	e := sql.NullInt64{Int64: end.Unix(), Valid: !end.IsZero()}
	if !e.Valid {
		e = s
	}
	if start.Floating {
		return s, e, sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullInt64{}, sql.NullInt64{}, s, e
}

func nullUnix(d models.DateTime) sql.NullInt64 {
	if d.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Unix(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
