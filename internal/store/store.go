package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/starford/kalendae/internal/models"
)

const operationTimeout = 5 * time.Second

// Store opens units of work. Consumers should depend on this interface
// rather than the concrete *DB type.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one unit of work. Every read observes the writes made earlier in
// the same Tx. Nothing is visible to other units of work until Commit.
type Tx interface {
	SaveMaster(ctx context.Context, m *models.Master) error
	GetMaster(ctx context.Context, id string) (*models.Master, error)
	FindMasters(ctx context.Context, f Filter) ([]*models.Master, error)
	DeleteMaster(ctx context.Context, id string) error

	// SaveOverride upserts o; period is the occurrence's effective time
	// and is indexed for window queries.
	SaveOverride(ctx context.Context, o *models.Override, period models.Period) error
	GetOverride(ctx context.Context, id string) (*models.Override, error)
	FindOverride(ctx context.Context, masterID string, rid models.RecurrenceID) (*models.Override, error)
	FindOverrides(ctx context.Context, f Filter) ([]*models.Override, error)
	DeleteOverride(ctx context.Context, id string) error

	SaveInstance(ctx context.Context, inst *models.Instance) error
	FindInstance(ctx context.Context, masterID string, rid models.RecurrenceID) (*models.Instance, error)
	FindInstances(ctx context.Context, f Filter) ([]*models.Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	DeleteInstancesForMaster(ctx context.Context, masterID string) (int, error)

	// NextSeq allocates the next value of the store-wide sequence.
	NextSeq(ctx context.Context) (int64, error)
	CurrentSeq(ctx context.Context) (int64, error)
	PurgeWatermark(ctx context.Context) (int64, error)
	SetPurgeWatermark(ctx context.Context, seq int64) error

	Commit() error
	Rollback() error
}

// Filter selects rows. Collection, uid, name and tombstone conditions
// always apply to the owning master; Window applies to the time columns
// of the table being queried.
type Filter struct {
	ColPaths          []string
	MasterIDs         []string
	UID               string
	Name              string
	RecurrenceID      models.RecurrenceID
	Window            *models.TimeRange
	Recurring         *bool
	IncludeTombstoned bool
	OnlyTombstoned    bool
	// SinceSeq keeps masters whose seq is strictly greater.
	SinceSeq       int64
	ModifiedBefore *time.Time
}

// Verify *DB satisfies Store at compile time.
var (
	_ Store = (*DB)(nil)
	_ Tx    = (*sqlTx)(nil)
)

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
	cache   *masterCache
}

// Begin opens a unit of work with a fresh master cache.
func (db *DB) Begin(ctx context.Context) (Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &sqlTx{tx: tx, dialect: db.dialect, cache: newMasterCache()}, nil
}

func (t *sqlTx) Commit() error {
	t.cache.flush()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	t.cache.flush()
	return t.tx.Rollback()
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

func (t *sqlTx) NextSeq(ctx context.Context) (int64, error) {
	if _, err := t.exec(ctx, `UPDATE sync_state SET value = value + 1 WHERE name = 'seq'`); err != nil {
		return 0, fmt.Errorf("store: bump seq: %w", err)
	}
	return t.CurrentSeq(ctx)
}

func (t *sqlTx) CurrentSeq(ctx context.Context) (int64, error) {
	return t.stateValue(ctx, "seq")
}

func (t *sqlTx) PurgeWatermark(ctx context.Context) (int64, error) {
	return t.stateValue(ctx, "purge_watermark")
}

func (t *sqlTx) SetPurgeWatermark(ctx context.Context, seq int64) error {
	if _, err := t.exec(ctx, `UPDATE sync_state SET value = ? WHERE name = 'purge_watermark' AND value < ?`, seq, seq); err != nil {
		return fmt.Errorf("store: set purge watermark: %w", err)
	}
	return nil
}

func (t *sqlTx) stateValue(ctx context.Context, name string) (int64, error) {
	var v int64
	if err := t.queryRow(ctx, `SELECT value FROM sync_state WHERE name = ?`, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("store: read %s: %w", name, err)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
