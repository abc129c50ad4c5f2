package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. One row is kept
// per UTC day.
type LedgerStore struct {
	pool *pgxpool.Pool
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates a LedgerStore backed by pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Load returns the snapshot for day's UTC date or domain.ErrNotFound.
func (s *LedgerStore) Load(ctx context.Context, day time.Time) (domain.LedgerSnapshot, error) {
	const query = `
		SELECT day, notional, mismatch_count, revert_count, simulation_count,
		       kill_switch, kill_reason, updated_at
		FROM risk_ledger WHERE day = $1`

	var snap domain.LedgerSnapshot
	err := s.pool.QueryRow(ctx, query, ledgerDay(day)).Scan(
		&snap.Day,
		&snap.Notional,
		&snap.MismatchCount,
		&snap.RevertCount,
		&snap.SimulationCount,
		&snap.KillSwitch,
		&snap.KillReason,
		&snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerSnapshot{}, fmt.Errorf("postgres: load ledger %s: %w", day.UTC().Format(time.DateOnly), domain.ErrNotFound)
		}
		return domain.LedgerSnapshot{}, fmt.Errorf("postgres: load ledger %s: %w", day.UTC().Format(time.DateOnly), err)
	}
	snap.Day = snap.Day.UTC()
	return snap, nil
}

// Save upserts the snapshot for its day.
func (s *LedgerStore) Save(ctx context.Context, snap domain.LedgerSnapshot) error {
	const query = `
		INSERT INTO risk_ledger (day, notional, mismatch_count, revert_count,
		                         simulation_count, kill_switch, kill_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (day) DO UPDATE SET
			notional         = EXCLUDED.notional,
			mismatch_count   = EXCLUDED.mismatch_count,
			revert_count     = EXCLUDED.revert_count,
			simulation_count = EXCLUDED.simulation_count,
			kill_switch      = EXCLUDED.kill_switch,
			kill_reason      = EXCLUDED.kill_reason,
			updated_at       = NOW()`

	_, err := s.pool.Exec(ctx, query,
		ledgerDay(snap.Day),
		snap.Notional,
		snap.MismatchCount,
		snap.RevertCount,
		snap.SimulationCount,
		snap.KillSwitch,
		snap.KillReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: save ledger %s: %w", snap.Day.UTC().Format(time.DateOnly), err)
	}
	return nil
}

// ledgerDay returns midnight UTC of t's UTC date, the DATE column key.
func ledgerDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
