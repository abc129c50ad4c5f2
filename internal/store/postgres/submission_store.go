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

// SubmissionStore implements domain.SubmissionStore using PostgreSQL.
type SubmissionStore struct {
	pool *pgxpool.Pool
}

var _ domain.SubmissionStore = (*SubmissionStore)(nil)

// NewSubmissionStore creates a SubmissionStore backed by pool.
func NewSubmissionStore(pool *pgxpool.Pool) *SubmissionStore {
	return &SubmissionStore{pool: pool}
}

const submissionColumns = `bundle_id, opportunity_id, account, nonces, tx_hashes, status,
	attempts, last_attempt_at, target_block, deadline_block, included_block,
	channel, sent, reason, updated_at`

// Save upserts the state keyed by bundle ID.
func (s *SubmissionStore) Save(ctx context.Context, st domain.SubmissionState) error {
	const query = `
		INSERT INTO submissions (` + submissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (bundle_id) DO UPDATE SET
			opportunity_id  = EXCLUDED.opportunity_id,
			account         = EXCLUDED.account,
			nonces          = EXCLUDED.nonces,
			tx_hashes       = EXCLUDED.tx_hashes,
			status          = EXCLUDED.status,
			attempts        = EXCLUDED.attempts,
			last_attempt_at = EXCLUDED.last_attempt_at,
			target_block    = EXCLUDED.target_block,
			deadline_block  = EXCLUDED.deadline_block,
			included_block  = EXCLUDED.included_block,
			channel         = EXCLUDED.channel,
			sent            = submissions.sent OR EXCLUDED.sent,
			reason          = EXCLUDED.reason,
			updated_at      = NOW()`

	_, err := s.pool.Exec(ctx, query,
		st.BundleID,
		st.OpportunityID,
		st.Account,
		toInt64s(st.Nonces),
		nonNil(st.TxHashes),
		string(st.Status),
		st.Attempts,
		nullTime(st.LastAttemptAt),
		int64(st.TargetBlock),
		int64(st.DeadlineBlock),
		int64(st.IncludedBlock),
		st.Channel,
		st.Sent,
		st.Reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: save submission %s: %w", st.BundleID, err)
	}
	return nil
}

// Get returns the state for bundleID or domain.ErrNotFound.
func (s *SubmissionStore) Get(ctx context.Context, bundleID string) (domain.SubmissionState, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE bundle_id = $1`
	st, err := scanSubmission(s.pool.QueryRow(ctx, query, bundleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SubmissionState{}, fmt.Errorf("postgres: get submission %s: %w", bundleID, domain.ErrNotFound)
		}
		return domain.SubmissionState{}, fmt.Errorf("postgres: get submission %s: %w", bundleID, err)
	}
	return st, nil
}

// ListOpen returns every non-terminal submission, oldest first.
func (s *SubmissionStore) ListOpen(ctx context.Context) ([]domain.SubmissionState, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions
		WHERE status NOT IN ($1, $2)
		ORDER BY updated_at ASC`
	return s.list(ctx, "list open submissions", query,
		string(domain.SubmissionIncluded), string(domain.SubmissionAbandoned))
}

// ListBefore returns submissions last updated strictly before the cutoff.
func (s *SubmissionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SubmissionState, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions
		WHERE updated_at < $1
		ORDER BY updated_at ASC`
	return s.list(ctx, "list submissions before", query, before)
}

func (s *SubmissionStore) list(ctx context.Context, op, query string, args ...any) ([]domain.SubmissionState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.SubmissionState
	for rows.Next() {
		st, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanSubmission(row pgx.Row) (domain.SubmissionState, error) {
	var (
		st                              domain.SubmissionState
		nonces                          []int64
		status                          string
		lastAttempt                     *time.Time
		target, deadline, includedBlock int64
	)
	err := row.Scan(
		&st.BundleID,
		&st.OpportunityID,
		&st.Account,
		&nonces,
		&st.TxHashes,
		&status,
		&st.Attempts,
		&lastAttempt,
		&target,
		&deadline,
		&includedBlock,
		&st.Channel,
		&st.Sent,
		&st.Reason,
		&st.UpdatedAt,
	)
	if err != nil {
		return domain.SubmissionState{}, err
	}
	st.Nonces = toUint64s(nonces)
	st.Status = domain.SubmissionStatus(status)
	if lastAttempt != nil {
		st.LastAttemptAt = *lastAttempt
	}
	st.TargetBlock = uint64(target)
	st.DeadlineBlock = uint64(deadline)
	st.IncludedBlock = uint64(includedBlock)
	return st, nil
}

func toInt64s(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func toUint64s(in []int64) []uint64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = uint64(v)
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
