package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SubmissionStore persists submission state so a restart never resubmits a
// bundle whose nonce is already consumed.
type SubmissionStore interface {
	Save(ctx context.Context, state SubmissionState) error
	Get(ctx context.Context, bundleID string) (SubmissionState, error)
	ListOpen(ctx context.Context) ([]SubmissionState, error)
	ListBefore(ctx context.Context, before time.Time) ([]SubmissionState, error)
}

// LedgerStore persists the risk ledger's daily totals.
type LedgerStore interface {
	Load(ctx context.Context, day time.Time) (LedgerSnapshot, error)
	Save(ctx context.Context, snap LedgerSnapshot) error
}
