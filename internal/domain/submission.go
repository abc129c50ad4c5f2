package domain

import (
	"context"
	"time"
)

// SubmissionStatus is the state of a bundle in the submission controller.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionIncluded  SubmissionStatus = "included"
	SubmissionFailed    SubmissionStatus = "failed"
	SubmissionAbandoned SubmissionStatus = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionIncluded || s == SubmissionAbandoned
}

// SubmissionState tracks one logical bundle across resubmission attempts.
type SubmissionState struct {
	BundleID      string
	OpportunityID string
	Account       string
	Nonces        []uint64
	TxHashes      []string
	Status        SubmissionStatus
	Attempts      int
	LastAttemptAt time.Time
	TargetBlock   uint64
	DeadlineBlock uint64
	IncludedBlock uint64
	Channel       string
	Sent          bool // at least one attempt left the process
	Reason        string
	UpdatedAt     time.Time
}

// RelayResponse is a relay's acknowledgement of a bundle.
type RelayResponse struct {
	Channel    string
	BundleHash string
}

// InclusionStatus is the result of an inclusion poll.
type InclusionStatus struct {
	Included    bool
	Reverted    bool // mined but failed; the nonces are consumed either way
	BlockNumber uint64
}

// Relay submits signed bundles. Both the private relay and the public
// mempool fallback implement it.
type Relay interface {
	Name() string
	SubmitBundle(ctx context.Context, bundle SignedBundle) (RelayResponse, error)
	PollInclusion(ctx context.Context, bundle SignedBundle) (InclusionStatus, error)
}
