package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	ErrSimulationRejected        = errors.New("simulation rejected")
	ErrRelaySubmissionFailed     = errors.New("relay submission failed")
	ErrRelayNotConfigured        = errors.New("relay not configured")
	ErrInclusionDeadlineExceeded = errors.New("inclusion deadline exceeded")
	ErrKillSwitchActive          = errors.New("kill switch active")
	ErrNonceReservationHeld      = errors.New("nonce reservation already released")
)

// StaleDataError reports that the newest quote in a market snapshot is older
// than the configured freshness threshold. The whole scan cycle is skipped.
type StaleDataError struct {
	Newest    time.Time
	Age       time.Duration
	Threshold time.Duration
}

func (e *StaleDataError) Error() string {
	if e.Newest.IsZero() {
		return "stale market data: snapshot has no quotes"
	}
	if e.Age < 0 {
		return fmt.Sprintf("stale market data: newest quote is %s in the future", -e.Age)
	}
	return fmt.Sprintf("stale market data: newest quote is %s old (threshold %s)", e.Age, e.Threshold)
}

// SafetyLimitBreach reports which governor check refused a candidate.
type SafetyLimitBreach struct {
	Check string // precheck, postsim, final
	Limit string // per_trade_cap, daily_cap, max_gas_price, max_fee, revert_rate, max_loss
	Value float64
	Max   float64
}

func (e *SafetyLimitBreach) Error() string {
	return fmt.Sprintf("safety limit breach at %s: %s %.6g exceeds %.6g", e.Check, e.Limit, e.Value, e.Max)
}

// SigningErrorKind distinguishes retryable from terminal signing failures.
type SigningErrorKind int

const (
	SigningUnavailable SigningErrorKind = iota + 1
	SigningRejected
	SigningTimeout
)

func (k SigningErrorKind) String() string {
	switch k {
	case SigningUnavailable:
		return "unavailable"
	case SigningRejected:
		return "rejected"
	case SigningTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SigningError is returned by every Signer backend.
type SigningError struct {
	Kind    SigningErrorKind
	Backend string
	Err     error
}

func (e *SigningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signing %s (%s)", e.Kind, e.Backend)
	}
	return fmt.Sprintf("signing %s (%s): %v", e.Kind, e.Backend, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed if repeated.
func (e *SigningError) Retryable() bool {
	return e.Kind == SigningUnavailable || e.Kind == SigningTimeout
}

// IsSigningRejected reports whether err is a terminal signing failure.
func IsSigningRejected(err error) bool {
	var se *SigningError
	return errors.As(err, &se) && se.Kind == SigningRejected
}
