package domain

import (
	"context"
	"time"
)

// Stage names a pipeline step for audit records.
type Stage string

const (
	StageScan       Stage = "scan"
	StageEvaluate   Stage = "evaluate"
	StagePreCheck   Stage = "precheck"
	StageSimulate   Stage = "simulate"
	StagePostCheck  Stage = "postcheck"
	StageBuild      Stage = "build"
	StageFinalCheck Stage = "finalcheck"
	StageSign       Stage = "sign"
	StageSubmit     Stage = "submit"
	StageInclusion  Stage = "inclusion"
	StageKillSwitch Stage = "kill_switch"
)

// Decision is the outcome recorded for a stage transition.
type Decision string

const (
	DecisionAccepted  Decision = "accepted"
	DecisionRejected  Decision = "rejected"
	DecisionSkipped   Decision = "skipped"
	DecisionSubmitted Decision = "submitted"
	DecisionIncluded  Decision = "included"
	DecisionFailed    Decision = "failed"
	DecisionAbandoned Decision = "abandoned"
	DecisionTripped   Decision = "tripped"
	DecisionCleared   Decision = "cleared"
)

// DecisionRecord is a structured audit entry for one stage transition.
type DecisionRecord struct {
	OpportunityID string
	BundleID      string
	Stage         Stage
	Decision      Decision
	Reason        string
	Detail        map[string]any
	At            time.Time
}

// Fields flattens the record into the map persisted by audit stores.
func (r DecisionRecord) Fields() map[string]any {
	out := make(map[string]any, len(r.Detail)+5)
	for k, v := range r.Detail {
		out[k] = v
	}
	out["stage"] = string(r.Stage)
	out["decision"] = string(r.Decision)
	if r.OpportunityID != "" {
		out["opportunity_id"] = r.OpportunityID
	}
	if r.BundleID != "" {
		out["bundle_id"] = r.BundleID
	}
	if r.Reason != "" {
		out["reason"] = r.Reason
	}
	return out
}

// AuditSink receives decision records. Record must not block the caller.
type AuditSink interface {
	Record(ctx context.Context, rec DecisionRecord)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
