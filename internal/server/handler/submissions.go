package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// SubmissionHandler exposes persisted submission state.
type SubmissionHandler struct {
	store  domain.SubmissionStore
	logger *slog.Logger
}

// NewSubmissionHandler creates a SubmissionHandler backed by store.
func NewSubmissionHandler(store domain.SubmissionStore, logger *slog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		store:  store,
		logger: logger.With(slog.String("handler", "submissions")),
	}
}

type submissionResponse struct {
	BundleID      string    `json:"bundle_id"`
	OpportunityID string    `json:"opportunity_id"`
	Account       string    `json:"account"`
	Nonces        []uint64  `json:"nonces"`
	TxHashes      []string  `json:"tx_hashes"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	TargetBlock   uint64    `json:"target_block"`
	DeadlineBlock uint64    `json:"deadline_block"`
	IncludedBlock uint64    `json:"included_block,omitempty"`
	Channel       string    `json:"channel,omitempty"`
	Sent          bool      `json:"sent"`
	Reason        string    `json:"reason,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toSubmissionResponse(s domain.SubmissionState) submissionResponse {
	return submissionResponse{
		BundleID:      s.BundleID,
		OpportunityID: s.OpportunityID,
		Account:       s.Account,
		Nonces:        s.Nonces,
		TxHashes:      s.TxHashes,
		Status:        string(s.Status),
		Attempts:      s.Attempts,
		TargetBlock:   s.TargetBlock,
		DeadlineBlock: s.DeadlineBlock,
		IncludedBlock: s.IncludedBlock,
		Channel:       s.Channel,
		Sent:          s.Sent,
		Reason:        s.Reason,
		LastAttemptAt: s.LastAttemptAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// ListOpen responds with the non-terminal submissions in store order.
// GET /api/submissions?limit=N
func (h *SubmissionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	open, err := h.store.ListOpen(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list open submissions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}
	if limit := parseLimit(r); len(open) > limit {
		open = open[:limit]
	}

	out := make([]submissionResponse, 0, len(open))
	for _, s := range open {
		out = append(out, toSubmissionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get responds with one submission by bundle ID.
// GET /api/submissions/{id}
func (h *SubmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing bundle id")
		return
	}

	state, err := h.store.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get submission failed",
			slog.String("bundle_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load submission")
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionResponse(state))
}
