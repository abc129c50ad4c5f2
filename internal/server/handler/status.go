package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// SafetyState is the slice of the safety governor the status endpoints need.
type SafetyState interface {
	Snapshot() domain.LedgerSnapshot
	KillSwitchActive() bool
	KillReason() string
	KillRecommended() bool
	TripKillSwitch(reason string)
	ClearKillSwitch()
}

// SharedKillSwitch clears the kill switch for every instance. A local trip
// already propagates through the governor's callbacks.
type SharedKillSwitch interface {
	Clear(ctx context.Context) error
}

// StatusHandler reports the process mode and the risk ledger, and lets an
// operator flip the kill switch.
type StatusHandler struct {
	mode   string
	safety SafetyState
	shared SharedKillSwitch
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler. shared may be nil when the
// kill switch is local only.
func NewStatusHandler(mode string, safety SafetyState, shared SharedKillSwitch, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:   mode,
		safety: safety,
		shared: shared,
		logger: logger.With(slog.String("handler", "status")),
	}
}

type statusResponse struct {
	Mode            string    `json:"mode"`
	KillSwitch      bool      `json:"kill_switch"`
	KillReason      string    `json:"kill_reason,omitempty"`
	KillRecommended bool      `json:"kill_recommended"`
	Day             string    `json:"day"`
	Notional        float64   `json:"daily_notional"`
	Simulations     int64     `json:"simulations"`
	Reverts         int64     `json:"reverts"`
	Mismatches      int64     `json:"mismatches"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GetStatus responds with the mode, kill switch and today's ledger totals.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.safety.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:            h.mode,
		KillSwitch:      h.safety.KillSwitchActive(),
		KillReason:      h.safety.KillReason(),
		KillRecommended: h.safety.KillRecommended(),
		Day:             snap.Day.Format(time.DateOnly),
		Notional:        snap.Notional,
		Simulations:     snap.SimulationCount,
		Reverts:         snap.RevertCount,
		Mismatches:      snap.MismatchCount,
		UpdatedAt:       snap.UpdatedAt,
	})
}

type killSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// SetKillSwitch trips or clears the kill switch.
// PUT /api/killswitch
func (h *StatusHandler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Active {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "operator"
		}
		h.safety.TripKillSwitch(reason)
		h.logger.WarnContext(r.Context(), "kill switch tripped via api", slog.String("reason", reason))
	} else {
		if h.shared != nil {
			if err := h.shared.Clear(r.Context()); err != nil {
				h.logger.ErrorContext(r.Context(), "clear shared kill switch failed", slog.String("error", err.Error()))
				writeError(w, http.StatusBadGateway, "failed to clear shared kill switch")
				return
			}
		}
		h.safety.ClearKillSwitch()
		h.logger.InfoContext(r.Context(), "kill switch cleared via api")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kill_switch": h.safety.KillSwitchActive(),
		"kill_reason": h.safety.KillReason(),
	})
}
