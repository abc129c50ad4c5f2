// Package notify alerts operators about kill switch changes and terminal
// submission outcomes. Alerts fan out to every configured sender and can be
// filtered by event.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Alert events.
const (
	EventKillSwitch = "kill_switch"
	EventIncluded   = "included"
	EventAbandoned  = "abandoned"
	EventSigning    = "signing_rejected"
)

// Sender delivers one alert over a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every sender. Only events in the allowed set
// pass Notify; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify sends an alert when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Decision turns an audit record into an alert when it is one operators care
// about. Other records are ignored.
func (n *Notifier) Decision(ctx context.Context, rec domain.DecisionRecord) error {
	event, ok := eventFor(rec)
	if !ok {
		return nil
	}
	title := fmt.Sprintf("mevbot: %s", strings.ReplaceAll(event, "_", " "))
	return n.Notify(ctx, event, title, formatRecord(rec))
}

func eventFor(rec domain.DecisionRecord) (string, bool) {
	switch {
	case rec.Stage == domain.StageKillSwitch:
		return EventKillSwitch, true
	case rec.Stage == domain.StageSign && rec.Decision == domain.DecisionRejected:
		return EventSigning, true
	case rec.Decision == domain.DecisionIncluded:
		return EventIncluded, true
	case rec.Decision == domain.DecisionAbandoned:
		return EventAbandoned, true
	}
	return "", false
}

func formatRecord(rec domain.DecisionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", rec.Stage, rec.Decision)
	if rec.Reason != "" {
		fmt.Fprintf(&b, ": %s", rec.Reason)
	}
	if rec.BundleID != "" {
		fmt.Fprintf(&b, "\nbundle %s", rec.BundleID)
	}
	if rec.OpportunityID != "" {
		fmt.Fprintf(&b, "\nopportunity %s", rec.OpportunityID)
	}
	keys := make([]string, 0, len(rec.Detail))
	for k := range rec.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, rec.Detail[k])
	}
	return b.String()
}

// dispatch sends to every sender. One sender failing does not stop the rest;
// failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
