package safety

import "time"

// window counts events inside a sliding time window.
type window struct {
	span   time.Duration
	events []time.Time
}

func (w *window) add(at time.Time) {
	w.events = append(w.events, at)
	w.prune(at)
}

func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.events)
}

func (w *window) prune(now time.Time) {
	if w.span <= 0 {
		return
	}
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
