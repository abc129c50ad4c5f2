package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// schedule is a parsed five-field cron expression. Each field is a bitset of
// the values it admits.
type schedule struct {
	minute, hour, dom, month, dow uint64
}

type fieldRange struct {
	name     string
	min, max int
}

var scheduleFields = [5]fieldRange{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// parseSchedule accepts "*", single values, lists, ranges ("1-5") and steps
// ("*/15", "0-30/10") in each field.
func parseSchedule(spec string) (schedule, error) {
	fields := strings.Fields(spec)
	if len(fields) != len(scheduleFields) {
		return schedule{}, fmt.Errorf("want %d fields, got %d", len(scheduleFields), len(fields))
	}
	var bits [5]uint64
	for i, f := range fields {
		b, err := parseField(f, scheduleFields[i])
		if err != nil {
			return schedule{}, err
		}
		bits[i] = b
	}
	return schedule{minute: bits[0], hour: bits[1], dom: bits[2], month: bits[3], dow: bits[4]}, nil
}

func parseField(field string, r fieldRange) (uint64, error) {
	var bits uint64
	for _, term := range strings.Split(field, ",") {
		rangePart, stepPart, hasStep := strings.Cut(term, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n < 1 {
				return 0, fmt.Errorf("%s: bad step %q", r.name, term)
			}
			step = n
		}

		lo, hi := r.min, r.max
		if rangePart != "*" {
			from, to, isRange := strings.Cut(rangePart, "-")
			var err error
			if lo, err = strconv.Atoi(from); err != nil {
				return 0, fmt.Errorf("%s: bad value %q", r.name, term)
			}
			hi = lo
			if isRange {
				if hi, err = strconv.Atoi(to); err != nil {
					return 0, fmt.Errorf("%s: bad value %q", r.name, term)
				}
			} else if hasStep {
				hi = r.max
			}
		}
		if lo < r.min || hi > r.max || lo > hi {
			return 0, fmt.Errorf("%s: %q outside %d-%d", r.name, term, r.min, r.max)
		}
		for v := lo; v <= hi; v += step {
			bits |= 1 << uint(v)
		}
	}
	return bits, nil
}

func (s schedule) matches(t time.Time) bool {
	return s.minute&(1<<uint(t.Minute())) != 0 &&
		s.hour&(1<<uint(t.Hour())) != 0 &&
		s.dom&(1<<uint(t.Day())) != 0 &&
		s.month&(1<<uint(t.Month())) != 0 &&
		s.dow&(1<<uint(t.Weekday())) != 0
}

// next returns the first matching minute strictly after t, searching at most
// one year ahead.
func (s schedule) next(t time.Time) (time.Time, bool) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 1)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}
