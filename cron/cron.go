// Package cron parses five-field cron expressions and answers schedule
// queries: whether an instant matches, and the next matching instant
// after a given time.
//
// Fields are minute (0-59), hour (0-23), day-of-month (1-31), month
// (1-12) and day-of-week (0-7, where both 0 and 7 mean Sunday). Each
// field accepts "*", single values, inclusive ranges "a-b", comma
// unions, and "base/step" where the step keeps every step-th value of
// the ordered set the base generates.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression reports an expression that could not be parsed.
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrNoNextOccurrence reports an exhausted occurrence search. The
	// search window is bounded at four years past the anchor.
	ErrNoNextOccurrence = errors.New("no next occurrence within four years")
)

// searchWindowYears bounds NextOccurrence so impossible schedules
// (e.g. "0 0 31 2 *") fail instead of spinning forever.
const searchWindowYears = 4

// Schedule is a parsed cron expression.
type Schedule struct {
	expression string

	minutes [60]bool
	hours   [24]bool
	dom     [32]bool // 1-31
	months  [13]bool // 1-12
	dow     [7]bool  // 0-6, Sunday = 0

	// A "*" day field is neutral rather than part of the union; the
	// day-of-month OR day-of-week rule only applies when both fields
	// are restricted, matching widely deployed cron behavior.
	domRestricted bool
	dowRestricted bool
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fields = []fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Parse parses a five-field cron expression.
func Parse(expression string) (*Schedule, error) {
	parts := strings.Fields(expression)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: expression is blank", ErrInvalidExpression)
	}
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, len(fields), len(parts))
	}

	s := &Schedule{expression: expression}

	for i, spec := range fields {
		values, restricted, err := parseField(parts[i], spec)
		if err != nil {
			return nil, err
		}
		switch i {
		case 0:
			setAll(s.minutes[:], values, 0)
		case 1:
			setAll(s.hours[:], values, 0)
		case 2:
			setAll(s.dom[:], values, 0)
			s.domRestricted = restricted
		case 3:
			setAll(s.months[:], values, 0)
		case 4:
			// Fold 7 (Sunday) onto 0.
			for j, v := range values {
				if v == 7 {
					values[j] = 0
				}
			}
			setAll(s.dow[:], values, 0)
			s.dowRestricted = restricted
		}
	}

	return s, nil
}

// MustParse parses an expression and panics on error. Intended for
// literals in tests and fixtures.
func MustParse(expression string) *Schedule {
	s, err := Parse(expression)
	if err != nil {
		panic(err)
	}
	return s
}

func setAll(dst []bool, values []int, offset int) {
	for _, v := range values {
		dst[v-offset] = true
	}
}

// parseField expands one field into its ordered value set. The second
// return reports whether the field restricts the set (anything other
// than a bare "*").
func parseField(field string, spec fieldSpec) ([]int, bool, error) {
	if field == "*" {
		return rangeValues(spec.min, spec.max), false, nil
	}

	var values []int
	for _, part := range strings.Split(field, ",") {
		expanded, err := parsePart(part, spec)
		if err != nil {
			return nil, false, err
		}
		values = append(values, expanded...)
	}
	return values, true, nil
}

// parsePart expands a single comma-separated element: "*", "n", "a-b",
// or any of those with a "/step" suffix.
func parsePart(part string, spec fieldSpec) ([]int, error) {
	if part == "" {
		return nil, fmt.Errorf("%w: empty %s element", ErrInvalidExpression, spec.name)
	}

	base := part
	step := 1
	if idx := strings.Index(part, "/"); idx >= 0 {
		base = part[:idx]
		stepStr := part[idx+1:]
		parsed, err := strconv.Atoi(stepStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s step %q is not an integer", ErrInvalidExpression, spec.name, stepStr)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("%w: %s step must be positive, got %d", ErrInvalidExpression, spec.name, parsed)
		}
		if base == "" {
			return nil, fmt.Errorf("%w: %s step has no base", ErrInvalidExpression, spec.name)
		}
		step = parsed
	}

	var values []int
	switch {
	case base == "*":
		values = rangeValues(spec.min, spec.max)
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		lo, err := parseBound(bounds[0], spec)
		if err != nil {
			return nil, err
		}
		hi, err := parseBound(bounds[1], spec)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf("%w: %s range %d-%d is inverted", ErrInvalidExpression, spec.name, lo, hi)
		}
		values = rangeValues(lo, hi)
	default:
		v, err := parseBound(base, spec)
		if err != nil {
			return nil, err
		}
		values = []int{v}
	}

	if step == 1 {
		return values, nil
	}

	// Keep indices 0, step, 2*step, ... of the ordered base set.
	var stepped []int
	for i := 0; i < len(values); i += step {
		stepped = append(stepped, values[i])
	}
	return stepped, nil
}

func parseBound(value string, spec fieldSpec) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q is not an integer", ErrInvalidExpression, spec.name, value)
	}
	if v < spec.min || v > spec.max {
		return 0, fmt.Errorf("%w: %s value %d out of range %d-%d", ErrInvalidExpression, spec.name, v, spec.min, spec.max)
	}
	return v, nil
}

func rangeValues(lo, hi int) []int {
	values := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		values = append(values, v)
	}
	return values
}

// String returns the original expression.
func (s *Schedule) String() string {
	return s.expression
}

// Matches reports whether the instant t, truncated to the minute,
// matches the schedule.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.minutes[t.Minute()] || !s.hours[t.Hour()] || !s.months[int(t.Month())] {
		return false
	}
	return s.dayMatches(t)
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := s.dom[t.Day()]
	dowMatch := s.dow[int(t.Weekday())]
	if s.domRestricted && s.dowRestricted {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

// NextOccurrence returns the smallest whole-minute instant strictly
// after the given time that matches the schedule. It fails with
// ErrNoNextOccurrence when no match exists within four years.
func (s *Schedule) NextOccurrence(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(searchWindowYears, 0, 0)

	for !t.After(limit) {
		if !s.months[int(t.Month())] {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.hours[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !s.minutes[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("%w: %s after %s", ErrNoNextOccurrence, s.expression, after.Format(time.RFC3339))
}
