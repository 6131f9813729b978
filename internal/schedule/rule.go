package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
)

// Kind distinguishes single-shot rules from recurring ones
type Kind string

const (
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
)

// Wildcard matches every value of a cron field
const Wildcard = "*"

// parser accepts standard 5-field expressions with an optional CRON_TZ prefix
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// timeOfDayLayouts are tried in order when parsing Record.TimeOfDay
var timeOfDayLayouts = []string{
	"15:04:05.000Z07:00",
	"15:04:05.000Z0700",
	"15:04:05Z07:00",
	"15:04:05Z0700",
	"15:04:05",
	"15:04",
}

// Rule is the compiled firing schedule of a record. All fields are UTC.
type Rule struct {
	Kind Kind

	// At is the single firing instant of a KindOnce rule
	At time.Time

	// Minute, Hour and DayOfWeek are cron fields of a KindRecurring rule.
	// Day-of-month and month are always unconstrained.
	Minute    string
	Hour      string
	DayOfWeek string
}

// Once returns a single-shot rule firing at t
func Once(t time.Time) Rule {
	return Rule{Kind: KindOnce, At: t.UTC()}
}

// Expr renders a recurring rule as a 5-field cron expression. For a
// single-shot rule it returns the RFC 3339 instant.
func (r Rule) Expr() string {
	if r.Kind == KindOnce {
		return r.At.Format(time.RFC3339)
	}
	return strings.Join([]string{r.Minute, r.Hour, Wildcard, Wildcard, r.DayOfWeek}, " ")
}

// Schedule parses a recurring rule into a cron schedule pinned to UTC
func (r Rule) Schedule() (cron.Schedule, error) {
	if r.Kind != KindRecurring {
		return nil, fmt.Errorf("rule of kind %q has no cron schedule", r.Kind)
	}
	return parser.Parse("CRON_TZ=UTC " + r.Expr())
}

// Equal reports whether two rules fire at the same instants
func (r Rule) Equal(o Rule) bool {
	if r.Kind != o.Kind {
		return false
	}
	if r.Kind == KindOnce {
		return r.At.Equal(o.At)
	}
	return r.Expr() == o.Expr()
}

// Compile converts a record into its firing rule. It has no side effects.
func Compile(rec *Record) (Rule, error) {
	if rec == nil {
		return Rule{}, apperrors.Compilation("", fmt.Errorf("nil record"))
	}
	if rec.JobName == "" {
		return Rule{}, apperrors.Compilation(rec.ID, fmt.Errorf("job name cannot be empty"))
	}
	if rec.RepeatMinutes < 0 {
		return Rule{}, apperrors.Compilation(rec.ID, fmt.Errorf("repeat minutes cannot be negative: %d", rec.RepeatMinutes))
	}

	if !rec.IsRecurring() {
		if rec.StartAfter.IsZero() {
			return Rule{}, apperrors.Compilation(rec.ID, fmt.Errorf("single-shot schedule needs a start time"))
		}
		return Once(rec.StartAfter), nil
	}

	tod, err := ParseTimeOfDay(rec.TimeOfDay)
	if err != nil {
		return Rule{}, apperrors.Compilation(rec.ID, err)
	}
	dow, err := DaysOfWeekField(rec.DaysOfWeek)
	if err != nil {
		return Rule{}, apperrors.Compilation(rec.ID, err)
	}

	hours := rec.RepeatMinutes / 60
	minutes := rec.RepeatMinutes % 60

	rule := Rule{Kind: KindRecurring, DayOfWeek: dow}

	if minutes > 0 {
		rule.Minute = fmt.Sprintf("%d-59/%d", tod.Minute(), minutes)
	} else {
		rule.Minute = "0"
	}

	rule.Hour = fmt.Sprintf("%d-23", tod.Hour())
	if hours > 0 {
		rule.Hour += "/" + strconv.Itoa(hours)
	}

	if _, err := rule.Schedule(); err != nil {
		return Rule{}, apperrors.Compilation(rec.ID, fmt.Errorf("invalid cron expression %q: %w", rule.Expr(), err))
	}

	return rule, nil
}

// ParseTimeOfDay parses a time of day with optional offset and returns it
// converted to UTC. Only the hour and minute of the result are meaningful.
func ParseTimeOfDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time of day cannot be empty")
	}
	for _, layout := range timeOfDayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time of day %q", s)
}

// DaysOfWeekField converts a day mask into a cron day-of-week field.
// Mask index i maps to cron weekday (i+1) mod 7. A nil, empty or
// all-false mask matches every day.
func DaysOfWeekField(mask []bool) (string, error) {
	if len(mask) > 7 {
		return "", fmt.Errorf("days of week mask has %d entries, want at most 7", len(mask))
	}

	days := make([]string, 0, len(mask))
	for i, on := range mask {
		if on {
			days = append(days, strconv.Itoa((i+1)%7))
		}
	}
	if len(days) == 0 {
		return Wildcard, nil
	}
	return strings.Join(days, ","), nil
}
