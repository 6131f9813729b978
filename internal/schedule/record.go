// Package schedule holds schedule records and compiles them into firing
// rules.
package schedule

import (
	"fmt"
	"time"
)

// Record is a persisted job schedule. The scheduler only ever reads it.
type Record struct {
	// ID is the unique identifier of the schedule
	ID string `json:"id"`

	// StartAfter is the earliest instant the first firing may occur.
	// Single-shot schedules fire exactly at this instant.
	StartAfter time.Time `json:"startAfter"`

	// RepeatMinutes is the recurrence interval; 0 means single-shot
	RepeatMinutes int `json:"repeatMinutes,omitempty"`

	// TimeOfDay anchors the minute and hour phase of recurring fires.
	// Carries an offset, e.g. "08:15:00.000Z" or "10:15:00+02:00".
	TimeOfDay string `json:"timeOfDay,omitempty"`

	// DaysOfWeek is a 7-element mask starting on Monday, so index 6 is
	// Sunday. Nil or all-false means every day.
	DaysOfWeek []bool `json:"daysOfWeek,omitempty"`

	// JobName addresses the job endpoint
	JobName string `json:"jobName"`

	// Params is passed through verbatim as the trigger payload
	Params map[string]interface{} `json:"params,omitempty"`

	// Description for logging/monitoring
	Description string `json:"description,omitempty"`
}

// IsRecurring reports whether the record repeats
func (r *Record) IsRecurring() bool {
	return r.RepeatMinutes != 0
}

// String returns a short human-readable form for log lines
func (r *Record) String() string {
	if !r.IsRecurring() {
		return fmt.Sprintf("%s (%s once at %s)", r.ID, r.JobName, r.StartAfter.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%s (%s every %dm from %s)", r.ID, r.JobName, r.RepeatMinutes, r.TimeOfDay)
}
