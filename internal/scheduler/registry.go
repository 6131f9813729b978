// Package scheduler keeps the live timers in step with the stored schedule
// records.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/schedule"
)

// TimerEntry is the registry's record of one installed timer
type TimerEntry struct {
	ScheduleID  string
	Rule        schedule.Rule
	EntryID     cron.EntryID
	InstalledAt time.Time
	// Next is filled in by Entries; zero when the timer will not fire again
	Next time.Time
}

// Registry maps schedule IDs to at most one running timer each. All timers
// run on a single cron instance pinned to UTC.
type Registry struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*TimerEntry
	log     logger.Logger
}

// NewRegistry creates an empty registry. Call Start to begin firing timers.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	log = log.WithComponent(logger.ComponentScheduler)
	cl := cronLogger{log: log}

	return &Registry{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: make(map[string]*TimerEntry),
		log:     log,
	}
}

// Install replaces any timer for id with one built from rule. onFire runs
// on its own goroutine every time the timer elapses.
func (r *Registry) Install(id string, rule schedule.Rule, onFire func()) error {
	if id == "" {
		return fmt.Errorf("schedule id is required")
	}
	if onFire == nil {
		return fmt.Errorf("onFire is required")
	}

	sched, err := timerSchedule(rule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(id)
	entryID := r.cron.Schedule(sched, cron.FuncJob(onFire))
	r.entries[id] = &TimerEntry{
		ScheduleID:  id,
		Rule:        rule,
		EntryID:     entryID,
		InstalledAt: time.Now().UTC(),
	}

	r.log.Debug("Timer installed", "schedule_id", id, "rule", rule.Expr(), "kind", rule.Kind)
	return nil
}

// Remove cancels the timer for id. A run already in progress completes.
// Reports whether a timer existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	r.cron.Remove(e.EntryID)
	delete(r.entries, id)
	r.log.Debug("Timer removed", "schedule_id", id)
	return true
}

// Clear cancels every timer and returns how many were removed
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	for id := range r.entries {
		r.removeLocked(id)
	}
	return n
}

// Get returns a copy of the entry for id
func (r *Registry) Get(id string) (TimerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return TimerEntry{}, false
	}
	out := *e
	out.Next = r.cron.Entry(e.EntryID).Next
	return out, true
}

// IDs returns the installed schedule IDs in sorted order
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of installed timers
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a snapshot of every timer with its next fire time,
// sorted by schedule ID
func (r *Registry) Entries() []TimerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TimerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		cp.Next = r.cron.Entry(e.EntryID).Next
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// Start begins firing timers. Timers installed before Start fire once it
// runs.
func (r *Registry) Start() {
	r.cron.Start()
}

// Stop halts the timers and waits for running jobs until ctx is done
func (r *Registry) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timerSchedule(rule schedule.Rule) (cron.Schedule, error) {
	if rule.Kind == schedule.KindOnce {
		if rule.At.IsZero() {
			return nil, fmt.Errorf("single-shot rule has no instant")
		}
		return &onceSchedule{at: rule.At.UTC()}, nil
	}
	return rule.Schedule()
}

// onceSchedule yields its instant the first time cron asks and never again.
// cron asks once when the entry is added and again after each run, so an
// instant in the past fires immediately and exactly once.
type onceSchedule struct {
	at   time.Time
	used atomic.Bool
}

func (s *onceSchedule) Next(time.Time) time.Time {
	if s.used.Swap(true) {
		return time.Time{}
	}
	return s.at
}

// cronLogger routes the cron library's logging into ours
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
