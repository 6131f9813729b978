package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/metrics"
	"github.com/muaviaUsmani/jobsync/internal/schedule"
)

var errNoIdentity = errors.New("application identity is not set")

// Store is the read side of the schedule store
type Store interface {
	FindAll(ctx context.Context) ([]*schedule.Record, error)
	FindByID(ctx context.Context, id string) (*schedule.Record, error)
}

// Dispatcher launches a job when a timer fires. Fire must not block.
type Dispatcher interface {
	Fire(scheduleID, jobName string, params map[string]interface{}) error
}

// FireHistory reports when a schedule last fired. A schedule that never
// fired yields the zero time.
type FireHistory interface {
	LastFired(ctx context.Context, id string) (time.Time, error)
}

// Reconciler keeps a Registry in step with a Store. Every operation that
// changes the registry holds one lock from the store read to the last
// registry change, so a resync and a single-record upsert never interleave.
type Reconciler struct {
	appID      string
	store      Store
	registry   *Registry
	dispatcher Dispatcher
	guard      *FireGuard
	history    FireHistory
	metrics    *metrics.Collector
	log        logger.Logger
	now        func() time.Time

	mu sync.Mutex
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithFireGuard makes every fire claim a cross-replica lock before
// dispatching
func WithFireGuard(g *FireGuard) Option {
	return func(r *Reconciler) { r.guard = g }
}

// WithFireHistory keeps single-shot records that already fired from being
// installed again
func WithFireHistory(h FireHistory) Option {
	return func(r *Reconciler) { r.history = h }
}

// WithMetrics sets the collector reconciliation is counted in
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = c }
}

// WithLogger sets the reconciler's logger
func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// NewReconciler creates a reconciler for the application identified by appID
func NewReconciler(appID string, store Store, registry *Registry, dispatcher Dispatcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		appID:      appID,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    metrics.Default(),
		log:        logger.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithComponent(logger.ComponentReconciler)
	return r
}

// AppID returns the application identity the reconciler serves
func (r *Reconciler) AppID() string {
	return r.appID
}

// Registry returns the registry the reconciler manages
func (r *Reconciler) Registry() *Registry {
	return r.registry
}

// ResyncAll rebuilds the registry from every stored record and returns how
// many timers were installed. If the store read fails the registry is left
// as it was. Records that fail to compile are logged and skipped.
func (r *Reconciler) ResyncAll(ctx context.Context) (int, error) {
	if r.appID == "" {
		return 0, apperrors.Configuration("resync", errNoIdentity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.FindAll(ctx)
	if err != nil {
		r.metrics.RecordResyncFailed()
		err = apperrors.Persistence("resync", "", err)
		r.log.ErrorContext(ctx, "Failed to load schedules", "error", err)
		return 0, err
	}

	removed := r.registry.Clear()
	for i := 0; i < removed; i++ {
		r.metrics.RecordRemoval()
	}

	installed := 0
	for _, rec := range records {
		if rec == nil {
			continue
		}
		ok, err := r.installLocked(ctx, rec.ID, rec)
		if err != nil {
			r.log.WarnContext(ctx, "Skipping schedule", "schedule_id", rec.ID, "error", err)
			continue
		}
		if ok {
			installed++
		}
	}

	r.metrics.RecordResync(installed)
	r.metrics.RecordActiveTimers(r.registry.Count())

	noun := "jobs"
	if installed == 1 {
		noun = "job"
	}
	r.log.InfoContext(ctx, fmt.Sprintf("Recreated %d %s successfully", installed, noun),
		"count", installed, "records", len(records))
	return installed, nil
}

// Upsert fetches one record and installs or replaces its timer. If the
// fetch fails the previous timer, if any, keeps running.
func (r *Reconciler) Upsert(ctx context.Context, id string) error {
	if r.appID == "" {
		return apperrors.Configuration("upsert", errNoIdentity)
	}
	ctx = logger.WithScheduleID(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.FindByID(ctx, id)
	if err != nil {
		r.metrics.RecordFetchFailure()
		err = apperrors.Persistence("upsert", id, err)
		r.log.ErrorContext(ctx, "Failed to load schedule, keeping current timer", "error", err)
		return err
	}
	if rec == nil {
		r.metrics.RecordFetchFailure()
		return apperrors.Persistence("upsert", id, fmt.Errorf("store returned no record"))
	}

	if _, err := r.installLocked(ctx, id, rec); err != nil {
		r.log.ErrorContext(ctx, "Failed to schedule record", "error", err)
		return err
	}
	r.metrics.RecordActiveTimers(r.registry.Count())
	return nil
}

// UpsertFromRecord installs or replaces the timer for an already loaded
// record
func (r *Reconciler) UpsertFromRecord(rec *schedule.Record) error {
	if r.appID == "" {
		return apperrors.Configuration("upsert", errNoIdentity)
	}
	if rec == nil {
		return apperrors.Compilation("", fmt.Errorf("record is nil"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.installLocked(context.Background(), rec.ID, rec); err != nil {
		return err
	}
	r.metrics.RecordActiveTimers(r.registry.Count())
	return nil
}

// installLocked compiles rec and installs it under id, reporting whether a
// timer was installed. A record that does not compile, or a single-shot
// record that already fired, loses any timer it had. Callers hold r.mu.
func (r *Reconciler) installLocked(ctx context.Context, id string, rec *schedule.Record) (bool, error) {
	if id == "" {
		return false, apperrors.Compilation("", fmt.Errorf("record has no id"))
	}

	rule, err := schedule.Compile(rec)
	if err != nil {
		r.metrics.RecordCompileFailure()
		if r.registry.Remove(id) {
			r.metrics.RecordRemoval()
		}
		return false, err
	}

	if r.firedLocked(ctx, id, rule) {
		if r.registry.Remove(id) {
			r.metrics.RecordRemoval()
		}
		r.log.DebugContext(ctx, "Single-shot schedule already fired", "schedule_id", id, "at", rule.At)
		return false, nil
	}

	jobName := rec.JobName
	params := rec.Params
	if err := r.registry.Install(id, rule, func() { r.fire(id, jobName, params) }); err != nil {
		return false, apperrors.Compilation(id, err)
	}
	r.metrics.RecordInstall()
	r.log.Debug("Schedule installed", "schedule_id", id, "job_name", jobName, "rule", rule.Expr())
	return true, nil
}

// firedLocked reports whether a single-shot rule has a recorded fire at or
// after its instant. Without a history, or when it cannot be read, the rule
// counts as not fired.
func (r *Reconciler) firedLocked(ctx context.Context, id string, rule schedule.Rule) bool {
	if r.history == nil || rule.Kind != schedule.KindOnce {
		return false
	}
	last, err := r.history.LastFired(ctx, id)
	if err != nil {
		r.log.WarnContext(ctx, "Failed to read fire history", "schedule_id", id, "error", err)
		return false
	}
	return !last.IsZero() && !last.Before(rule.At)
}

// Delete cancels the timer for id. Unknown ids are ignored.
func (r *Reconciler) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.registry.Remove(id)
	if removed {
		r.metrics.RecordRemoval()
		r.log.Debug("Schedule removed", "schedule_id", id)
	}
	r.metrics.RecordActiveTimers(r.registry.Count())
	return removed
}

// DestroySchedules cancels every timer
func (r *Reconciler) DestroySchedules() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.registry.Clear()
	for i := 0; i < n; i++ {
		r.metrics.RecordRemoval()
	}
	r.metrics.RecordActiveTimers(0)
	r.log.Info("Schedules destroyed", "count", n)
}

// OnRecordSaved handles a save notification
func (r *Reconciler) OnRecordSaved(ctx context.Context, id string) error {
	return r.Upsert(ctx, id)
}

// OnRecordDeleted handles a delete notification
func (r *Reconciler) OnRecordDeleted(_ context.Context, id string) error {
	r.Delete(id)
	return nil
}

// fire runs on the timer's goroutine
func (r *Reconciler) fire(id, jobName string, params map[string]interface{}) {
	ctx := logger.WithScheduleID(context.Background(), id)

	var lock *DistributedLock
	if r.guard != nil {
		claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		l, err := r.guard.Claim(claimCtx, id, r.now())
		cancel()
		if err != nil {
			r.log.ErrorContext(ctx, "Failed to claim fire, skipping", "job_name", jobName, "error", err)
			r.metrics.RecordFireSkipped()
			return
		}
		if l == nil {
			r.log.DebugContext(ctx, "Fire already claimed by another replica", "job_name", jobName)
			r.metrics.RecordFireSkipped()
			return
		}
		lock = l
	}

	if err := r.dispatcher.Fire(id, jobName, params); err != nil && lock != nil {
		// Let another replica take this minute.
		if rerr := lock.Release(ctx); rerr != nil {
			r.log.WarnContext(ctx, "Failed to release fire lock", "error", rerr)
		}
	}
}

// Entries returns a snapshot of the installed timers
func (r *Reconciler) Entries() []TimerEntry {
	return r.registry.Entries()
}
