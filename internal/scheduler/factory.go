package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
	"github.com/muaviaUsmani/jobsync/internal/logger"
)

// BindFunc resolves the store an identity's records live in and the
// dispatcher that triggers its jobs with its credentials
type BindFunc func(appID string) (Store, Dispatcher, error)

// Factory hands out one Reconciler per application identity, each with its
// own running Registry
type Factory struct {
	bind BindFunc
	log  logger.Logger
	opts       []Option

	mu          sync.Mutex
	reconcilers map[string]*Reconciler
	closed      bool
}

// NewFactory creates a factory that binds every new identity through bind
func NewFactory(bind BindFunc, log logger.Logger, opts ...Option) *Factory {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Factory{
		bind:        bind,
		log:         log,
		opts:        opts,
		reconcilers: make(map[string]*Reconciler),
	}
}

// Get returns the reconciler for appID, creating and starting it on first
// use
func (f *Factory) Get(appID string) (*Reconciler, error) {
	if appID == "" {
		return nil, apperrors.Configuration("factory", errNoIdentity)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, apperrors.Configuration("factory", errors.New("factory is closed"))
	}
	if r, ok := f.reconcilers[appID]; ok {
		return r, nil
	}

	store, dispatcher, err := f.bind(appID)
	if err != nil {
		return nil, apperrors.Configuration("factory", fmt.Errorf("bind %s: %w", appID, err))
	}
	if store == nil || dispatcher == nil {
		return nil, apperrors.Configuration("factory", fmt.Errorf("bind %s: missing store or dispatcher", appID))
	}

	reg := NewRegistry(f.log)
	reg.Start()

	opts := append([]Option{WithLogger(f.log)}, f.opts...)
	r := NewReconciler(appID, store, reg, dispatcher, opts...)
	f.reconcilers[appID] = r
	f.log.Info("Reconciler created", "app_id", appID)
	return r, nil
}

// AppIDs returns the identities with a reconciler, sorted
func (f *Factory) AppIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.reconcilers))
	for id := range f.reconcilers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close destroys every reconciler's schedules and stops its registry
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	reconcilers := f.reconcilers
	f.reconcilers = make(map[string]*Reconciler)
	f.mu.Unlock()

	var errs []error
	for _, r := range reconcilers {
		r.DestroySchedules()
		if err := r.Registry().Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
