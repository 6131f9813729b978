package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
	"github.com/muaviaUsmani/jobsync/internal/metrics"
	"github.com/muaviaUsmani/jobsync/internal/trigger"
)

func bindAll(store Store, d Dispatcher) BindFunc {
	return func(string) (Store, Dispatcher, error) { return store, d, nil }
}

func TestFactory_OneReconcilerPerIdentity(t *testing.T) {
	f := NewFactory(bindAll(newFakeStore(), newFakeDispatcher()), nil, WithMetrics(metrics.NewCollector()))
	defer f.Close(context.Background())

	a1, err := f.Get("app-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	a2, _ := f.Get("app-a")
	b, _ := f.Get("app-b")

	if a1 != a2 {
		t.Error("same identity should return the same reconciler")
	}
	if a1 == b || a1.Registry() == b.Registry() {
		t.Error("different identities should not share a reconciler or registry")
	}
	if a1.AppID() != "app-a" {
		t.Errorf("AppID = %q", a1.AppID())
	}
	if ids := f.AppIDs(); len(ids) != 2 || ids[0] != "app-a" || ids[1] != "app-b" {
		t.Errorf("AppIDs = %v", ids)
	}
}

func TestFactory_IdentitiesUseTheirOwnStoreAndCredentials(t *testing.T) {
	type call struct{ appID, master, path string }
	calls := make(chan call, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- call{
			appID:  r.Header.Get(trigger.HeaderApplicationID),
			master: r.Header.Get(trigger.HeaderMasterKey),
			path:   r.URL.Path,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := trigger.NewPool(2, 8, nil)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	stores := map[string]*fakeStore{
		"app-a": newFakeStore(),
		"app-b": newFakeStore(onceRecord("b1", time.Now().Add(-time.Minute))),
	}
	bind := func(appID string) (Store, Dispatcher, error) {
		st, ok := stores[appID]
		if !ok {
			return nil, nil, errors.New("unknown application")
		}
		inv := trigger.NewInvoker(trigger.Config{
			ServerURL:     srv.URL,
			ApplicationID: appID,
			MasterKey:     "key-" + appID,
		}, pool, nil, trigger.WithMetrics(metrics.NewCollector()))
		return st, inv, nil
	}

	f := NewFactory(bind, nil, WithMetrics(metrics.NewCollector()))
	defer f.Close(context.Background())

	a, _ := f.Get("app-a")
	b, _ := f.Get("app-b")

	if n, err := a.ResyncAll(context.Background()); err != nil || n != 0 {
		t.Fatalf("app-a ResyncAll = %d, %v", n, err)
	}
	if n, err := b.ResyncAll(context.Background()); err != nil || n != 1 {
		t.Fatalf("app-b ResyncAll = %d, %v", n, err)
	}

	select {
	case c := <-calls:
		if c.appID != "app-b" || c.master != "key-app-b" {
			t.Errorf("app-b trigger sent credentials %q/%q", c.appID, c.master)
		}
		if c.path != "/jobs/job-b1" {
			t.Errorf("unexpected path %q", c.path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the app-b trigger")
	}

	select {
	case c := <-calls:
		t.Errorf("unexpected extra trigger %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFactory_BindFailureIsConfiguration(t *testing.T) {
	f := NewFactory(func(string) (Store, Dispatcher, error) {
		return nil, nil, errors.New("no credentials")
	}, nil)
	defer f.Close(context.Background())

	if _, err := f.Get("app"); !apperrors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if len(f.AppIDs()) != 0 {
		t.Error("failed bind should not register a reconciler")
	}
}

func TestFactory_RejectsEmptyIdentity(t *testing.T) {
	f := NewFactory(bindAll(newFakeStore(), newFakeDispatcher()), nil)
	if _, err := f.Get(""); !apperrors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestFactory_CloseTearsDown(t *testing.T) {
	store := newFakeStore(recurringRecord("a", 30, "08:00:00Z"))
	f := NewFactory(bindAll(store, newFakeDispatcher()), nil, WithMetrics(metrics.NewCollector()))

	r, _ := f.Get("app")
	if _, err := r.ResyncAll(context.Background()); err != nil {
		t.Fatalf("ResyncAll failed: %v", err)
	}

	if err := f.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r.Registry().Count() != 0 {
		t.Error("Close should destroy schedules")
	}
	if _, err := f.Get("app"); !apperrors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("Get after Close: expected configuration error, got %v", err)
	}
}
