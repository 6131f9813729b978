package trigger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
	"github.com/muaviaUsmani/jobsync/internal/metrics"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

type jobServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	got      chan struct{}
}

func newJobServer(t *testing.T, status int) *jobServer {
	t.Helper()
	js := &jobServer{status: status, got: make(chan struct{}, 16)}
	js.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		js.mu.Lock()
		js.requests = append(js.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		js.mu.Unlock()
		w.WriteHeader(js.status)
		js.got <- struct{}{}
	}))
	t.Cleanup(js.Close)
	return js
}

func (js *jobServer) last(t *testing.T) capturedRequest {
	t.Helper()
	select {
	case <-js.got:
	case <-time.After(2 * time.Second):
		t.Fatal("job endpoint was not called")
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.requests[len(js.requests)-1]
}

type recordedFire struct {
	id  string
	err error
}

type fakeStateRecorder struct {
	mu    sync.Mutex
	fires []recordedFire
}

func (f *fakeStateRecorder) RecordFire(_ context.Context, id string, _ time.Time, fireErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, recordedFire{id: id, err: fireErr})
	return nil
}

func TestInvoker_TriggerRequestShape(t *testing.T) {
	js := newJobServer(t, http.StatusOK)
	inv := NewInvoker(Config{ServerURL: js.URL + "/", ApplicationID: "app1", MasterKey: "mk"},
		NewPool(1, 1, nil), nil, WithMetrics(metrics.NewCollector()))

	err := inv.Trigger(context.Background(), "s1", "cleanup", map[string]interface{}{"n": 1})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	req := js.last(t)
	if req.Method != http.MethodPost {
		t.Errorf("method: got %s, want POST", req.Method)
	}
	if req.Path != "/jobs/cleanup" {
		t.Errorf("path: got %s, want /jobs/cleanup", req.Path)
	}
	if got := req.Header.Get(HeaderApplicationID); got != "app1" {
		t.Errorf("application id header: got %q", got)
	}
	if got := req.Header.Get(HeaderMasterKey); got != "mk" {
		t.Errorf("master key header: got %q", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type: got %q", got)
	}

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["n"] != float64(1) {
		t.Errorf("body: got %v", body)
	}
}

func TestInvoker_EmptyMasterKeyHeaderPresent(t *testing.T) {
	js := newJobServer(t, http.StatusOK)
	inv := NewInvoker(Config{ServerURL: js.URL, ApplicationID: "app1"},
		NewPool(1, 1, nil), nil, WithMetrics(metrics.NewCollector()))

	if err := inv.Trigger(context.Background(), "s1", "report", nil); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	req := js.last(t)
	values, ok := req.Header[http.CanonicalHeaderKey(HeaderMasterKey)]
	if !ok || len(values) != 1 || values[0] != "" {
		t.Errorf("expected empty master key header to be sent, got %v (present=%v)", values, ok)
	}
	if req.Body != "{}" {
		t.Errorf("nil params should send {}, got %q", req.Body)
	}
}

func TestInvoker_NonSuccessIsDispatchError(t *testing.T) {
	js := newJobServer(t, http.StatusInternalServerError)
	m := metrics.NewCollector()
	state := &fakeStateRecorder{}
	inv := NewInvoker(Config{ServerURL: js.URL, ApplicationID: "app1"},
		NewPool(1, 1, nil), nil, WithMetrics(m), WithStateRecorder(state))

	err := inv.Trigger(context.Background(), "s1", "broken", nil)
	if !apperrors.Is(err, apperrors.ErrDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	js.last(t)

	snap := m.GetMetrics()
	if snap.DispatchFailures != 1 || snap.Dispatched != 0 {
		t.Errorf("metrics: %+v", snap)
	}
	if len(state.fires) != 1 || state.fires[0].id != "s1" || state.fires[0].err == nil {
		t.Errorf("state recorder: %+v", state.fires)
	}
}

func TestInvoker_TransportErrorIsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	inv := NewInvoker(Config{ServerURL: url, ApplicationID: "app1", Timeout: time.Second},
		NewPool(1, 1, nil), nil, WithMetrics(metrics.NewCollector()))

	err := inv.Trigger(context.Background(), "s1", "job", nil)
	if !apperrors.Is(err, apperrors.ErrDispatch) {
		t.Errorf("expected dispatch error, got %v", err)
	}
}

func TestInvoker_FireIsAsynchronous(t *testing.T) {
	js := newJobServer(t, http.StatusOK)
	pool := NewPool(2, 4, nil)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	m := metrics.NewCollector()
	state := &fakeStateRecorder{}
	inv := NewInvoker(Config{ServerURL: js.URL, ApplicationID: "app1"}, pool, nil,
		WithMetrics(m), WithStateRecorder(state))

	if err := inv.Fire("s9", "nightly", map[string]interface{}{"full": true}); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	req := js.last(t)
	if req.Path != "/jobs/nightly" {
		t.Errorf("path: got %s", req.Path)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.GetMetrics().Dispatched == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap := m.GetMetrics(); snap.Fires != 1 || snap.Dispatched != 1 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestInvoker_FireDroppedWhenPoolStopped(t *testing.T) {
	pool := NewPool(1, 1, nil)
	_ = pool.Stop(context.Background())

	m := metrics.NewCollector()
	inv := NewInvoker(Config{ServerURL: "http://127.0.0.1:1", ApplicationID: "app1"}, pool, nil, WithMetrics(m))

	if err := inv.Fire("s1", "job", nil); err != ErrPoolStopped {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
	if snap := m.GetMetrics(); snap.DispatchDropped != 1 {
		t.Errorf("expected one dropped dispatch, got %+v", snap)
	}
}
