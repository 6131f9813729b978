package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muaviaUsmani/jobsync/internal/schedule"
)

func startedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	r.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func hourly() schedule.Rule {
	return schedule.Rule{Kind: schedule.KindRecurring, Minute: "0", Hour: "0-23/1", DayOfWeek: "*"}
}

func waitForCount(t *testing.T, n *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d fires, got %d", want, n.Load())
}

func TestRegistry_InstallReplacesExisting(t *testing.T) {
	r := startedRegistry(t)

	if err := r.Install("s1", hourly(), func() {}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	first, _ := r.Get("s1")

	replacement := schedule.Rule{Kind: schedule.KindRecurring, Minute: "15-59/30", Hour: "8-23/1", DayOfWeek: "1,3"}
	if err := r.Install("s1", replacement, func() {}); err != nil {
		t.Fatalf("second Install failed: %v", err)
	}

	if r.Count() != 1 {
		t.Fatalf("expected exactly one entry, got %d", r.Count())
	}
	second, ok := r.Get("s1")
	if !ok {
		t.Fatal("entry missing after replace")
	}
	if second.EntryID == first.EntryID {
		t.Error("expected a new cron entry for the replacement")
	}
	if !second.Rule.Equal(replacement) {
		t.Errorf("expected replacement rule, got %+v", second.Rule)
	}
}

func TestRegistry_RemoveAndClear(t *testing.T) {
	r := startedRegistry(t)

	for _, id := range []string{"b", "a", "c"} {
		if err := r.Install(id, hourly(), func() {}); err != nil {
			t.Fatalf("Install(%s) failed: %v", id, err)
		}
	}
	if got := r.IDs(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("IDs not sorted: %v", got)
	}

	if !r.Remove("b") {
		t.Error("Remove of an installed id should report true")
	}
	if r.Remove("b") {
		t.Error("Remove of an absent id should report false")
	}
	if r.Remove("never") {
		t.Error("Remove of an unknown id should report false")
	}

	if n := r.Clear(); n != 2 {
		t.Errorf("Clear removed %d, want 2", n)
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}

func TestRegistry_PastOnceFiresImmediatelyAndOnlyOnce(t *testing.T) {
	r := startedRegistry(t)

	var fires atomic.Int32
	rule := schedule.Once(time.Now().Add(-time.Hour))
	if err := r.Install("once", rule, func() { fires.Add(1) }); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	waitForCount(t, &fires, 1)
	time.Sleep(200 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("single-shot timer fired %d times", got)
	}

	e, ok := r.Get("once")
	if !ok {
		t.Fatal("fired single-shot entry should stay registered")
	}
	if !e.Next.IsZero() {
		t.Errorf("expected no next fire, got %v", e.Next)
	}
}

func TestRegistry_InstalledBeforeStartFires(t *testing.T) {
	r := NewRegistry(nil)

	var fires atomic.Int32
	if err := r.Install("early", schedule.Once(time.Now().Add(-time.Minute)), func() { fires.Add(1) }); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	r.Start()
	defer r.Stop(context.Background())

	waitForCount(t, &fires, 1)
}

func TestRegistry_FutureOnceFiresAtInstant(t *testing.T) {
	r := startedRegistry(t)

	fired := make(chan time.Time, 1)
	at := time.Now().Add(300 * time.Millisecond)
	if err := r.Install("soon", schedule.Once(at), func() { fired <- time.Now() }); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	select {
	case got := <-fired:
		if got.Before(at) {
			t.Errorf("fired at %v, before %v", got, at)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("single-shot timer did not fire")
	}
}

func TestRegistry_RemovedTimerDoesNotFire(t *testing.T) {
	r := startedRegistry(t)

	var fires atomic.Int32
	if err := r.Install("s1", schedule.Once(time.Now().Add(300*time.Millisecond)), func() { fires.Add(1) }); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	r.Remove("s1")

	time.Sleep(600 * time.Millisecond)
	if got := fires.Load(); got != 0 {
		t.Errorf("removed timer fired %d times", got)
	}
}

func TestRegistry_EntriesReportNextFireInUTC(t *testing.T) {
	r := startedRegistry(t)

	if err := r.Install("hourly", hourly(), func() {}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	next := entries[0].Next
	now := time.Now()
	if !next.After(now) || next.Sub(now) > time.Hour {
		t.Errorf("next fire %v not within the coming hour", next)
	}
	if next.UTC().Minute() != 0 || next.UTC().Second() != 0 {
		t.Errorf("expected top of the hour, got %v", next.UTC())
	}
	if entries[0].InstalledAt.IsZero() {
		t.Error("expected install time to be set")
	}
}

func TestRegistry_InstallRejectsInvalid(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		name   string
		id     string
		rule   schedule.Rule
		onFire func()
	}{
		{"empty id", "", hourly(), func() {}},
		{"nil callback", "s1", hourly(), nil},
		{"zero instant", "s1", schedule.Rule{Kind: schedule.KindOnce}, func() {}},
		{"bad expression", "s1", schedule.Rule{Kind: schedule.KindRecurring, Minute: "99", Hour: "*", DayOfWeek: "*"}, func() {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Install(tt.id, tt.rule, tt.onFire); err == nil {
				t.Error("expected an error")
			}
			if r.Count() != 0 {
				t.Errorf("rejected install left %d entries", r.Count())
			}
		})
	}
}

func TestRegistry_StopWaitsForRunningJob(t *testing.T) {
	r := NewRegistry(nil)
	r.Start()

	started := make(chan struct{})
	release := make(chan struct{})
	_ = r.Install("slow", schedule.Once(time.Now().Add(-time.Second)), func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Stop(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected Stop to time out on a running job, got %v", err)
	}

	close(release)
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("Stop after job finished: %v", err)
	}
}

func TestOnceSchedule_YieldsInstantOnce(t *testing.T) {
	at := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &onceSchedule{at: at}

	if got := s.Next(time.Now()); !got.Equal(at) {
		t.Errorf("first Next = %v, want %v", got, at)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Errorf("second Next = %v, want zero", got)
	}
}
