package store

import (
	"encoding/json"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/schedule"
	"github.com/muaviaUsmani/jobsync/internal/serialization"
)

func setupTestStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]Option{WithLogger(&logger.NoOpLogger{})}, opts...)
	return NewRedisStoreFromClient(client, opts...), mr
}

func sampleRecord(id string) *schedule.Record {
	return &schedule.Record{
		ID:            id,
		StartAfter:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		RepeatMinutes: 90,
		TimeOfDay:     "08:15:00.000Z",
		DaysOfWeek:    []bool{false, true, true, true, true, true, false},
		JobName:       "nightly_report",
		Params:        map[string]interface{}{"tenant": "acme", "limit": float64(25)},
	}
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), WithKeyPrefix("test:"))
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer s.Close()

	if s.KeyPrefix() != "test:" {
		t.Errorf("prefix mismatch: got %s", s.KeyPrefix())
	}

	if _, err := NewRedisStore(context.Background(), "not a url"); err == nil {
		t.Error("expected error for malformed URL")
	}
}

func TestRedisStore_SaveAndFind(t *testing.T) {
	for _, format := range []serialization.PayloadFormat{serialization.FormatJSON, serialization.FormatProtobuf} {
		t.Run(format.String(), func(t *testing.T) {
			s, _ := setupTestStore(t, WithFormat(format))
			ctx := context.Background()

			want := sampleRecord("abc")
			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			got, err := s.FindByID(ctx, "abc")
			if err != nil {
				t.Fatalf("FindByID failed: %v", err)
			}

			if got.ID != want.ID || got.JobName != want.JobName || got.RepeatMinutes != want.RepeatMinutes {
				t.Errorf("record mismatch: got %+v", got)
			}
			if !got.StartAfter.Equal(want.StartAfter) {
				t.Errorf("start mismatch: got %v, want %v", got.StartAfter, want.StartAfter)
			}
			if got.TimeOfDay != want.TimeOfDay {
				t.Errorf("time of day mismatch: got %q", got.TimeOfDay)
			}
			if len(got.DaysOfWeek) != 7 || !got.DaysOfWeek[1] || got.DaysOfWeek[0] {
				t.Errorf("days mismatch: got %v", got.DaysOfWeek)
			}
			if got.Params["tenant"] != "acme" || got.Params["limit"] != json.Number("25") {
				t.Errorf("params mismatch: got %v", got.Params)
			}

			// Compiles identically after the round trip
			wantRule, _ := schedule.Compile(want)
			gotRule, err := schedule.Compile(got)
			if err != nil || !gotRule.Equal(wantRule) {
				t.Errorf("compiled rule changed: %q vs %q (%v)", gotRule.Expr(), wantRule.Expr(), err)
			}
		})
	}
}

func TestRedisStore_FindByID_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)

	_, err := s.FindByID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_FindByID_RedisDown(t *testing.T) {
	s, mr := setupTestStore(t)
	mr.Close()

	_, err := s.FindByID(context.Background(), "abc")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestRedisStore_FindAll(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	records, err := s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll on empty store failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Save(ctx, sampleRecord(id)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	// A corrupt record and a dangling ID are skipped
	if err := mr.Set(DefaultKeyPrefix+"schedule:bad", "\x7fgarbage"); err != nil {
		t.Fatalf("failed to seed bad record: %v", err)
	}
	if _, err := mr.SAdd(DefaultKeyPrefix+"schedules", "bad", "dangling"); err != nil {
		t.Fatalf("failed to seed ids: %v", err)
	}

	records, err = s.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if records[i].ID != want {
			t.Errorf("record %d: got %s, want %s", i, records[i].ID, want)
		}
	}
}

func TestRedisStore_FindAll_RedisDown(t *testing.T) {
	s, mr := setupTestStore(t)
	mr.Close()

	if _, err := s.FindAll(context.Background()); err == nil {
		t.Error("expected error when Redis is down")
	}
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleRecord("gone")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.RecordFire(ctx, "gone", time.Now(), nil); err != nil {
		t.Fatalf("RecordFire failed: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := s.FindByID(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	state, err := s.GetState(ctx, "gone")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.FireCount != 0 {
		t.Errorf("state not cleared: %+v", state)
	}

	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete of unknown id should not fail: %v", err)
	}
}

func TestRedisStore_SaveRejectsEmptyID(t *testing.T) {
	s, _ := setupTestStore(t)

	if err := s.Save(context.Background(), &schedule.Record{JobName: "j"}); err == nil {
		t.Error("expected error for empty ID")
	}
}

func TestRedisStore_FireState(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	state, err := s.GetState(ctx, "s1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.LastFired.IsZero() || state.FireCount != 0 {
		t.Errorf("expected zero state, got %+v", state)
	}

	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.RecordFire(ctx, "s1", first, errors.New("502 Bad Gateway")); err != nil {
		t.Fatalf("RecordFire failed: %v", err)
	}

	state, _ = s.GetState(ctx, "s1")
	if state.LastError != "502 Bad Gateway" || !state.LastSuccess.IsZero() || state.FireCount != 1 {
		t.Errorf("unexpected state after failure: %+v", state)
	}

	second := first.Add(time.Hour)
	if err := s.RecordFire(ctx, "s1", second, nil); err != nil {
		t.Fatalf("RecordFire failed: %v", err)
	}

	state, _ = s.GetState(ctx, "s1")
	if state.LastError != "" {
		t.Errorf("error not cleared: %q", state.LastError)
	}
	if !state.LastFired.Equal(second) || !state.LastSuccess.Equal(second) {
		t.Errorf("times not updated: %+v", state)
	}
	if state.FireCount != 2 {
		t.Errorf("fire count mismatch: got %d, want 2", state.FireCount)
	}
}

func TestRedisStore_LastFiredKeepsSubSecond(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	last, err := s.LastFired(ctx, "s1")
	if err != nil || !last.IsZero() {
		t.Fatalf("expected zero time for unfired schedule, got %v, %v", last, err)
	}

	fired := time.Date(2024, 5, 1, 10, 0, 0, 250*int(time.Millisecond), time.UTC)
	if err := s.RecordFire(ctx, "s1", fired, nil); err != nil {
		t.Fatalf("RecordFire failed: %v", err)
	}

	last, err = s.LastFired(ctx, "s1")
	if err != nil {
		t.Fatalf("LastFired failed: %v", err)
	}
	if !last.Equal(fired) {
		t.Errorf("LastFired = %v, want %v", last, fired)
	}
}
