package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// FireState is the runtime record of a schedule's trigger attempts.
// The reconciler only reads LastFired, to keep a single-shot schedule from
// firing twice.
type FireState struct {
	ID          string
	LastFired   time.Time
	LastSuccess time.Time
	LastError   string
	FireCount   int64
}

// GetState returns the fire state of a schedule. A schedule that never
// fired yields a zero state.
func (s *RedisStore) GetState(ctx context.Context, id string) (*FireState, error) {
	result, err := s.client.HGetAll(ctx, s.stateKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}

	state := &FireState{ID: id}
	if len(result) == 0 {
		return state, nil
	}

	if v := result["last_fired"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			state.LastFired = t
		}
	}
	if v := result["last_success"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			state.LastSuccess = t
		}
	}
	state.LastError = result["last_error"]
	if v := result["fire_count"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			state.FireCount = n
		}
	}

	return state, nil
}

// RecordFire stores the outcome of one trigger attempt. A nil fireErr
// marks the attempt successful and clears the last error.
func (s *RedisStore) RecordFire(ctx context.Context, id string, firedAt time.Time, fireErr error) error {
	key := s.stateKey(id)
	fields := map[string]interface{}{
		"last_fired": firedAt.UTC().Format(time.RFC3339Nano),
	}

	pipe := s.client.TxPipeline()
	if fireErr != nil {
		fields["last_error"] = fireErr.Error()
	} else {
		fields["last_success"] = firedAt.UTC().Format(time.RFC3339Nano)
		pipe.HDel(ctx, key, "last_error")
	}
	pipe.HSet(ctx, key, fields)
	pipe.HIncrBy(ctx, key, "fire_count", 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record fire for %s: %w", id, err)
	}
	return nil
}

// LastFired returns when the schedule was last triggered, or the zero time
// if it never was
func (s *RedisStore) LastFired(ctx context.Context, id string) (time.Time, error) {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return state.LastFired, nil
}
