// Package client writes schedule records and announces the change to
// running jobsync daemons.
package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/jobsync/internal/schedule"
	"github.com/muaviaUsmani/jobsync/internal/store"
)

// Client provides a simple API for managing schedule records
type Client struct {
	store    *store.RedisStore
	notifier *store.Notifier
	ctx      context.Context
}

// NewClient creates a new schedule client connected to Redis
func NewClient(redisURL string, opts ...store.Option) (*Client, error) {
	s, err := store.NewRedisStore(context.Background(), redisURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newClient(s), nil
}

// NewClientFromRedis wraps an existing Redis client
func NewClientFromRedis(rc *redis.Client, opts ...store.Option) *Client {
	return newClient(store.NewRedisStoreFromClient(rc, opts...))
}

func newClient(s *store.RedisStore) *Client {
	return &Client{
		store:    s,
		notifier: store.NewNotifier(s.Client(), s.KeyPrefix()),
		ctx:      context.Background(),
	}
}

// CreateSchedule stores a new record, assigning an ID if it has none.
// Returns the schedule ID on success.
func (c *Client) CreateSchedule(rec *schedule.Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("record is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := c.SaveSchedule(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// SaveSchedule writes rec and notifies daemons. Records that would not
// compile into a firing rule are rejected before anything is written.
func (c *Client) SaveSchedule(rec *schedule.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record with an ID is required")
	}
	if _, err := schedule.Compile(rec); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	if err := c.store.Save(c.ctx, rec); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	if err := c.notifier.Publish(c.ctx, store.Event{Op: store.OpSaved, ID: rec.ID}); err != nil {
		return fmt.Errorf("schedule saved but notification failed: %w", err)
	}
	return nil
}

// DeleteSchedule removes a record and notifies daemons
func (c *Client) DeleteSchedule(id string) error {
	if err := c.store.Delete(c.ctx, id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if err := c.notifier.Publish(c.ctx, store.Event{Op: store.OpDeleted, ID: id}); err != nil {
		return fmt.Errorf("schedule deleted but notification failed: %w", err)
	}
	return nil
}

// GetSchedule retrieves a record by its ID
func (c *Client) GetSchedule(id string) (*schedule.Record, error) {
	rec, err := c.store.FindByID(c.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return rec, nil
}

// ListSchedules returns every stored record ordered by ID
func (c *Client) ListSchedules() ([]*schedule.Record, error) {
	recs, err := c.store.FindAll(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return recs, nil
}

// GetState returns the fire history of a schedule
func (c *Client) GetState(id string) (*store.FireState, error) {
	return c.store.GetState(c.ctx, id)
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}
