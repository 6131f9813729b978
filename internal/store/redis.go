// Package store reads schedule records from Redis and carries change
// notifications for them.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/schedule"
	"github.com/muaviaUsmani/jobsync/internal/serialization"
)

// DefaultKeyPrefix namespaces every key the service touches
const DefaultKeyPrefix = "jobsync:"

// ErrNotFound is returned by FindByID when no record exists for the ID
var ErrNotFound = errors.New("schedule not found")

// RedisStore keeps schedule records in Redis:
//
//	<prefix>schedules        SET of schedule IDs
//	<prefix>schedule:<id>    serialized record
//	<prefix>state:<id>       HASH of fire state
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	serializer *serialization.Serializer
	log        logger.Logger

	idsKey string
}

// Option configures a RedisStore
type Option func(*RedisStore)

// WithKeyPrefix overrides DefaultKeyPrefix
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithFormat sets the encoding used for records written by Save
func WithFormat(format serialization.PayloadFormat) Option {
	return func(s *RedisStore) { s.serializer = serialization.NewSerializer(format) }
}

// WithLogger sets the store logger
func WithLogger(l logger.Logger) Option {
	return func(s *RedisStore) { s.log = l }
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(ctx context.Context, redisURL string, opts ...Option) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:     client,
		keyPrefix:  DefaultKeyPrefix,
		serializer: serialization.NewSerializer(serialization.FormatJSON),
		log:        logger.Default().WithComponent(logger.ComponentStore),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.idsKey = s.keyPrefix + "schedules"
	return s
}

// Client returns the underlying Redis client
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// KeyPrefix returns the key namespace of this store
func (s *RedisStore) KeyPrefix() string {
	return s.keyPrefix
}

func (s *RedisStore) recordKey(id string) string {
	var b strings.Builder
	b.Grow(len(s.keyPrefix) + 9 + len(id)) // "schedule:" = 9 chars
	b.WriteString(s.keyPrefix)
	b.WriteString("schedule:")
	b.WriteString(id)
	return b.String()
}

func (s *RedisStore) stateKey(id string) string {
	return s.keyPrefix + "state:" + id
}

// FindAll returns every stored record ordered by ID. Records that cannot
// be decoded are logged and skipped.
func (s *RedisStore) FindAll(ctx context.Context) ([]*schedule.Record, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule ids: %w", err)
	}
	if len(ids) == 0 {
		return []*schedule.Record{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}

	records := make([]*schedule.Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Listed but not stored; a concurrent Delete is in progress
			s.log.Warn("Schedule listed without data", "schedule_id", ids[i])
			continue
		}

		rec, err := s.decode(ids[i], []byte(raw))
		if err != nil {
			s.log.Error("Failed to decode schedule", "schedule_id", ids[i], "error", err)
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// FindByID returns the record stored under id, or ErrNotFound
func (s *RedisStore) FindByID(ctx context.Context, id string) (*schedule.Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %s: %w", id, err)
	}
	return s.decode(id, raw)
}

func (s *RedisStore) decode(id string, raw []byte) (*schedule.Record, error) {
	rec := &schedule.Record{}
	if err := s.serializer.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("failed to decode schedule %s: %w", id, err)
	}
	// The key is authoritative
	rec.ID = id
	return rec, nil
}

// Save writes a record. The scheduler itself never calls this; it is
// the producer side used by pkg/client and tests.
func (s *RedisStore) Save(ctx context.Context, rec *schedule.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("schedule ID cannot be empty")
	}

	data, err := s.serializer.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode schedule %s: %w", rec.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
	pipe.SAdd(ctx, s.idsKey, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", rec.ID, err)
	}

	s.log.Debug("Schedule saved", "schedule_id", rec.ID, "format", s.serializer.DefaultFormat.String())
	return nil
}

// Delete removes a record and its fire state. Deleting an unknown ID is
// not an error.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(id), s.stateKey(id))
	pipe.SRem(ctx, s.idsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
