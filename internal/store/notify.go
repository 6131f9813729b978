package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/jobsync/internal/logger"
)

// Op is the kind of change carried by an Event
type Op string

const (
	OpSaved   Op = "saved"
	OpDeleted Op = "deleted"
)

// Event announces that a schedule record was created, updated or deleted
type Event struct {
	Op Op     `json:"op"`
	ID string `json:"id"`
}

// Handler receives change notifications
type Handler interface {
	OnRecordSaved(ctx context.Context, id string) error
	OnRecordDeleted(ctx context.Context, id string) error
}

// EventsChannel returns the pub/sub channel for a key prefix
func EventsChannel(keyPrefix string) string {
	return keyPrefix + "schedule_events"
}

// Notifier publishes change events
type Notifier struct {
	client  *redis.Client
	channel string
}

// NewNotifier creates a notifier publishing under keyPrefix
func NewNotifier(client *redis.Client, keyPrefix string) *Notifier {
	return &Notifier{client: client, channel: EventsChannel(keyPrefix)}
}

// Publish sends one event
func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event for %s: %w", ev.Op, ev.ID, err)
	}
	return nil
}

// Watcher subscribes to change events and hands them to a Handler
type Watcher struct {
	client  *redis.Client
	channel string
	log     logger.Logger
	ready   chan struct{}
}

// NewWatcher creates a watcher for events under keyPrefix
func NewWatcher(client *redis.Client, keyPrefix string, log logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default().WithComponent(logger.ComponentStore)
	}
	return &Watcher{
		client:  client,
		channel: EventsChannel(keyPrefix),
		log:     log,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the subscription is confirmed
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run subscribes and dispatches events until ctx is done. Events are
// handled one at a time in arrival order so a save followed by a delete
// of the same ID cannot be reordered. Handler errors are logged only.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	pubsub := w.client.Subscribe(ctx, w.channel)
	defer func() {
		_ = pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", w.channel, err)
	}
	close(w.ready)
	w.log.Info("Watching schedule changes", "channel", w.channel)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			w.dispatch(ctx, msg.Payload, h)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, payload string, h Handler) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.ID == "" {
		w.log.Warn("Ignoring malformed schedule event", "payload", payload, "error", err)
		return
	}

	ctx = logger.WithScheduleID(ctx, ev.ID)

	var err error
	switch ev.Op {
	case OpSaved:
		err = h.OnRecordSaved(ctx, ev.ID)
	case OpDeleted:
		err = h.OnRecordDeleted(ctx, ev.ID)
	default:
		w.log.Warn("Ignoring schedule event with unknown op", "op", ev.Op, "schedule_id", ev.ID)
		return
	}

	if err != nil {
		w.log.ErrorContext(ctx, "Failed to apply schedule event", "op", ev.Op, "error", err)
	}
}
