// Package trigger launches jobs on the external job endpoint when a
// schedule fires.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/metrics"
)

// Header names understood by the job endpoint
const (
	HeaderApplicationID = "X-Parse-Application-Id"
	HeaderMasterKey     = "X-Parse-Master-Key"
)

// DefaultTimeout bounds a single trigger call
const DefaultTimeout = 30 * time.Second

// StateRecorder persists the outcome of a trigger attempt
type StateRecorder interface {
	RecordFire(ctx context.Context, id string, firedAt time.Time, fireErr error) error
}

// Config identifies the job endpoint
type Config struct {
	ServerURL     string
	ApplicationID string
	MasterKey     string
	Timeout       time.Duration
}

// Invoker posts job trigger requests. Fire hands the call to a Pool and
// returns at once; outcomes are only logged.
type Invoker struct {
	cfg     Config
	pool    *Pool
	client  *http.Client
	log     logger.Logger
	metrics *metrics.Collector
	state   StateRecorder
}

// Option configures an Invoker
type Option func(*Invoker)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(inv *Invoker) { inv.client = c }
}

// WithMetrics sets the collector dispatch outcomes are counted in
func WithMetrics(c *metrics.Collector) Option {
	return func(inv *Invoker) { inv.metrics = c }
}

// WithStateRecorder records every attempt's outcome
func WithStateRecorder(r StateRecorder) Option {
	return func(inv *Invoker) { inv.state = r }
}

// NewInvoker creates an invoker that submits to pool
func NewInvoker(cfg Config, pool *Pool, log logger.Logger, opts ...Option) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if log == nil {
		log = &logger.NoOpLogger{}
	}

	inv := &Invoker{
		cfg:     cfg,
		pool:    pool,
		client:  &http.Client{},
		log:     log.WithComponent(logger.ComponentTrigger).WithSource(logger.LogSourceTrigger),
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Fire schedules a trigger call for jobName. The returned error is only
// non-nil when the call could not be queued.
func (inv *Invoker) Fire(scheduleID, jobName string, params map[string]interface{}) error {
	inv.metrics.RecordFire()

	err := inv.pool.Submit(func(ctx context.Context) {
		_ = inv.Trigger(ctx, scheduleID, jobName, params)
	})
	if err != nil {
		inv.metrics.RecordDispatchDropped()
		inv.log.Error("Job trigger dropped",
			"schedule_id", scheduleID,
			"job_name", jobName,
			"error", err)
	}
	return err
}

// Trigger performs one trigger call synchronously. Failures are logged and
// returned as dispatch errors.
func (inv *Invoker) Trigger(ctx context.Context, scheduleID, jobName string, params map[string]interface{}) error {
	start := time.Now()
	requestID := uuid.NewString()
	ctx = logger.WithScheduleID(ctx, scheduleID)

	err := inv.post(ctx, jobName, params)
	latency := time.Since(start)
	inv.metrics.RecordDispatch(err == nil, latency)

	if err != nil {
		err = apperrors.Dispatch(scheduleID, err)
		inv.log.ErrorContext(ctx, "Job trigger failed",
			"job_name", jobName,
			"request_id", requestID,
			"duration", latency,
			"error", err)
	} else {
		inv.log.InfoContext(ctx, fmt.Sprintf("Job %s launched", jobName),
			"job_name", jobName,
			"request_id", requestID,
			"duration", latency)
	}

	if inv.state != nil && scheduleID != "" {
		if serr := inv.state.RecordFire(ctx, scheduleID, start, err); serr != nil {
			inv.log.WarnContext(ctx, "Failed to record fire state", "error", serr)
		}
	}
	return err
}

func (inv *Invoker) post(ctx context.Context, jobName string, params map[string]interface{}) error {
	body := []byte("{}")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		body = b
	}

	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	endpoint := inv.cfg.ServerURL + "/jobs/" + url.PathEscape(jobName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderApplicationID, inv.cfg.ApplicationID)
	req.Header.Set(HeaderMasterKey, inv.cfg.MasterKey)

	resp, err := inv.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
