// Package replay delivers queued sync operations to the upstream API and
// records the outcome of each delivery.
package replay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/logging"
	"github.com/careunity/careunity/backend/internal/models"
	"github.com/careunity/careunity/backend/internal/sync/queue"
)

// OperationIDHeader carries the operation id so upstream can deduplicate
// repeated deliveries.
const OperationIDHeader = "X-Sync-Operation-Id"

// Transport sends one HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes a Replayer.
type Config struct {
	BaseURL        string
	BatchSize      int
	Concurrency    int
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns the settings used when careunityd has no overrides.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		BatchSize:      50,
		Concurrency:    4,
		MaxRetries:     5,
		BaseBackoff:    time.Minute,
		MaxBackoff:     time.Hour,
		RequestTimeout: 30 * time.Second,
	}
}

// Result summarizes one replay pass.
type Result struct {
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Requeued  int `json:"requeued"`
}

// Replayer claims pending operations and delivers them.
type Replayer struct {
	queue  *queue.Service
	client Transport
	base   *url.URL
	cfg    Config
	logger *logging.Logger

	sinkMu sync.RWMutex
	sink   EventSink

	running atomic.Bool
	now     func() time.Time
}

// New creates a Replayer delivering to cfg.BaseURL through client.
func New(q *queue.Service, client Transport, cfg Config, logger *logging.Logger) (*Replayer, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("replay base URL must be absolute http(s), got %q", cfg.BaseURL))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Replayer{
		queue:  q,
		client: client,
		base:   base,
		cfg:    cfg,
		logger: logger.With(map[string]interface{}{"component": "replay"}),
		now:    time.Now,
	}, nil
}

// SetEventSink registers the receiver of replay events. nil disables events.
func (r *Replayer) SetEventSink(sink EventSink) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.sink = sink
}

func (r *Replayer) emit(ev Event) {
	r.sinkMu.RLock()
	sink := r.sink
	r.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	ev.Time = r.now().UnixMilli()
	sink.Publish(ev)
}

// Running reports whether a pass is in progress.
func (r *Replayer) Running() bool {
	return r.running.Load()
}

// Run requeues failed operations whose back-off has elapsed and then
// replays one batch. It fails with SYNC_IN_PROGRESS when another pass is
// still running.
func (r *Replayer) Run(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, errors.New(errors.ErrSyncInProgress, "a replay pass is already running")
	}
	defer r.running.Store(false)

	requeued, err := r.requeueFailed(ctx)
	if err != nil {
		return Result{}, err
	}
	res, err := r.runOnce(ctx)
	res.Requeued = requeued
	return res, err
}

// RunOnce replays one batch of pending operations.
func (r *Replayer) RunOnce(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, errors.New(errors.ErrSyncInProgress, "a replay pass is already running")
	}
	defer r.running.Store(false)
	return r.runOnce(ctx)
}

func (r *Replayer) runOnce(ctx context.Context) (Result, error) {
	ops, err := r.queue.ClaimPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return Result{}, err
	}
	if len(ops) == 0 {
		return Result{}, nil
	}

	r.emit(Event{Type: EventReplayStarted, Count: len(ops)})
	start := r.now()

	var tally counter
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, group := range groupByEntity(ops) {
		g.Go(func() error {
			r.deliverGroup(gctx, group, &tally)
			return nil
		})
	}
	_ = g.Wait()

	res := tally.result()
	r.logger.Info("Replay pass finished", map[string]interface{}{
		"attempted":   res.Attempted,
		"completed":   res.Completed,
		"failed":      res.Failed,
		"blocked":     res.Blocked,
		"duration_ms": r.now().Sub(start).Milliseconds(),
	})
	r.emit(Event{Type: EventReplayFinished, Result: &res})
	return res, ctx.Err()
}

// deliverGroup sends the operations of one entity in order. After the
// first failure the rest of the group is parked without being sent.
func (r *Replayer) deliverGroup(ctx context.Context, group []*models.SyncOperation, tally *counter) {
	blockedBy := r.olderUnfinished(ctx, group[0])

	for _, op := range group {
		if ctx.Err() != nil {
			r.park(op, "replay interrupted", tally)
			continue
		}
		if blockedBy != "" {
			r.park(op, "waiting for earlier operation "+blockedBy, tally)
			continue
		}

		tally.attempt()
		if err := r.deliver(ctx, op); err != nil {
			r.fail(ctx, op, err, tally)
			blockedBy = op.ID.String()
			continue
		}
		r.complete(ctx, op, tally)
	}
}

// olderUnfinished returns the id of an unfinished operation on the same
// entity that is older than first and not part of this pass, or "".
func (r *Replayer) olderUnfinished(ctx context.Context, first *models.SyncOperation) string {
	if first.EntityKey() == "" {
		return ""
	}
	ops, err := r.queue.PendingForEntity(ctx, *first.EntityType, *first.EntityID)
	if err != nil {
		r.logger.Warn("Failed to check entity order", map[string]interface{}{"id": first.ID.String(), "error": err.Error()})
		return ""
	}
	for _, other := range ops {
		if other.ID == first.ID || other.Status == models.StatusProcessing {
			continue
		}
		if other.Timestamp < first.Timestamp || (other.Timestamp == first.Timestamp && other.ID < first.ID) {
			return other.ID.String()
		}
	}
	return ""
}

// deliver sends op upstream. Any non-2xx status is an error.
func (r *Replayer) deliver(ctx context.Context, op *models.SyncOperation) error {
	target, err := r.resolve(op.URL)
	if err != nil {
		return err
	}

	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	var body io.Reader
	if op.Body != nil {
		body = strings.NewReader(*op.Body)
	}
	req, err := http.NewRequestWithContext(ctx, string(op.Method), target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for name, value := range op.Headers {
		req.Header.Set(name, value)
	}
	if op.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(OperationIDHeader, op.ID.String())

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "upstream request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.ErrSyncFailed, fmt.Sprintf("upstream returned %s", resp.Status))
	}
	return nil
}

// resolve turns operation URLs into upstream URLs. Targets off the
// upstream origin are refused.
func (r *Replayer) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "invalid operation URL", err)
	}
	target := r.base.ResolveReference(u)
	if !queue.SameOrigin(target, r.base) {
		return "", errors.New(errors.ErrSyncFailed, fmt.Sprintf("operation URL %s is outside the upstream origin", target.Redacted()))
	}
	return target.String(), nil
}

func (r *Replayer) complete(ctx context.Context, op *models.SyncOperation, tally *counter) {
	updated, err := r.queue.MarkCompleted(context.WithoutCancel(ctx), op)
	if err != nil {
		r.logger.Error("Failed to record completed operation", err, map[string]interface{}{"id": op.ID.String()})
		return
	}
	tally.complete()
	r.emit(Event{Type: EventOperationCompleted, Operation: updated})
}

func (r *Replayer) fail(ctx context.Context, op *models.SyncOperation, cause error, tally *counter) {
	updated, err := r.queue.MarkFailed(context.WithoutCancel(ctx), op, cause)
	if err != nil {
		r.logger.Error("Failed to record failed operation", err, map[string]interface{}{"id": op.ID.String()})
		return
	}
	tally.fail()
	r.logger.Warn("Sync operation delivery failed", map[string]interface{}{
		"id":      op.ID.String(),
		"retries": updated.Retries,
		"error":   cause.Error(),
	})
	r.emit(Event{Type: EventOperationFailed, Operation: updated})
}

// park moves op to error without counting a retry. It uses a fresh context
// so interrupted passes still release their claims.
func (r *Replayer) park(op *models.SyncOperation, reason string, tally *counter) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := r.queue.MarkBlocked(ctx, op, reason)
	if err != nil {
		r.logger.Error("Failed to park operation", err, map[string]interface{}{"id": op.ID.String()})
		return
	}
	tally.block()
	r.emit(Event{Type: EventOperationBlocked, Operation: updated})
}

// RequeueFailed moves failed operations with retries left back to pending
// once their back-off has elapsed.
func (r *Replayer) RequeueFailed(ctx context.Context) (int, error) {
	return r.requeueFailed(ctx)
}

func (r *Replayer) requeueFailed(ctx context.Context) (int, error) {
	ops, err := r.queue.ListRetryable(ctx, r.cfg.MaxRetries)
	if err != nil {
		return 0, err
	}

	now := r.now()
	count := 0
	for _, op := range ops {
		wait := queue.Backoff(op.Retries, r.cfg.BaseBackoff, r.cfg.MaxBackoff)
		if now.Before(time.UnixMilli(op.UpdatedAt).Add(wait)) {
			continue
		}
		updated, err := r.queue.Requeue(ctx, op)
		if err != nil {
			if errors.Is(err, errors.ErrInvalidTransition) {
				continue
			}
			return count, err
		}
		count++
		r.emit(Event{Type: EventOperationRequeued, Operation: updated})
	}
	if count > 0 {
		r.logger.Info("Requeued failed sync operations", map[string]interface{}{"count": count})
	}
	return count, nil
}

// RecoverInterrupted parks operations left in processing by a previous
// process so they re-enter the retry cycle. Call it before the first pass.
func (r *Replayer) RecoverInterrupted(ctx context.Context) (int, error) {
	ops, err := r.queue.List(ctx, models.SyncOperationFilter{Status: models.StatusProcessing})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, op := range ops {
		if _, err := r.queue.MarkBlocked(ctx, op, "replay interrupted"); err != nil {
			if errors.Is(err, errors.ErrInvalidTransition) {
				continue
			}
			return count, err
		}
		count++
	}
	if count > 0 {
		r.logger.Warn("Recovered interrupted sync operations", map[string]interface{}{"count": count})
	}
	return count, nil
}

// groupByEntity splits ops (oldest first) into delivery groups. Operations
// on the same entity share a group in their original order; unlinked
// operations are delivered alone.
func groupByEntity(ops []*models.SyncOperation) [][]*models.SyncOperation {
	var groups [][]*models.SyncOperation
	index := make(map[string]int)
	for _, op := range ops {
		key := op.EntityKey()
		if key == "" {
			groups = append(groups, []*models.SyncOperation{op})
			continue
		}
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], op)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []*models.SyncOperation{op})
	}
	return groups
}

type counter struct {
	mu  sync.Mutex
	res Result
}

func (c *counter) attempt()  { c.mu.Lock(); c.res.Attempted++; c.mu.Unlock() }
func (c *counter) complete() { c.mu.Lock(); c.res.Completed++; c.mu.Unlock() }
func (c *counter) fail()     { c.mu.Lock(); c.res.Failed++; c.mu.Unlock() }
func (c *counter) block()    { c.mu.Lock(); c.res.Blocked++; c.mu.Unlock() }

func (c *counter) result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}
