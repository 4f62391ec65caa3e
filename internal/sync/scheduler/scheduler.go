// Package scheduler runs the background sync loop: it probes upstream
// connectivity, replays queued operations while online and purges old
// completed operations.
package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/logging"
	"github.com/careunity/careunity/backend/internal/sync/replay"
)

// Replayer performs one replay pass. *replay.Replayer satisfies it.
type Replayer interface {
	Run(ctx context.Context) (replay.Result, error)
	RecoverInterrupted(ctx context.Context) (int, error)
}

// Purger deletes old completed operations. *queue.Service satisfies it.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Prober reports whether upstream is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber considers upstream online when GET URL answers below 500.
type HTTPProber struct {
	Client *http.Client
	URL    string
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Config holds scheduler intervals.
type Config struct {
	ReplayInterval    time.Duration // how often to replay while online
	ProbeInterval     time.Duration // how often to check connectivity
	RetentionInterval time.Duration // how often to purge completed operations
	Retention         time.Duration // age after which completed operations are purged
	ReplayTimeout     time.Duration // upper bound for one pass
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		ReplayInterval:    30 * time.Second,
		ProbeInterval:     15 * time.Second,
		RetentionInterval: time.Hour,
		Retention:         7 * 24 * time.Hour,
		ReplayTimeout:     5 * time.Minute,
	}
}

// Scheduler manages background sync operations.
type Scheduler struct {
	replayer Replayer
	purger   Purger
	prober   Prober
	cfg      Config
	logger   *logging.Logger

	stopCh chan struct{}
	kickCh chan struct{}
	wg     sync.WaitGroup

	mu               sync.RWMutex
	isRunning        bool
	isOnline         bool
	replayInProgress bool
	lastReplayTime   time.Time
	lastResult       *replay.Result
	lastError        string
}

// New creates a Scheduler. prober and purger may be nil, which disables
// probing and retention; the scheduler then starts online.
func New(replayer Replayer, purger Purger, prober Prober, cfg Config, logger *logging.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = def.ReplayInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = def.ReplayTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Scheduler{
		replayer: replayer,
		purger:   purger,
		prober:   prober,
		cfg:      cfg,
		logger:   logger.With(map[string]interface{}{"component": "scheduler"}),
		kickCh:   make(chan struct{}, 1),
		isOnline: prober == nil,
	}
}

// Start starts the background loops. It returns immediately. A stopped
// scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	if n, err := s.replayer.RecoverInterrupted(ctx); err != nil {
		s.logger.Error("Failed to recover interrupted operations", err)
	} else if n > 0 {
		s.logger.Info("Recovered interrupted operations", map[string]interface{}{"count": n})
	}

	s.wg.Add(1)
	go s.replayLoop(ctx, stop)

	if s.prober != nil {
		s.wg.Add(1)
		go s.probeLoop(ctx, stop)
	}
	if s.purger != nil && s.cfg.Retention > 0 {
		s.wg.Add(1)
		go s.retentionLoop(ctx, stop)
	}

	s.logger.Info("Background sync scheduler started", map[string]interface{}{
		"replay_interval": s.cfg.ReplayInterval.String(),
		"probe_interval":  s.cfg.ProbeInterval.String(),
	})
}

// Stop stops the background loops and waits for them, including any
// replay pass in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop := s.stopCh
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	s.logger.Info("Background sync scheduler stopped")
}

// SetOnlineStatus records connectivity. Going online triggers an
// immediate replay.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	s.logger.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.kick()
	}
}

func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) probeLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	s.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Scheduler) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeInterval)
	defer cancel()
	s.SetOnlineStatus(s.prober.Probe(probeCtx))
}

func (s *Scheduler) replayLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		case <-s.kickCh:
		}
		if !s.IsOnline() {
			continue
		}
		s.runReplay(ctx)
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.purger.Purge(ctx, s.cfg.Retention); err != nil {
				s.logger.Error("Retention sweep failed", err)
			}
		}
	}
}

// begin marks a pass as running. It returns false if one already is.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replayInProgress {
		return false
	}
	s.replayInProgress = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.replayInProgress = false
	s.mu.Unlock()
}

// runReplay executes one pass unless one is already running.
func (s *Scheduler) runReplay(ctx context.Context) (replay.Result, error) {
	if !s.begin() {
		s.logger.Debug("Replay already in progress, skipping")
		return replay.Result{}, errors.New(errors.ErrSyncInProgress, "a replay pass is already running")
	}
	defer s.end()
	return s.replay(ctx)
}

func (s *Scheduler) replay(ctx context.Context) (replay.Result, error) {
	replayCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplayTimeout)
	defer cancel()

	result, err := s.replayer.Run(replayCtx)

	s.mu.Lock()
	s.lastReplayTime = time.Now()
	s.lastResult = &result
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, errors.ErrSyncInProgress) {
			s.logger.ErrorWithCode("Replay pass failed", string(errors.ErrSyncFailed), err)
		}
		return result, err
	}
	if result.Attempted > 0 || result.Requeued > 0 {
		s.logger.Info("Replay pass completed", map[string]interface{}{
			"attempted": result.Attempted,
			"completed": result.Completed,
			"failed":    result.Failed,
			"requeued":  result.Requeued,
		})
	}
	return result, nil
}

// TriggerReplay starts a pass in the background. It returns false when a
// pass is already running or the scheduler is offline.
func (s *Scheduler) TriggerReplay(ctx context.Context) bool {
	if !s.IsOnline() || !s.begin() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		s.replay(context.WithoutCancel(ctx))
	}()
	return true
}

// ReplayNow runs a pass and waits for it, regardless of online status.
func (s *Scheduler) ReplayNow(ctx context.Context) (replay.Result, error) {
	return s.runReplay(ctx)
}

// Status is a snapshot of the scheduler.
type Status struct {
	IsRunning        bool           `json:"isRunning"`
	IsOnline         bool           `json:"isOnline"`
	ReplayInProgress bool           `json:"replayInProgress"`
	LastReplayTime   *time.Time     `json:"lastReplayTime,omitempty"`
	LastResult       *replay.Result `json:"lastResult,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:        s.isRunning,
		IsOnline:         s.isOnline,
		ReplayInProgress: s.replayInProgress,
		LastError:        s.lastError,
	}
	if !s.lastReplayTime.IsZero() {
		t := s.lastReplayTime
		status.LastReplayTime = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		status.LastResult = &r
	}
	return status
}

// IsOnline returns whether upstream is considered reachable.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
