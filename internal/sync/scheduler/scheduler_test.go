// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/sync/replay"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeReplayer struct {
	runs      atomic.Int32
	recovered atomic.Int32
	block     chan struct{} // when set, Run waits on it
	err       error
}

func (f *fakeReplayer) Run(ctx context.Context) (replay.Result, error) {
	f.runs.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return replay.Result{Attempted: 1, Completed: 1}, f.err
}

func (f *fakeReplayer) RecoverInterrupted(context.Context) (int, error) {
	f.recovered.Add(1)
	return 0, nil
}

type fakePurger struct {
	calls     atomic.Int32
	olderThan atomic.Int64
}

func (f *fakePurger) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	f.calls.Add(1)
	f.olderThan.Store(int64(olderThan))
	return 0, nil
}

type fakeProber struct {
	online atomic.Bool
}

func (f *fakeProber) Probe(context.Context) bool { return f.online.Load() }

func fastConfig() Config {
	return Config{
		ReplayInterval:    20 * time.Millisecond,
		ProbeInterval:     10 * time.Millisecond,
		RetentionInterval: 20 * time.Millisecond,
		Retention:         time.Hour,
		ReplayTimeout:     time.Second,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =====================================================
// Construction
// =====================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ReplayInterval != 30*time.Second || cfg.ProbeInterval != 15*time.Second {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
	if cfg.Retention != 7*24*time.Hour {
		t.Errorf("Retention = %v, want 168h", cfg.Retention)
	}
}

func TestNew_defaults(t *testing.T) {
	s := New(&fakeReplayer{}, nil, nil, Config{}, nil)
	if s.cfg.ReplayInterval != 30*time.Second || s.cfg.ReplayTimeout != 5*time.Minute {
		t.Errorf("cfg = %+v", s.cfg)
	}
	if !s.IsOnline() {
		t.Error("scheduler without prober should start online")
	}
	if New(&fakeReplayer{}, nil, &fakeProber{}, Config{}, nil).IsOnline() {
		t.Error("scheduler with prober should start offline until the first probe")
	}
}

// =====================================================
// Start/Stop
// =====================================================

func TestScheduler_StartStop(t *testing.T) {
	rep := &fakeReplayer{}
	s := New(rep, nil, nil, fastConfig(), nil)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // ignored
	if !s.IsRunning() {
		t.Error("Start() should set isRunning to true")
	}
	if rep.recovered.Load() != 1 {
		t.Errorf("RecoverInterrupted called %d times, want 1", rep.recovered.Load())
	}

	waitFor(t, func() bool { return rep.runs.Load() >= 2 }, "periodic replays")

	s.Stop()
	s.Stop() // ignored
	if s.IsRunning() {
		t.Error("Stop() should set isRunning to false")
	}

	// no more passes after Stop
	runs := rep.runs.Load()
	time.Sleep(60 * time.Millisecond)
	if rep.runs.Load() != runs {
		t.Error("replays continued after Stop()")
	}
}

func TestScheduler_restart(t *testing.T) {
	rep := &fakeReplayer{}
	purger := &fakePurger{}
	prober := &fakeProber{}
	prober.online.Store(true)
	s := New(rep, purger, prober, fastConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Start(ctx)
		before := rep.runs.Load()
		waitFor(t, func() bool { return rep.runs.Load() > before }, "replay after restart")
		s.Stop()
		if s.IsRunning() {
			t.Fatalf("cycle %d: still running after Stop()", i)
		}
	}
	if rep.recovered.Load() != 3 {
		t.Errorf("RecoverInterrupted called %d times, want 3", rep.recovered.Load())
	}
}

// TestScheduler_offlineSkipsReplay verifies the loop idles while offline.
func TestScheduler_offlineSkipsReplay(t *testing.T) {
	rep := &fakeReplayer{}
	s := New(rep, nil, nil, fastConfig(), nil)
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	if rep.runs.Load() != 0 {
		t.Errorf("replayed %d times while offline", rep.runs.Load())
	}
}

// TestScheduler_reconnectTriggersReplay verifies going online replays at
// once instead of waiting for the next tick.
func TestScheduler_reconnectTriggersReplay(t *testing.T) {
	rep := &fakeReplayer{}
	cfg := fastConfig()
	cfg.ReplayInterval = time.Hour
	s := New(rep, nil, nil, cfg, nil)
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	defer s.Stop()

	s.SetOnlineStatus(true)
	waitFor(t, func() bool { return rep.runs.Load() == 1 }, "replay after reconnect")

	// same status again does not kick
	s.SetOnlineStatus(true)
	time.Sleep(30 * time.Millisecond)
	if rep.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", rep.runs.Load())
	}
}

func TestScheduler_prober(t *testing.T) {
	rep := &fakeReplayer{}
	prober := &fakeProber{}
	cfg := fastConfig()
	cfg.ReplayInterval = time.Hour
	s := New(rep, nil, prober, cfg, nil)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(30 * time.Millisecond)
	if s.IsOnline() {
		t.Error("should be offline while probe fails")
	}

	prober.online.Store(true)
	waitFor(t, s.IsOnline, "online after probe succeeds")
	waitFor(t, func() bool { return rep.runs.Load() >= 1 }, "replay after probe reconnect")
}

func TestScheduler_retention(t *testing.T) {
	purger := &fakePurger{}
	s := New(&fakeReplayer{}, purger, nil, fastConfig(), nil)
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	waitFor(t, func() bool { return purger.calls.Load() >= 1 }, "retention sweep")
	s.Stop()

	if time.Duration(purger.olderThan.Load()) != time.Hour {
		t.Errorf("Purge olderThan = %v, want 1h", time.Duration(purger.olderThan.Load()))
	}
}

// =====================================================
// Triggering
// =====================================================

func TestScheduler_TriggerReplay(t *testing.T) {
	rep := &fakeReplayer{block: make(chan struct{})}
	s := New(rep, nil, nil, fastConfig(), nil)
	ctx := context.Background()

	if !s.TriggerReplay(ctx) {
		t.Fatal("first TriggerReplay() should start a pass")
	}
	if s.TriggerReplay(ctx) {
		t.Error("TriggerReplay() should refuse while a pass runs")
	}
	if _, err := s.ReplayNow(ctx); !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("ReplayNow() during pass = %v, want SYNC_IN_PROGRESS", err)
	}
	if !s.GetStatus().ReplayInProgress {
		t.Error("status should report the running pass")
	}

	close(rep.block)
	waitFor(t, func() bool { return !s.GetStatus().ReplayInProgress }, "pass to finish")

	status := s.GetStatus()
	if status.LastReplayTime == nil || status.LastResult == nil || status.LastResult.Completed != 1 {
		t.Errorf("GetStatus() = %+v", status)
	}

	s.SetOnlineStatus(false)
	if s.TriggerReplay(ctx) {
		t.Error("TriggerReplay() should refuse while offline")
	}
}

func TestScheduler_ReplayNow(t *testing.T) {
	rep := &fakeReplayer{err: errors.New(errors.ErrDatabase, "disk full")}
	s := New(rep, nil, nil, fastConfig(), nil)

	_, err := s.ReplayNow(context.Background())
	if !errors.Is(err, errors.ErrDatabase) {
		t.Errorf("ReplayNow() error = %v, want DATABASE_ERROR", err)
	}
	if s.GetStatus().LastError == "" {
		t.Error("LastError not recorded")
	}
}

// TestScheduler_concurrentTriggers verifies only one pass runs at a time.
func TestScheduler_concurrentTriggers(t *testing.T) {
	rep := &fakeReplayer{block: make(chan struct{})}
	s := New(rep, nil, nil, fastConfig(), nil)

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TriggerReplay(context.Background()) {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	close(rep.block)

	if started.Load() != 1 {
		t.Errorf("started %d passes, want 1", started.Load())
	}
	waitFor(t, func() bool { return !s.GetStatus().ReplayInProgress }, "pass to finish")
}

// =====================================================
// HTTPProber
// =====================================================

func TestHTTPProber(t *testing.T) {
	status := http.StatusOK
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("probe path = %s", r.URL.Path)
		}
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer server.Close()

	p := &HTTPProber{Client: server.Client(), URL: server.URL + "/api/health"}
	ctx := context.Background()
	if !p.Probe(ctx) {
		t.Error("200 should be online")
	}

	mu.Lock()
	status = http.StatusNotFound
	mu.Unlock()
	if !p.Probe(ctx) {
		t.Error("404 still means upstream answered")
	}

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()
	if p.Probe(ctx) {
		t.Error("503 should be offline")
	}

	server.Close()
	if p.Probe(ctx) {
		t.Error("closed server should be offline")
	}
}
