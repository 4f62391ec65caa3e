package replay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/models"
	"github.com/careunity/careunity/backend/internal/sync/queue"
)

type recordedRequest struct {
	method string
	path   string
	body   string
	opID   string
	ctype  string
}

// upstream is a fake CareUnity API that records every request it gets.
type upstream struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   func(path string) int
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.requests = append(u.requests, recordedRequest{
		method: r.Method,
		path:   r.URL.Path,
		body:   string(body),
		opID:   r.Header.Get(OperationIDHeader),
		ctype:  r.Header.Get("Content-Type"),
	})

	status := http.StatusOK
	if u.status != nil {
		status = u.status(r.URL.Path)
	}
	u.mu.Unlock()
	w.WriteHeader(status)
}

func (u *upstream) setStatus(fn func(path string) int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = fn
}

func (u *upstream) recorded() []recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]recordedRequest(nil), u.requests...)
}

func (u *upstream) paths() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var paths []string
	for _, r := range u.requests {
		paths = append(paths, r.path)
	}
	return paths
}

func strPtr(s string) *string { return &s }

func setup(t *testing.T, up http.Handler, mutate func(*Config)) (*Replayer, *queue.Service) {
	t.Helper()
	server := httptest.NewServer(up)
	t.Cleanup(server.Close)

	svc := queue.NewService(queue.NewMemoryStore(1), queue.Config{}, nil)
	cfg := DefaultConfig(server.URL)
	cfg.RequestTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(svc, server.Client(), cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, svc
}

func create(t *testing.T, svc *queue.Service, url string, entity string) *models.SyncOperation {
	t.Helper()
	in := models.CreateSyncOperation{
		URL:    url,
		Method: models.MethodPatch,
		Body:   strPtr(`{"fullName":"A"}`),
		UserID: 1,
	}
	if entity != "" {
		in.EntityType, in.EntityID = strPtr("service_user"), strPtr(entity)
	}
	op, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// distinct millisecond timestamps keep creation order observable
	time.Sleep(2 * time.Millisecond)
	return op
}

func TestNew_rejectsBadBaseURL(t *testing.T) {
	svc := queue.NewService(queue.NewMemoryStore(), queue.Config{}, nil)
	for _, base := range []string{"", "/relative", "ftp://host"} {
		if _, err := New(svc, nil, DefaultConfig(base), nil); !errors.Is(err, errors.ErrInvalid) {
			t.Errorf("New(%q) error = %v, want INVALID_INPUT", base, err)
		}
	}
}

// TestRunOnce_completes replays a queued PATCH and marks it completed.
func TestRunOnce_completes(t *testing.T) {
	up := &upstream{}
	r, svc := setup(t, up, nil)
	ctx := context.Background()

	op := create(t, svc, "/api/service-users/5", "")
	if op.Status != models.StatusPending {
		t.Fatalf("created status = %s", op.Status)
	}

	var events []EventType
	var mu sync.Mutex
	r.SetEventSink(SinkFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	}))

	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Attempted != 1 || res.Completed != 1 || res.Failed != 0 {
		t.Errorf("Result = %+v", res)
	}

	stored, _ := svc.Get(ctx, op.ID.String())
	if stored.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}

	requests := up.recorded()
	if len(requests) != 1 {
		t.Fatalf("upstream got %d requests, want 1", len(requests))
	}
	got := requests[0]
	if got.method != "PATCH" || got.path != "/api/service-users/5" || got.body != `{"fullName":"A"}` {
		t.Errorf("request = %+v", got)
	}
	if got.opID != op.ID.String() || got.ctype != "application/json" {
		t.Errorf("headers = %+v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventReplayStarted, EventOperationCompleted, EventReplayFinished}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}

	// nothing left to do
	if res, _ := r.RunOnce(ctx); res.Attempted != 0 {
		t.Errorf("second pass attempted %d", res.Attempted)
	}
}

// TestRunOnce_failureAndEntityOrder checks failures record retries and
// block later operations on the same entity.
func TestRunOnce_failureAndEntityOrder(t *testing.T) {
	up := &upstream{status: func(path string) int {
		if strings.HasSuffix(path, "/fail") {
			return http.StatusServiceUnavailable
		}
		return http.StatusNoContent
	}}
	r, svc := setup(t, up, nil)
	ctx := context.Background()

	a1 := create(t, svc, "/api/service-users/5/a1", "5")
	a2 := create(t, svc, "/api/service-users/5/fail", "5")
	a3 := create(t, svc, "/api/service-users/5/a3", "5")
	b1 := create(t, svc, "/api/service-users/6/b1", "6")
	free := create(t, svc, "/api/notes", "")

	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Attempted != 4 || res.Completed != 3 || res.Failed != 1 || res.Blocked != 1 {
		t.Errorf("Result = %+v", res)
	}

	var entity5 []string
	for _, p := range up.paths() {
		if strings.HasPrefix(p, "/api/service-users/5/") {
			entity5 = append(entity5, p)
		}
		if p == "/api/service-users/5/a3" {
			t.Error("a3 must not be sent after a2 failed")
		}
	}
	if len(entity5) != 2 || entity5[0] != "/api/service-users/5/a1" || entity5[1] != "/api/service-users/5/fail" {
		t.Errorf("entity 5 order = %v", entity5)
	}

	check := func(op *models.SyncOperation, status models.OperationStatus, retries int) *models.SyncOperation {
		t.Helper()
		got, _ := svc.Get(ctx, op.ID.String())
		if got.Status != status || got.Retries != retries {
			t.Errorf("%s: status=%s retries=%d, want %s/%d", op.URL, got.Status, got.Retries, status, retries)
		}
		return got
	}
	check(a1, models.StatusCompleted, 0)
	failed := check(a2, models.StatusError, 1)
	if failed.ErrorMessage == nil || !strings.Contains(*failed.ErrorMessage, "503") {
		t.Errorf("errorMessage = %v", failed.ErrorMessage)
	}
	blocked := check(a3, models.StatusError, 0)
	if blocked.ErrorMessage == nil || !strings.Contains(*blocked.ErrorMessage, a2.ID.String()) {
		t.Errorf("blocked errorMessage = %v", blocked.ErrorMessage)
	}
	check(b1, models.StatusCompleted, 0)
	check(free, models.StatusCompleted, 0)
}

// TestRequeueFailed verifies back-off gating and the retry ceiling.
func TestRequeueFailed(t *testing.T) {
	up := &upstream{status: func(string) int { return http.StatusInternalServerError }}
	r, svc := setup(t, up, func(c *Config) {
		c.MaxRetries = 2
		c.BaseBackoff = time.Minute
		c.MaxBackoff = time.Hour
	})
	ctx := context.Background()
	op := create(t, svc, "/api/visits/1", "")

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// retries=1: back-off is 2 minutes
	if n, _ := r.RequeueFailed(ctx); n != 0 {
		t.Errorf("requeued %d before back-off elapsed", n)
	}
	r.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	if n, _ := r.RequeueFailed(ctx); n != 1 {
		t.Fatalf("requeued %d after back-off, want 1", n)
	}

	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Result = %+v", res)
	}
	got, _ := svc.Get(ctx, op.ID.String())
	if got.Retries != 2 || got.Status != models.StatusError {
		t.Fatalf("after second failure: %+v", got)
	}

	// MaxRetries reached: stays in error however long we wait
	r.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if n, _ := r.RequeueFailed(ctx); n != 0 {
		t.Errorf("requeued %d past MaxRetries", n)
	}

	// a manual retry starts over
	if _, err := svc.Retry(ctx, op.ID.String()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	up.setStatus(func(string) int { return http.StatusOK })
	if res, _ := r.RunOnce(ctx); res.Completed != 1 {
		t.Errorf("after manual retry Result = %+v", res)
	}
}

// TestRun_inProgress verifies overlapping passes are refused.
func TestRun_inProgress(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(arrived)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	r, svc := setup(t, handler, nil)
	create(t, svc, "/api/visits/1", "")

	done := make(chan Result)
	go func() {
		res, _ := r.RunOnce(context.Background())
		done <- res
	}()

	<-arrived
	if !r.Running() {
		t.Error("Running() = false during a pass")
	}
	if _, err := r.Run(context.Background()); !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("overlapping Run error = %v, want SYNC_IN_PROGRESS", err)
	}
	close(release)

	if res := <-done; res.Completed != 1 {
		t.Errorf("Result = %+v", res)
	}
	if r.Running() {
		t.Error("Running() = true after pass")
	}
}

// TestRunOnce_networkError treats an unreachable upstream as a failure.
func TestRunOnce_networkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	svc := queue.NewService(queue.NewMemoryStore(1), queue.Config{}, nil)
	r, err := New(svc, nil, DefaultConfig(base), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	op := create(t, svc, "/api/visits/1", "")

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Result = %+v", res)
	}
	got, _ := svc.Get(context.Background(), op.ID.String())
	if got.Status != models.StatusError || got.ErrorMessage == nil {
		t.Errorf("op = %+v", got)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	r, svc := setup(t, &upstream{}, nil)
	ctx := context.Background()
	create(t, svc, "/api/visits/1", "")
	create(t, svc, "/api/visits/2", "")
	if _, err := svc.ClaimPending(ctx, 1); err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}

	n, err := r.RecoverInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted() = %d, %v; want 1", n, err)
	}
	stats, _ := svc.Stats(ctx)
	if stats[models.StatusProcessing] != 0 || stats[models.StatusError] != 1 {
		t.Errorf("Stats() = %v", stats)
	}
}

func TestResolve(t *testing.T) {
	r, _ := setup(t, &upstream{}, nil)
	r.base, _ = r.base.Parse("https://api.careunity.example/")

	tests := map[string]string{
		"/api/service-users/5":                      "https://api.careunity.example/api/service-users/5",
		"/api/visits?date=2024-01-01":               "https://api.careunity.example/api/visits?date=2024-01-01",
		"https://api.careunity.example/api/notes/1": "https://api.careunity.example/api/notes/1",
	}
	for in, want := range tests {
		got, err := r.resolve(in)
		if err != nil || got != want {
			t.Errorf("resolve(%q) = %q, %v; want %q", in, got, err, want)
		}
	}

	for _, in := range []string{
		"http://other.example/api/notes/1",
		"http://api.careunity.example/api/notes/1",
		"//other.example/api/notes/1",
	} {
		if got, err := r.resolve(in); !errors.Is(err, errors.ErrSyncFailed) {
			t.Errorf("resolve(%q) = %q, %v; want SYNC_FAILED", in, got, err)
		}
	}
}

// TestRunOnce_refusesForeignOrigin checks a stored operation aimed at
// another host is failed without being sent anywhere.
func TestRunOnce_refusesForeignOrigin(t *testing.T) {
	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
	}))
	defer foreign.Close()

	up := &upstream{}
	r, _ := setup(t, up, nil)
	store := queue.NewMemoryStore(1)
	svc := queue.NewService(store, queue.Config{}, nil)
	r.queue = svc

	// inserted directly so the row skips Create validation
	op := &models.SyncOperation{
		ID:        "f47ac10b-58cc-4372-a567-0e02b2c3d479",
		URL:       foreign.URL + "/internal/admin",
		Method:    models.MethodDelete,
		Headers:   models.Headers{"Authorization": "Bearer x"},
		Timestamp: 1,
		Status:    models.StatusPending,
		UserID:    1,
	}
	if err := store.CreateSyncOperation(context.Background(), op); err != nil {
		t.Fatalf("CreateSyncOperation failed: %v", err)
	}

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Completed != 0 || res.Failed != 1 {
		t.Errorf("Result = %+v", res)
	}
	if n := foreignHits.Load(); n != 0 {
		t.Errorf("foreign host received %d request(s)", n)
	}
	if len(up.recorded()) != 0 {
		t.Errorf("upstream received %v", up.paths())
	}
	got, _ := svc.Get(context.Background(), op.ID.String())
	if got.Status != models.StatusError || got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "outside the upstream origin") {
		t.Errorf("op = %+v", got)
	}
}

func TestGroupByEntity(t *testing.T) {
	mk := func(id, entity string) *models.SyncOperation {
		op := &models.SyncOperation{ID: models.UUID(id)}
		if entity != "" {
			op.EntityType, op.EntityID = strPtr("visit"), strPtr(entity)
		}
		return op
	}
	groups := groupByEntity([]*models.SyncOperation{
		mk("1", "a"), mk("2", ""), mk("3", "b"), mk("4", "a"), mk("5", ""),
	})

	var shape []string
	for _, g := range groups {
		var ids []string
		for _, op := range g {
			ids = append(ids, op.ID.String())
		}
		shape = append(shape, strings.Join(ids, ","))
	}
	if got := strings.Join(shape, " "); got != "1,4 2 3 5" {
		t.Errorf("groups = %q, want %q", got, "1,4 2 3 5")
	}
}
