package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wiggletrack/internal/config"
	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/redisqueue"
	"wiggletrack/internal/tracker"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeCatalog struct {
	refs []model.ProductRef
	err  error
}

func (c fakeCatalog) ListActive(context.Context) ([]model.ProductRef, error) {
	return c.refs, c.err
}

type fakeRefresher struct {
	mu       sync.Mutex
	fail     map[string]bool
	seen     []string
	onFirst  func()
	calls    atomic.Int32
	block    chan struct{}
	syncErr  error
	synced   []string
	notified int
}

func (r *fakeRefresher) Refresh(ctx context.Context, id string) (*tracker.RefreshResult, error) {
	if r.calls.Add(1) == 1 && r.onFirst != nil {
		r.onFirst()
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, id)
	if r.fail[id] {
		return nil, errors.New("extract: status 403 forbidden")
	}
	return &tracker.RefreshResult{ProductID: id, Delivered: r.notified}, nil
}

func (r *fakeRefresher) SyncBookmark(_ context.Context, job *redisqueue.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.syncErr != nil {
		return r.syncErr
	}
	r.synced = append(r.synced, job.ID())
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMiniRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func refs(ids ...string) []model.ProductRef {
	out := make([]model.ProductRef, len(ids))
	for i, id := range ids {
		out[i] = model.ProductRef{ID: id, URL: "https://www.wiggle.com/" + id}
	}
	return out
}

func catalogConfig(workers int) config.CatalogConfig {
	return config.CatalogConfig{Cron: "15 10 * * *", WorkerPoolSize: workers, QueueCapacity: 16}
}

// One product failing mid-batch does not affect the others.
func TestRunOnce_ProductFailureIsIsolated(t *testing.T) {
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	r := &fakeRefresher{fail: map[string]bool{"p3": true}, notified: 1}
	s := NewScheduler(fakeCatalog{refs: refs("p1", "p2", "p3", "p4", "p5")}, r, nil, rdb, catalogConfig(3), testLogger())
	defer s.Stop()

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Total != 5 || report.Succeeded != 4 || report.Failed != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Notified != 4 {
		t.Fatalf("expected 4 notified, got %d", report.Notified)
	}
	if len(r.seen) != 5 {
		t.Fatalf("expected every product attempted, got %v", r.seen)
	}

	last, err := s.LastReport(context.Background())
	if err != nil {
		t.Fatalf("last report: %v", err)
	}
	if last.RunID != report.RunID || last.Failed != 1 {
		t.Fatalf("stored report mismatch: %+v", last)
	}
}

func TestRunOnce_ListingFailureIsFatal(t *testing.T) {
	s := NewScheduler(fakeCatalog{err: errors.New("mongo down")}, &fakeRefresher{}, nil, nil, catalogConfig(2), testLogger())
	defer s.Stop()

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected run-fatal error")
	}
	if _, err := s.LastReport(context.Background()); !errors.Is(err, ErrNoRun) {
		t.Fatalf("fatal run must not record a report, got %v", err)
	}
}

func TestRunOnce_CancellationSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeRefresher{onFirst: cancel}
	s := NewScheduler(fakeCatalog{refs: refs("p1", "p2", "p3", "p4", "p5")}, r, nil, nil, catalogConfig(1), testLogger())
	defer s.Stop()

	report, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Succeeded != 1 || report.Skipped != 4 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunOnce_OverlapIsSkipped(t *testing.T) {
	started := make(chan struct{})
	r := &fakeRefresher{block: make(chan struct{}), onFirst: func() { close(started) }}
	s := NewScheduler(fakeCatalog{refs: refs("p1")}, r, nil, nil, catalogConfig(1), testLogger())
	defer s.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-started

	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	close(r.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestTrigger_RunsOnPool(t *testing.T) {
	r := &fakeRefresher{}
	s := NewScheduler(fakeCatalog{}, r, nil, nil, catalogConfig(1), testLogger())

	if !s.Trigger("new-product") {
		t.Fatalf("trigger rejected")
	}
	s.Stop()
	if len(r.seen) != 1 || r.seen[0] != "new-product" {
		t.Fatalf("expected triggered refresh, got %v", r.seen)
	}
}

func TestStart_InvalidCron(t *testing.T) {
	cfg := catalogConfig(1)
	cfg.Cron = "not a cron"
	s := NewScheduler(fakeCatalog{}, &fakeRefresher{}, nil, nil, cfg, testLogger())
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected invalid cron error")
	}
}

func TestDrainOutbox(t *testing.T) {
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()
	outbox, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	ctx := context.Background()
	for _, pid := range []string{"p1", "p2"} {
		if err := outbox.PushJob(ctx, &redisqueue.SyncJob{UserID: 7, ProductID: pid}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	r := &fakeRefresher{syncErr: errors.New("mysql unavailable")}
	s := NewScheduler(fakeCatalog{}, r, outbox, rdb, catalogConfig(1), testLogger())
	defer s.Stop()

	n, err := s.DrainOutbox(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing drained while sync fails: n=%d err=%v", n, err)
	}
	if waiting, processing, _ := outbox.QueueDepth(ctx); waiting != 2 || processing != 0 {
		t.Fatalf("failed jobs must be requeued: waiting=%d processing=%d", waiting, processing)
	}

	r.syncErr = nil
	n, err = s.DrainOutbox(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 drained: n=%d err=%v", n, err)
	}
	if waiting, processing, _ := outbox.QueueDepth(ctx); waiting != 0 || processing != 0 {
		t.Fatalf("outbox not empty: waiting=%d processing=%d", waiting, processing)
	}
	if len(r.synced) != 2 {
		t.Fatalf("expected 2 synced jobs, got %v", r.synced)
	}
	// Acked jobs can be pushed again.
	if err := outbox.PushJob(ctx, &redisqueue.SyncJob{UserID: 7, ProductID: "p1"}); err != nil {
		t.Fatalf("push after ack: %v", err)
	}
}

// Stop during a start-up run must not race the run's enqueueing.
func TestStop_DuringRunOnStart(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
	}
	started := make(chan struct{})
	r := &fakeRefresher{block: make(chan struct{}), onFirst: func() { close(started) }}
	cfg := catalogConfig(1)
	cfg.QueueCapacity = 1
	cfg.RunOnStart = true
	s := NewScheduler(fakeCatalog{refs: refs(ids...)}, r, nil, nil, cfg, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	for !s.pool.IsClosed() {
		time.Sleep(time.Millisecond)
	}
	close(r.block)
	<-stopped

	deadline := time.Now().Add(2 * time.Second)
	for {
		report, err := s.LastReport(context.Background())
		if err == nil {
			if report.Succeeded+report.Skipped != len(ids) || report.Skipped == 0 {
				t.Fatalf("unexpected report after stop: %+v", report)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish after stop: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
