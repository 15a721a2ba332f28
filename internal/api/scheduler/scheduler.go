// Package scheduler drives catalog refresh runs on a cron schedule and drains
// the bookmark sync outbox.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wiggletrack/internal/config"
	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/metrics"
	"wiggletrack/internal/pkg/queue"
	"wiggletrack/internal/pkg/redisqueue"
	"wiggletrack/internal/tracker"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const keyLastRun = "wiggletrack:catalog:last_run"

var (
	ErrRunInProgress = errors.New("catalog run already in progress")
	ErrNoRun         = errors.New("no catalog run recorded")
)

// Catalog enumerates the products to refresh.
type Catalog interface {
	ListActive(ctx context.Context) ([]model.ProductRef, error)
}

// Refresher is the per-product unit of work.
type Refresher interface {
	Refresh(ctx context.Context, productID string) (*tracker.RefreshResult, error)
	SyncBookmark(ctx context.Context, job *redisqueue.SyncJob) error
}

// RunReport summarizes one catalog run.
type RunReport struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Notified   int       `json:"notified"`
}

// Scheduler runs catalog refreshes on a shared worker pool.
type Scheduler struct {
	catalog   Catalog
	refresher Refresher
	outbox    *redisqueue.Client // optional
	rdb       *redis.Client      // optional, stores the last run report
	cfg       config.CatalogConfig
	logger    *slog.Logger

	pool      *queue.Queue
	poolStart sync.Once
	cron      *cron.Cron
	running   atomic.Bool

	mu      sync.Mutex
	lastRun *RunReport
}

// NewScheduler creates a scheduler.
//
// Parameters:
//
//	catalog: source of active products
//	refresher: per-product processor
//	outbox: bookmark sync outbox, nil disables the janitor
//	rdb: Redis client for the last run report, nil keeps it in memory
//	cfg: catalog settings (cron spec, pool size, janitor timings)
//	logger: structured logger
//
// Returns:
//
//	*Scheduler: scheduler instance, idle until Start or RunOnce
func NewScheduler(catalog Catalog, refresher Refresher, outbox *redisqueue.Client, rdb *redis.Client, cfg config.CatalogConfig, logger *slog.Logger) *Scheduler {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	if cfg.JanitorTimeout <= 0 {
		cfg.JanitorTimeout = 10 * time.Minute
	}

	q := queue.NewQueue(logger, cfg.WorkerPoolSize, cfg.QueueCapacity)
	q.SetErrorHandler(func(err error, job queue.Job) {
		metrics.ProductRefreshTotal.WithLabelValues("failed").Inc()
	})

	return &Scheduler{
		catalog:   catalog,
		refresher: refresher,
		outbox:    outbox,
		rdb:       rdb,
		cfg:       cfg,
		logger:    logger,
		pool:      q,
	}
}

// startPool starts the workers once. They stop only in Stop, after draining.
func (s *Scheduler) startPool() {
	s.poolStart.Do(func() {
		s.pool.Start(context.Background())
	})
}

// Start installs the cron trigger and the janitor. It returns an error when
// the cron spec is invalid.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startPool()

	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	if _, err := s.cron.AddFunc(s.cfg.Cron, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("invalid catalog cron %q: %w", s.cfg.Cron, err)
	}
	s.cron.Start()
	s.logger.Info("catalog scheduler started",
		slog.String("cron", s.cfg.Cron),
		slog.Int("workers", s.cfg.WorkerPoolSize),
		slog.Int("queue_capacity", s.pool.Cap()))

	if s.cfg.RunOnStart {
		go s.runScheduled(ctx)
	}
	if s.outbox != nil {
		go s.janitorLoop(ctx)
	}
	return nil
}

// Stop halts the cron trigger, waits for a running job and drains the pool.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if err := s.pool.ShutdownWithTimeout(30 * time.Second); err != nil && !errors.Is(err, queue.ErrClosed) {
		s.logger.Error("worker pool shutdown", slog.String("error", err.Error()))
	}
	s.logger.Info("catalog scheduler stopped", slog.String("pool", s.pool.String()))
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Info("catalog run skipped, previous run still in progress")
			return
		}
		s.logger.Error("catalog run failed", slog.String("error", err.Error()))
	}
}

// RunOnce refreshes every active product and waits for all of them.
//
// Individual product failures are counted in the report and never fail the
// run. Once ctx is cancelled the products not yet started are skipped; a
// product already merging finishes its write.
//
// Returns:
//
//	*RunReport: run outcome
//	error: ErrRunInProgress, or the listing error (run-fatal)
func (s *Scheduler) RunOnce(ctx context.Context) (*RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.CatalogRunsTotal.WithLabelValues("overlap").Inc()
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)
	s.startPool()

	report := &RunReport{RunID: uuid.NewString(), StartedAt: time.Now()}
	log := s.logger.With(slog.String("run_id", report.RunID))

	refs, err := s.catalog.ListActive(ctx)
	if err != nil {
		metrics.CatalogRunsTotal.WithLabelValues("fatal").Inc()
		log.Error("list active products failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("list active products: %w", err)
	}
	report.Total = len(refs)
	log.Info("catalog run started", slog.Int("products", len(refs)))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	count := func(result string, notified int) {
		mu.Lock()
		defer mu.Unlock()
		switch result {
		case "succeeded":
			report.Succeeded++
			report.Notified += notified
		case "failed":
			report.Failed++
		case "skipped":
			report.Skipped++
		}
		if result != "failed" {
			metrics.ProductRefreshTotal.WithLabelValues(result).Inc()
		}
	}

	for i, ref := range refs {
		ref := ref
		wg.Add(1)
		job := func(context.Context) error {
			defer wg.Done()
			if ctx.Err() != nil {
				count("skipped", 0)
				return nil
			}
			res, err := s.refresher.Refresh(ctx, ref.ID)
			if err != nil {
				if ctx.Err() != nil {
					count("skipped", 0)
					return nil
				}
				count("failed", 0)
				return fmt.Errorf("refresh product %s (%s): %w", ref.ID, ref.URL, err)
			}
			count("succeeded", res.Delivered)
			return nil
		}
		if err := s.pool.EnqueueBlocking(ctx, job); err != nil {
			wg.Done()
			for range refs[i:] {
				count("skipped", 0)
			}
			log.Warn("catalog run interrupted while queueing",
				slog.Int("skipped", len(refs)-i),
				slog.String("error", err.Error()))
			break
		}
	}
	wg.Wait()

	report.FinishedAt = time.Now()
	metrics.CatalogRunsTotal.WithLabelValues("ok").Inc()
	metrics.CatalogRunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	metrics.CatalogLastRunTimestamp.Set(float64(report.FinishedAt.Unix()))
	s.saveReport(context.WithoutCancel(ctx), report)

	log.Info("catalog run finished",
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Int("notified", report.Notified),
		slog.String("duration", report.FinishedAt.Sub(report.StartedAt).String()))
	return report, nil
}

// Trigger schedules a single refresh on the pool without waiting, used for
// the first population of a new product. It returns false if the pool is full.
func (s *Scheduler) Trigger(productID string) bool {
	s.startPool()
	ok := s.pool.Enqueue(func(ctx context.Context) error {
		if _, err := s.refresher.Refresh(ctx, productID); err != nil {
			return fmt.Errorf("first population of %s: %w", productID, err)
		}
		metrics.ProductRefreshTotal.WithLabelValues("succeeded").Inc()
		return nil
	})
	if !ok {
		s.logger.Warn("first population not queued, next catalog run will pick it up",
			slog.String("product_id", productID))
	}
	return ok
}

func (s *Scheduler) saveReport(ctx context.Context, report *RunReport) {
	s.mu.Lock()
	cp := *report
	s.lastRun = &cp
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, keyLastRun, data, 0).Err(); err != nil {
		s.logger.Warn("save run report failed", slog.String("error", err.Error()))
	}
}

// LastReport returns the most recent run report, shared across instances
// through Redis when configured.
func (s *Scheduler) LastReport(ctx context.Context) (*RunReport, error) {
	if s.rdb != nil {
		data, err := s.rdb.Get(ctx, keyLastRun).Bytes()
		switch {
		case err == nil:
			var r RunReport
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, fmt.Errorf("decode run report: %w", err)
			}
			return &r, nil
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("load run report: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil, ErrNoRun
	}
	cp := *s.lastRun
	return &cp, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
