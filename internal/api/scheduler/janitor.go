package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wiggletrack/internal/pkg/metrics"
	"wiggletrack/internal/pkg/redisqueue"
)

const maxDrainPerTick = 500

// janitorLoop drains the bookmark sync outbox every JanitorInterval.
func (s *Scheduler) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	s.logger.Info("bookmark sync janitor started", slog.String("interval", s.cfg.JanitorInterval.String()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJanitor(ctx)
		}
	}
}

func (s *Scheduler) runJanitor(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("janitor panic recovered", slog.Any("panic", r))
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if _, err := s.DrainOutbox(jctx); err != nil {
		s.logger.Error("janitor failed to drain bookmark outbox", slog.String("error", err.Error()))
	}
}

// DrainOutbox rescues stuck outbox jobs and applies the waiting ones.
// Jobs that fail again are requeued for the next tick.
//
// Returns:
//
//	int: jobs applied
//	error: Redis errors; per-job failures are only logged
func (s *Scheduler) DrainOutbox(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	rescued, err := s.outbox.RescueStuckJobs(ctx, s.cfg.JanitorTimeout)
	if err != nil {
		return 0, err
	}
	if rescued > 0 {
		s.logger.Info("janitor rescued stuck bookmark jobs", slog.Int("count", rescued))
	}

	waiting, _, err := s.outbox.QueueDepth(ctx)
	if err != nil {
		return 0, err
	}
	if waiting > maxDrainPerTick {
		waiting = maxDrainPerTick
	}

	drained := 0
	for i := int64(0); i < waiting; i++ {
		job, err := s.outbox.PopJob(ctx, time.Second)
		if errors.Is(err, redisqueue.ErrNoJob) {
			break
		}
		if err != nil {
			s.logger.Warn("pop bookmark job failed", slog.String("error", err.Error()))
			continue
		}

		if err := s.refresher.SyncBookmark(ctx, job); err != nil {
			s.logger.Warn("bookmark sync failed, requeueing",
				slog.String("job_id", job.ID()),
				slog.String("error", err.Error()))
			if rerr := s.outbox.RequeueJob(ctx, job); rerr != nil {
				s.logger.Error("requeue bookmark job failed",
					slog.String("job_id", job.ID()),
					slog.String("error", rerr.Error()))
			}
			continue
		}
		if err := s.outbox.AckJob(ctx, job); err != nil {
			s.logger.Warn("ack bookmark job failed",
				slog.String("job_id", job.ID()),
				slog.String("error", err.Error()))
		}
		drained++
	}

	if w, p, err := s.outbox.QueueDepth(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(w + p))
	}
	if drained > 0 {
		s.logger.Info("bookmark outbox drained", slog.Int("count", drained))
	}
	return drained, nil
}
