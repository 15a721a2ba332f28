package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/metrics"
	"wiggletrack/internal/pkg/redisqueue"
)

// reconcileBookmark sets the user's bookmark flag from the committed
// document. Callers hold the product lock.
func (p *Processor) reconcileBookmark(ctx context.Context, doc *model.Product, userID uint) {
	p.syncBookmark(ctx, userID, doc.ID, doc.Subscription(userID) != nil)
}

// syncBookmark writes the bookmark notification flag. When the write fails
// the pair goes to the outbox so the janitor reconciles it later.
func (p *Processor) syncBookmark(ctx context.Context, userID uint, productID string, enabled bool) {
	err := p.users.SetNotifications(ctx, userID, productID, enabled)
	if err == nil {
		metrics.BookmarkSyncTotal.WithLabelValues("ok").Inc()
		return
	}
	p.logger.Warn("bookmark flag write failed, deferring",
		slog.Uint64("user_id", uint64(userID)),
		slog.String("product_id", productID),
		slog.String("error", err.Error()))
	p.deferSync(ctx, userID, productID)
}

func (p *Processor) deferSync(ctx context.Context, userID uint, productID string) {
	if p.outbox == nil {
		metrics.BookmarkSyncTotal.WithLabelValues("failed").Inc()
		p.logger.Error("bookmark flag out of sync and no outbox configured",
			slog.Uint64("user_id", uint64(userID)),
			slog.String("product_id", productID))
		return
	}
	job := &redisqueue.SyncJob{UserID: userID, ProductID: productID, CreatedAt: time.Now().Unix()}
	if err := p.outbox.PushJob(ctx, job); err != nil && !errors.Is(err, redisqueue.ErrJobExists) {
		metrics.BookmarkSyncTotal.WithLabelValues("failed").Inc()
		p.logger.Error("bookmark sync outbox push failed",
			slog.Uint64("user_id", uint64(userID)),
			slog.String("product_id", productID),
			slog.String("error", err.Error()))
	}
}

// SyncBookmark reconciles one outbox job: under the product lock the flag is
// set from the current presence of the user's subscription on the product.
func (p *Processor) SyncBookmark(ctx context.Context, job *redisqueue.SyncJob) error {
	err := p.locked(ctx, job.ProductID, func() error {
		doc, err := p.Product(ctx, job.ProductID)
		if err != nil {
			return err
		}
		enabled := doc.Subscription(job.UserID) != nil
		if err := p.users.SetNotifications(ctx, job.UserID, job.ProductID, enabled); err != nil {
			return fmt.Errorf("set notifications: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrProductNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.BookmarkSyncTotal.WithLabelValues("drained").Inc()
	return nil
}
