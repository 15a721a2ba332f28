// Package tracker owns every write to a product document: the scheduled
// refresh (extract, merge, notify) and the user-side bookmark and
// subscription changes. All of them serialize on the per-product lock.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wiggletrack/internal/alert"
	"wiggletrack/internal/crawler"
	"wiggletrack/internal/history"
	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/lock"
	"wiggletrack/internal/pkg/metrics"
	"wiggletrack/internal/pkg/redisqueue"
	"wiggletrack/internal/pricing"
	"wiggletrack/internal/store"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrNotBookmarked     = errors.New("product not bookmarked")
	ErrInvalidURL        = errors.New("invalid product url")
	ErrInvalidThreshold  = errors.New("threshold must be positive")
	ErrInvalidProductURL = errors.New("url is not a product page")
)

// errNoChange lets a mutation skip the write.
var errNoChange = errors.New("no change")

// Outbox receives bookmark sync jobs that could not be applied directly.
type Outbox interface {
	PushJob(ctx context.Context, job *redisqueue.SyncJob) error
}

// Deps groups the collaborators of a Processor.
type Deps struct {
	Products   store.ProductStore
	Users      store.UserStore
	Extractor  crawler.Extractor
	Dispatcher *alert.Dispatcher
	Locker     lock.Locker
	Outbox     Outbox // optional
}

// Processor runs the per-product units of work.
type Processor struct {
	products       store.ProductStore
	users          store.UserStore
	extractor      crawler.Extractor
	dispatcher     *alert.Dispatcher
	locker         lock.Locker
	outbox         Outbox
	extractTimeout time.Duration
	logger         *slog.Logger

	now     func() time.Time
	trigger func(productID string)
}

// RefreshResult summarizes one product refresh.
type RefreshResult struct {
	ProductID string
	Merge     history.MergeResult
	Dropped   int // observations discarded by normalization
	Delivered int
	Failed    int
	Abandoned int
}

// NewProcessor creates a processor.
//
// Parameters:
//
//	deps: stores, extractor, dispatcher, locker and optional outbox
//	extractTimeout: upper bound for one page extraction
//	logger: structured logger
func NewProcessor(deps Deps, extractTimeout time.Duration, logger *slog.Logger) *Processor {
	if extractTimeout <= 0 {
		extractTimeout = 45 * time.Second
	}
	return &Processor{
		products:       deps.Products,
		users:          deps.Users,
		extractor:      deps.Extractor,
		dispatcher:     deps.Dispatcher,
		locker:         deps.Locker,
		outbox:         deps.Outbox,
		extractTimeout: extractTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// SetTrigger installs the callback used to schedule the first population of
// a newly registered product.
func (p *Processor) SetTrigger(fn func(productID string)) {
	p.trigger = fn
}

// Refresh extracts the product page and merges it into the stored document.
//
// Extraction runs outside the lock and honors ctx. Once extraction succeeded
// the merge, the notification dispatch and the write run to completion even
// if ctx is cancelled, so a sent mail is always followed by its write.
//
// Returns:
//
//	*RefreshResult: merge and dispatch counters
//	error: ErrProductNotFound, crawler.ErrExtraction, or a store/lock error
func (p *Processor) Refresh(ctx context.Context, productID string) (*RefreshResult, error) {
	metrics.ActiveRefreshes.Inc()
	defer metrics.ActiveRefreshes.Dec()

	current, err := p.Product(ctx, productID)
	if err != nil {
		return nil, err
	}

	ectx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	raw, err := p.extractor.Extract(ectx, current.URL)
	cancel()
	if err != nil {
		return nil, err
	}

	snap, dropped := p.normalize(productID, raw)
	res := &RefreshResult{ProductID: productID, Dropped: dropped}

	unit := context.WithoutCancel(ctx)
	delivered := make(map[uint]bool)
	var removed map[uint]bool

	_, err = p.mutate(unit, productID, func(doc *model.Product) error {
		now := p.now()
		res.Merge = history.Merge(doc, snap, now)
		doc.LastScrapedAt = &now
		res.Failed, res.Abandoned = 0, 0

		var out alert.Outcome
		if alert.NeedsEvaluation(doc, res.Merge.RangeChanged) {
			var pending []model.Subscription
			for _, s := range alert.Match(doc) {
				if delivered[s.UserID] {
					out.Delivered = append(out.Delivered, s.UserID)
					continue
				}
				pending = append(pending, s)
			}
			o := p.dispatcher.Dispatch(unit, doc, pending)
			for _, id := range o.Delivered {
				delivered[id] = true
			}
			out.Delivered = append(out.Delivered, o.Delivered...)
			out.Abandoned = o.Abandoned
			out.Failed = o.Failed
		}
		removed = out.Removed()
		doc.RemoveSubscriptions(removed)
		res.Delivered = len(out.Delivered)
		res.Failed = len(out.Failed)
		res.Abandoned = len(out.Abandoned)
		return nil
	}, func(ctx context.Context, doc *model.Product) error {
		for userID := range removed {
			p.reconcileBookmark(ctx, doc, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.HistoryAppendsTotal.Add(float64(res.Merge.Appended))

	p.logger.Info("product refreshed",
		slog.String("product_id", productID),
		slog.Bool("range_changed", res.Merge.RangeChanged),
		slog.Int("appended", res.Merge.Appended),
		slog.Int("dropped", res.Dropped),
		slog.Int("delivered", res.Delivered),
		slog.Int("failed", res.Failed),
		slog.Int("abandoned", res.Abandoned))
	return res, nil
}

// normalize converts raw prices; invalid observations are dropped and counted.
func (p *Processor) normalize(productID string, raw *crawler.RawSnapshot) (history.Snapshot, int) {
	snap := history.Snapshot{
		Name:    raw.Name,
		Summary: raw.Summary,
		Rating:  model.Rating{Average: raw.Rating.Average, Quantity: raw.Rating.Quantity},
		Image:   raw.Image,
	}
	dropped := 0
	for _, rp := range raw.Prices {
		color := strings.TrimSpace(rp.Color)
		size := strings.TrimSpace(rp.Size)
		if color == "" || size == "" {
			dropped++
			metrics.ObservationsDroppedTotal.WithLabelValues("missing_label").Inc()
			continue
		}
		price, err := pricing.Normalize(rp.Price)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, pricing.ErrUnrecognizedCurrency) {
				reason = "currency"
			}
			dropped++
			metrics.ObservationsDroppedTotal.WithLabelValues(reason).Inc()
			p.logger.Warn("price observation dropped",
				slog.String("product_id", productID),
				slog.String("color", color),
				slog.String("size", size),
				slog.String("raw", rp.Price),
				slog.String("error", err.Error()))
			continue
		}
		snap.Observations = append(snap.Observations, history.Observation{Color: color, Size: size, Price: price})
	}
	return snap, dropped
}

// Product returns the stored document.
func (p *Processor) Product(ctx context.Context, id string) (*model.Product, error) {
	doc, err := p.products.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", id, err)
	}
	return doc, nil
}

// mutate applies fn to a fresh copy of the product under its lock and writes
// it back. A version conflict is retried once with a fresh load.
//
// after, when set, runs with the committed document before the lock is
// released; it also runs when fn reports no change. Bookmark writes go there
// so they serialize with every other write on the product.
func (p *Processor) mutate(ctx context.Context, id string, fn func(doc *model.Product) error, after func(ctx context.Context, doc *model.Product) error) (*model.Product, error) {
	doc, err := p.mutateOnce(ctx, id, fn, after)
	if errors.Is(err, store.ErrConcurrentModification) {
		metrics.ConcurrentModificationTotal.Inc()
		p.logger.Warn("concurrent product write, retrying",
			slog.String("product_id", id))
		doc, err = p.mutateOnce(ctx, id, fn, after)
	}
	return doc, err
}

func (p *Processor) mutateOnce(ctx context.Context, id string, fn func(doc *model.Product) error, after func(ctx context.Context, doc *model.Product) error) (*model.Product, error) {
	var out *model.Product
	err := p.locked(ctx, id, func() error {
		doc, err := p.Product(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			if !errors.Is(err, errNoChange) {
				return err
			}
		} else {
			doc.UpdatedAt = p.now()
			if err := p.products.Update(ctx, doc); err != nil {
				return fmt.Errorf("update product %s: %w", id, err)
			}
		}
		if after != nil {
			if err := after(ctx, doc); err != nil {
				return err
			}
		}
		out = doc
		return nil
	})
	return out, err
}

// locked runs fn while holding the product lock.
func (p *Processor) locked(ctx context.Context, id string, fn func() error) error {
	unlock, err := p.locker.Lock(ctx, "product:"+id)
	if err != nil {
		return fmt.Errorf("lock product %s: %w", id, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("product unlock failed",
				slog.String("product_id", id),
				slog.String("error", err.Error()))
		}
	}()
	return fn()
}
