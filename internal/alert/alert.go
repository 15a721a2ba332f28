// Package alert decides which price subscriptions fire and sends their mail.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/metrics"
	"wiggletrack/internal/pkg/notify"
)

// ErrDispatch wraps every mail failure recorded on a subscription.
var ErrDispatch = errors.New("notification dispatch failed")

// Match returns the subscriptions whose threshold is at or above the current
// product minimum. A product without prices matches nothing.
func Match(p *model.Product) []model.Subscription {
	if p == nil || p.PriceRange == nil {
		return nil
	}
	var out []model.Subscription
	for _, s := range p.Subscriptions {
		if p.PriceRange.Min <= s.Threshold {
			out = append(out, s)
		}
	}
	return out
}

// NeedsEvaluation reports whether subscriptions must be matched after a merge:
// either the range moved or an earlier delivery is still pending a retry.
func NeedsEvaluation(p *model.Product, rangeChanged bool) bool {
	if rangeChanged {
		return true
	}
	for _, s := range p.Subscriptions {
		if s.FailedAttempts > 0 {
			return true
		}
	}
	return false
}

// Ledger records delivered mails across process restarts.
type Ledger interface {
	Delivered(ctx context.Context, productID string, sub model.Subscription) (bool, error)
	MarkDelivered(ctx context.Context, productID string, sub model.Subscription) (bool, error)
}

// Outcome lists the users whose subscription ends with this dispatch.
type Outcome struct {
	Delivered []uint
	Abandoned []uint
	Failed    []uint // kept on the product for another attempt
}

// Removed returns the users whose subscription must be dropped from the product.
func (o Outcome) Removed() map[uint]bool {
	ids := make(map[uint]bool, len(o.Delivered)+len(o.Abandoned))
	for _, id := range o.Delivered {
		ids[id] = true
	}
	for _, id := range o.Abandoned {
		ids[id] = true
	}
	return ids
}

// Dispatcher mails qualifying subscribers.
type Dispatcher struct {
	mailer      notify.Mailer
	ledger      Ledger
	siteURL     string
	maxAttempts int
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher.
//
// Parameters:
//
//	mailer: mail transport
//	ledger: delivery ledger, may be nil when no Redis is configured
//	siteURL: base of the product deep link
//	maxAttempts: failed sends after which a subscription is abandoned
//	logger: structured logger
func NewDispatcher(mailer notify.Mailer, ledger Ledger, siteURL string, maxAttempts int, logger *slog.Logger) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		mailer:      mailer,
		ledger:      ledger,
		siteURL:     strings.TrimRight(siteURL, "/"),
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Dispatch attempts one mail per qualifying subscription. Failed attempts are
// recorded on p.Subscriptions; removal of delivered and abandoned ones is left
// to the caller so it lands in the same write as the merge.
func (d *Dispatcher) Dispatch(ctx context.Context, p *model.Product, qualifying []model.Subscription) Outcome {
	var out Outcome
	if p.PriceRange == nil {
		return out
	}

	data := notify.PriceDropData{
		ProductName: p.Name,
		MinPrice:    p.PriceRange.Min,
		Currency:    minCurrency(p),
		Link:        d.Link(p.ID),
	}

	for _, sub := range qualifying {
		log := d.logger.With(
			slog.String("product_id", p.ID),
			slog.Uint64("user_id", uint64(sub.UserID)))

		if d.ledger != nil {
			done, err := d.ledger.Delivered(ctx, p.ID, sub)
			if err != nil {
				log.Warn("delivery ledger lookup failed", slog.String("error", err.Error()))
			} else if done {
				log.Info("price alert already delivered, skipping mail")
				metrics.NotificationsTotal.WithLabelValues("ledger_hit").Inc()
				out.Delivered = append(out.Delivered, sub.UserID)
				continue
			}
		}

		err := d.mailer.Send(ctx, notify.Contact{Email: sub.Email, Name: sub.Name}, notify.KindPriceDrop, data)
		if err == nil {
			if d.ledger != nil {
				if _, lerr := d.ledger.MarkDelivered(ctx, p.ID, sub); lerr != nil {
					log.Warn("delivery ledger write failed", slog.String("error", lerr.Error()))
				}
			}
			log.Info("price alert delivered", slog.Int64("min_price", data.MinPrice))
			metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
			out.Delivered = append(out.Delivered, sub.UserID)
			continue
		}

		err = fmt.Errorf("%w: %w", ErrDispatch, err)
		stored := p.Subscription(sub.UserID)
		if stored == nil {
			continue
		}
		stored.FailedAttempts++
		stored.LastError = err.Error()

		if stored.FailedAttempts >= d.maxAttempts {
			log.Error("price alert abandoned",
				slog.Int("attempts", stored.FailedAttempts),
				slog.String("error", err.Error()))
			metrics.NotificationsTotal.WithLabelValues("abandoned").Inc()
			out.Abandoned = append(out.Abandoned, sub.UserID)
			continue
		}
		log.Warn("price alert failed, will retry",
			slog.Int("attempts", stored.FailedAttempts),
			slog.String("error", err.Error()))
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		out.Failed = append(out.Failed, sub.UserID)
	}
	return out
}

// Link is the deep link put into mails.
func (d *Dispatcher) Link(productID string) string {
	return d.siteURL + "/products/" + productID
}

// minCurrency returns the currency of the size currently holding the minimum.
func minCurrency(p *model.Product) string {
	var (
		cur   string
		found bool
		low   int64
	)
	for _, v := range p.Variants {
		for i := range v.Sizes {
			last := v.Sizes[i].Latest()
			if last == nil {
				continue
			}
			if !found || last.Price < low {
				low, cur, found = last.Price, last.Currency, true
			}
		}
	}
	return cur
}
