package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"wiggletrack/internal/model"
	"wiggletrack/internal/store"

	"github.com/google/uuid"
)

// BookmarkedProduct is one entry of a user's product list.
type BookmarkedProduct struct {
	Product              *model.Product `json:"product"`
	NotificationsEnabled bool           `json:"notifications_enabled"`
	Threshold            int64          `json:"threshold,omitempty"`
}

// CheckResult is what a URL check reports about a page.
type CheckResult struct {
	Name   string `json:"name"`
	Image  string `json:"img"`
	Prices int    `json:"prices"`
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u.Fragment = ""
	return u.String(), nil
}

// Register tracks a product URL for userID and bookmarks it.
//
// An already known URL is reused and reactivated. A new product is created
// without prices and its first population is triggered asynchronously.
//
// Returns:
//
//	*model.Product: the product
//	bool: true when the product was created by this call
//	error: ErrInvalidURL or a store error
func (p *Processor) Register(ctx context.Context, userID uint, rawURL string) (*model.Product, bool, error) {
	productURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	doc, err := p.products.GetByURL(ctx, productURL)
	switch {
	case err == nil:
		doc, err = p.Bookmark(ctx, userID, doc.ID)
		return doc, false, err
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("lookup product url: %w", err)
	}

	now := p.now()
	doc = &model.Product{
		ID:        uuid.NewString(),
		URL:       productURL,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.products.Create(ctx, doc); err != nil {
		if errors.Is(err, store.ErrDuplicateURL) {
			// Lost a race with another registration of the same URL.
			existing, gerr := p.products.GetByURL(ctx, productURL)
			if gerr != nil {
				return nil, false, fmt.Errorf("lookup product url: %w", gerr)
			}
			doc, err = p.Bookmark(ctx, userID, existing.ID)
			return doc, false, err
		}
		return nil, false, fmt.Errorf("create product: %w", err)
	}

	if err := p.users.AddBookmark(ctx, userID, doc.ID); err != nil {
		return nil, false, fmt.Errorf("add bookmark: %w", err)
	}
	p.logger.Info("product registered",
		slog.String("product_id", doc.ID),
		slog.String("url", productURL),
		slog.Uint64("user_id", uint64(userID)))

	if p.trigger != nil {
		p.trigger(doc.ID)
	}
	return doc, true, nil
}

// Bookmark reactivates the product and adds it to the user's bookmarks.
func (p *Processor) Bookmark(ctx context.Context, userID uint, productID string) (*model.Product, error) {
	return p.mutate(ctx, productID, func(doc *model.Product) error {
		if doc.Active {
			return errNoChange
		}
		doc.Active = true
		return nil
	}, func(ctx context.Context, doc *model.Product) error {
		if err := p.users.AddBookmark(ctx, userID, productID); err != nil {
			return fmt.Errorf("add bookmark: %w", err)
		}
		return nil
	})
}

// Unbookmark drops the bookmark and any subscription the user holds on the
// product. The product itself stays active.
func (p *Processor) Unbookmark(ctx context.Context, userID uint, productID string) error {
	_, err := p.mutate(ctx, productID, func(doc *model.Product) error {
		if doc.Subscription(userID) == nil {
			return errNoChange
		}
		doc.RemoveSubscriptions(map[uint]bool{userID: true})
		return nil
	}, func(ctx context.Context, _ *model.Product) error {
		return p.removeBookmark(ctx, userID, productID)
	})
	if errors.Is(err, ErrProductNotFound) {
		return p.removeBookmark(ctx, userID, productID)
	}
	return err
}

func (p *Processor) removeBookmark(ctx context.Context, userID uint, productID string) error {
	if err := p.users.RemoveBookmark(ctx, userID, productID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotBookmarked
		}
		return fmt.Errorf("remove bookmark: %w", err)
	}
	return nil
}

// Subscribe asks for a mail once the product minimum drops to threshold
// (minor units) or below. Subscribing again replaces the threshold.
//
// The bookmark check, the document write and the bookmark flag all happen
// under the product lock.
func (p *Processor) Subscribe(ctx context.Context, userID uint, productID string, threshold int64) error {
	if threshold <= 0 {
		return ErrInvalidThreshold
	}
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user %d: %w", userID, err)
	}

	_, err = p.mutate(ctx, productID, func(doc *model.Product) error {
		if _, err := p.users.GetBookmark(ctx, userID, productID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotBookmarked
			}
			return fmt.Errorf("get bookmark: %w", err)
		}
		sub := model.Subscription{
			UserID:    userID,
			Email:     user.Email,
			Name:      user.Name,
			Threshold: threshold,
			CreatedAt: p.now(),
		}
		if s := doc.Subscription(userID); s != nil {
			*s = sub
		} else {
			doc.Subscriptions = append(doc.Subscriptions, sub)
		}
		return nil
	}, func(ctx context.Context, doc *model.Product) error {
		p.reconcileBookmark(ctx, doc, userID)
		return nil
	})
	return err
}

// Unsubscribe removes the user's subscription on the product, if any.
func (p *Processor) Unsubscribe(ctx context.Context, userID uint, productID string) error {
	_, err := p.removeSubscription(ctx, userID, productID)
	return err
}

// UnsubscribeAll removes every subscription of the user.
//
// Returns:
//
//	int: number of subscriptions removed
func (p *Processor) UnsubscribeAll(ctx context.Context, userID uint) (int, error) {
	bookmarks, err := p.users.ListBookmarks(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list bookmarks: %w", err)
	}
	removed := 0
	for _, b := range bookmarks {
		ok, err := p.removeSubscription(ctx, userID, b.ProductID)
		if errors.Is(err, ErrProductNotFound) {
			if b.NotificationsEnabled {
				p.syncBookmark(ctx, userID, b.ProductID, false)
			}
			continue
		}
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// removeSubscription drops the user's subscription and resyncs the bookmark
// flag before the product lock is released.
func (p *Processor) removeSubscription(ctx context.Context, userID uint, productID string) (bool, error) {
	removed := false
	_, err := p.mutate(ctx, productID, func(doc *model.Product) error {
		removed = false
		if doc.Subscription(userID) == nil {
			return errNoChange
		}
		doc.RemoveSubscriptions(map[uint]bool{userID: true})
		removed = true
		return nil
	}, func(ctx context.Context, doc *model.Product) error {
		p.reconcileBookmark(ctx, doc, userID)
		return nil
	})
	return removed, err
}

// UserProducts lists the user's bookmarked products with their alert state.
func (p *Processor) UserProducts(ctx context.Context, userID uint) ([]BookmarkedProduct, error) {
	bookmarks, err := p.users.ListBookmarks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	out := make([]BookmarkedProduct, 0, len(bookmarks))
	for _, b := range bookmarks {
		doc, err := p.Product(ctx, b.ProductID)
		if errors.Is(err, ErrProductNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		item := BookmarkedProduct{Product: doc, NotificationsEnabled: b.NotificationsEnabled}
		if s := doc.Subscription(userID); s != nil {
			item.Threshold = s.Threshold
		}
		out = append(out, item)
	}
	return out, nil
}

// Check extracts a page without storing anything.
func (p *Processor) Check(ctx context.Context, rawURL string) (*CheckResult, error) {
	productURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	ectx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	defer cancel()
	raw, err := p.extractor.Extract(ectx, productURL)
	if err != nil {
		return nil, err
	}
	if raw.Name == "" || len(raw.Prices) == 0 {
		return nil, ErrInvalidProductURL
	}
	return &CheckResult{Name: raw.Name, Image: raw.Image, Prices: len(raw.Prices)}, nil
}
