// Package store persists product documents and the user-side bookmarks.
package store

import (
	"context"
	"errors"

	"wiggletrack/internal/model"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateURL           = errors.New("product url already registered")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ProductStore is a document store keyed by product id.
//
// Update is a compare-and-swap on Product.Version: it succeeds only when the
// stored version equals p.Version, and bumps p.Version on success.
type ProductStore interface {
	Create(ctx context.Context, p *model.Product) error
	Get(ctx context.Context, id string) (*model.Product, error)
	GetByURL(ctx context.Context, url string) (*model.Product, error)
	ListActive(ctx context.Context) ([]model.ProductRef, error)
	Update(ctx context.Context, p *model.Product) error
	Ping(ctx context.Context) error
}

// UserStore reads user contact data and maintains bookmarks.
type UserStore interface {
	GetUser(ctx context.Context, id uint) (*model.User, error)
	AddBookmark(ctx context.Context, userID uint, productID string) error
	RemoveBookmark(ctx context.Context, userID uint, productID string) error
	GetBookmark(ctx context.Context, userID uint, productID string) (*model.Bookmark, error)
	ListBookmarks(ctx context.Context, userID uint) ([]model.Bookmark, error)
	SetNotifications(ctx context.Context, userID uint, productID string, enabled bool) error
	Ping(ctx context.Context) error
}
