package model

import (
	"time"
)

// Product is a tracked product page and its full price history.
//
// The whole tree (variants, sizes, history, subscriptions) is stored as one
// document and written atomically. PriceRange is always derived from the
// latest history entry of every size and is nil until the first price exists.
type Product struct {
	ID            string         `bson:"_id" json:"id"`
	URL           string         `bson:"url" json:"url"`
	Name          string         `bson:"name" json:"name"`
	Summary       string         `bson:"summary" json:"summary"`
	Rating        Rating         `bson:"rating" json:"rating"`
	Images        []string       `bson:"images" json:"images"`
	Variants      []Variant      `bson:"variants" json:"-"`
	PriceRange    *PriceRange    `bson:"price_range,omitempty" json:"price_range,omitempty"`
	Active        bool           `bson:"active" json:"-"`
	Subscriptions []Subscription `bson:"subscriptions" json:"-"`
	Version       int64          `bson:"version" json:"-"` // bumped on every write
	CreatedAt     time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at" json:"updated_at"`
	LastScrapedAt *time.Time     `bson:"last_scraped_at,omitempty" json:"last_scraped_at,omitempty"`
}

// Rating is the review summary shown on the product page.
type Rating struct {
	Average  float64 `bson:"average" json:"average"`
	Quantity int     `bson:"quantity" json:"quantity"`
}

// Variant groups sizes under one color label.
type Variant struct {
	Color string `bson:"color" json:"color"`
	Sizes []Size `bson:"sizes" json:"sizes"`
}

// Size holds the ordered price history of one (color, size) pair.
type Size struct {
	Label   string         `bson:"label" json:"size"`
	History []HistoryEntry `bson:"history" json:"history"`
}

// HistoryEntry is one observed price change.
type HistoryEntry struct {
	Price    int64     `bson:"price" json:"price"` // minor units
	Currency string    `bson:"currency" json:"currency"`
	At       time.Time `bson:"at" json:"at"`
}

// PriceRange is the min/max of the current prices across all sizes.
type PriceRange struct {
	Min int64 `bson:"min" json:"min"`
	Max int64 `bson:"max" json:"max"`
}

// Subscription asks for one email once the product minimum drops to Threshold or below.
type Subscription struct {
	UserID         uint      `bson:"user_id" json:"user_id"`
	Email          string    `bson:"email" json:"email"`
	Name           string    `bson:"name" json:"name"`
	Threshold      int64     `bson:"threshold" json:"threshold"` // minor units
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	FailedAttempts int       `bson:"failed_attempts" json:"failed_attempts"`
	LastError      string    `bson:"last_error,omitempty" json:"last_error,omitempty"`
}

// ProductRef is the projection returned when enumerating the catalog.
type ProductRef struct {
	ID  string `bson:"_id"`
	URL string `bson:"url"`
}

// FindVariant returns the variant with exactly this color, or nil.
func (p *Product) FindVariant(color string) *Variant {
	for i := range p.Variants {
		if p.Variants[i].Color == color {
			return &p.Variants[i]
		}
	}
	return nil
}

// FindSize returns the size with exactly this label, or nil.
func (v *Variant) FindSize(label string) *Size {
	for i := range v.Sizes {
		if v.Sizes[i].Label == label {
			return &v.Sizes[i]
		}
	}
	return nil
}

// Latest returns the last history entry, or nil when the size has none.
func (s *Size) Latest() *HistoryEntry {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// Subscription returns the subscription held by userID, or nil.
func (p *Product) Subscription(userID uint) *Subscription {
	for i := range p.Subscriptions {
		if p.Subscriptions[i].UserID == userID {
			return &p.Subscriptions[i]
		}
	}
	return nil
}

// RemoveSubscriptions drops every subscription whose user is in ids.
func (p *Product) RemoveSubscriptions(ids map[uint]bool) {
	if len(ids) == 0 {
		return
	}
	kept := p.Subscriptions[:0]
	for _, s := range p.Subscriptions {
		if !ids[s.UserID] {
			kept = append(kept, s)
		}
	}
	p.Subscriptions = kept
}

// Clone returns a deep copy so stores can hand out documents without aliasing.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Images = append([]string(nil), p.Images...)
	cp.Variants = make([]Variant, len(p.Variants))
	for i, v := range p.Variants {
		cp.Variants[i] = Variant{Color: v.Color, Sizes: make([]Size, len(v.Sizes))}
		for j, s := range v.Sizes {
			cp.Variants[i].Sizes[j] = Size{Label: s.Label, History: append([]HistoryEntry(nil), s.History...)}
		}
	}
	if p.PriceRange != nil {
		r := *p.PriceRange
		cp.PriceRange = &r
	}
	cp.Subscriptions = append([]Subscription(nil), p.Subscriptions...)
	if p.LastScrapedAt != nil {
		t := *p.LastScrapedAt
		cp.LastScrapedAt = &t
	}
	return &cp
}
