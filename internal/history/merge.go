// Package history applies scraped snapshots to a product's price tree and
// answers read queries over it.
package history

import (
	"time"

	"wiggletrack/internal/model"
	"wiggletrack/internal/pricing"
)

// Snapshot is one normalized scrape of a product page.
type Snapshot struct {
	Name         string
	Summary      string
	Rating       model.Rating
	Image        string
	Observations []Observation
}

// Observation is a single (color, size) price after normalization.
type Observation struct {
	Color string
	Size  string
	Price pricing.Price
}

// MergeResult describes what a merge changed.
type MergeResult struct {
	RangeChanged bool
	Previous     *model.PriceRange
	Current      *model.PriceRange
	Appended     int // new history entries
	NewVariants  int
	NewSizes     int
}

// Merge applies snap to p in place.
//
// Scalar fields are overwritten, the image is appended when unseen and a
// history entry is appended only when a size's price differs from its last
// recorded price. The price range is then recomputed from the latest entry of
// every size on the product. Callers must hold the per-product lock.
//
// Parameters:
//   - p: product document, mutated
//   - snap: normalized snapshot
//   - now: timestamp for appended entries
//
// Returns:
//   - MergeResult: RangeChanged drives notification evaluation
func Merge(p *model.Product, snap Snapshot, now time.Time) MergeResult {
	var res MergeResult

	p.Name = snap.Name
	p.Summary = snap.Summary
	p.Rating = snap.Rating
	if snap.Image != "" && !contains(p.Images, snap.Image) {
		p.Images = append(p.Images, snap.Image)
	}

	for _, obs := range snap.Observations {
		v := p.FindVariant(obs.Color)
		if v == nil {
			p.Variants = append(p.Variants, model.Variant{Color: obs.Color})
			v = &p.Variants[len(p.Variants)-1]
			res.NewVariants++
		}
		s := v.FindSize(obs.Size)
		if s == nil {
			v.Sizes = append(v.Sizes, model.Size{Label: obs.Size})
			s = &v.Sizes[len(v.Sizes)-1]
			res.NewSizes++
		}

		last := s.Latest()
		if last != nil && last.Price == obs.Price.Amount {
			continue
		}
		at := now
		if last != nil && at.Before(last.At) {
			at = last.At
		}
		s.History = append(s.History, model.HistoryEntry{
			Price:    obs.Price.Amount,
			Currency: obs.Price.Currency,
			At:       at,
		})
		res.Appended++
	}

	res.Previous = p.PriceRange
	res.Current = Range(p)
	res.RangeChanged = !sameRange(res.Previous, res.Current)
	p.PriceRange = res.Current
	return res
}

// Range recomputes min/max over the latest entry of every size.
// It returns nil when no size has any history.
func Range(p *model.Product) *model.PriceRange {
	var r *model.PriceRange
	for _, v := range p.Variants {
		for i := range v.Sizes {
			last := v.Sizes[i].Latest()
			if last == nil {
				continue
			}
			if r == nil {
				r = &model.PriceRange{Min: last.Price, Max: last.Price}
				continue
			}
			if last.Price < r.Min {
				r.Min = last.Price
			}
			if last.Price > r.Max {
				r.Max = last.Price
			}
		}
	}
	return r
}

func sameRange(a, b *model.PriceRange) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
