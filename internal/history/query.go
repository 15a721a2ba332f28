package history

import (
	"errors"
	"strings"

	"wiggletrack/internal/model"
)

var ErrHistoryNotFound = errors.New("price history not found")

// ColorPrices is the latest price of every size under one color.
type ColorPrices struct {
	Color string      `json:"color"`
	Sizes []SizePrice `json:"sizes"`
}

// SizePrice is one size's current price.
type SizePrice struct {
	Size     string `json:"size"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
}

// SizeHistory is the full history of one (color, size) pair.
type SizeHistory struct {
	Color   string               `json:"color"`
	Size    string               `json:"size"`
	History []model.HistoryEntry `json:"history"`
}

// VariantSizes lists the size labels known for one color.
type VariantSizes struct {
	Color string   `json:"color"`
	Sizes []string `json:"sizes"`
}

// LatestPrices groups the latest entry of every size by color.
// Sizes without history and colors left without sizes are omitted.
func LatestPrices(p *model.Product) []ColorPrices {
	out := make([]ColorPrices, 0, len(p.Variants))
	for _, v := range p.Variants {
		cp := ColorPrices{Color: v.Color}
		for i := range v.Sizes {
			last := v.Sizes[i].Latest()
			if last == nil {
				continue
			}
			cp.Sizes = append(cp.Sizes, SizePrice{Size: v.Sizes[i].Label, Price: last.Price, Currency: last.Currency})
		}
		if len(cp.Sizes) > 0 {
			out = append(out, cp)
		}
	}
	return out
}

// PriceHistory returns the ordered history of one pair, matching both labels
// case-insensitively and exactly.
func PriceHistory(p *model.Product, color, size string) (*SizeHistory, error) {
	color = strings.TrimSpace(color)
	size = strings.TrimSpace(size)
	for _, v := range p.Variants {
		if !strings.EqualFold(v.Color, color) {
			continue
		}
		for _, s := range v.Sizes {
			if !strings.EqualFold(s.Label, size) {
				continue
			}
			return &SizeHistory{
				Color:   v.Color,
				Size:    s.Label,
				History: append([]model.HistoryEntry(nil), s.History...),
			}, nil
		}
	}
	return nil, ErrHistoryNotFound
}

// Variants lists every color with its size labels.
func Variants(p *model.Product) []VariantSizes {
	out := make([]VariantSizes, 0, len(p.Variants))
	for _, v := range p.Variants {
		vs := VariantSizes{Color: v.Color, Sizes: make([]string, 0, len(v.Sizes))}
		for _, s := range v.Sizes {
			vs.Sizes = append(vs.Sizes, s.Label)
		}
		out = append(out, vs)
	}
	return out
}
