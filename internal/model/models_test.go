package model

import (
	"testing"
	"time"
)

func TestProductClone_NoAliasing(t *testing.T) {
	now := time.Now()
	p := &Product{
		ID:            "p1",
		Images:        []string{"a"},
		Variants:      []Variant{{Color: "Red", Sizes: []Size{{Label: "M", History: []HistoryEntry{{Price: 100, Currency: "gbp", At: now}}}}}},
		PriceRange:    &PriceRange{Min: 100, Max: 100},
		Subscriptions: []Subscription{{UserID: 1, Threshold: 90}},
	}
	cp := p.Clone()
	cp.Images[0] = "b"
	cp.Variants[0].Sizes[0].History[0].Price = 1
	cp.PriceRange.Min = 1
	cp.Subscriptions[0].Threshold = 1

	if p.Images[0] != "a" || p.Variants[0].Sizes[0].History[0].Price != 100 || p.PriceRange.Min != 100 || p.Subscriptions[0].Threshold != 90 {
		t.Fatalf("clone aliases the original: %+v", p)
	}
}

func TestRemoveSubscriptions(t *testing.T) {
	p := &Product{Subscriptions: []Subscription{{UserID: 1}, {UserID: 2}, {UserID: 3}}}
	p.RemoveSubscriptions(map[uint]bool{1: true, 3: true})
	if len(p.Subscriptions) != 1 || p.Subscriptions[0].UserID != 2 {
		t.Fatalf("unexpected subscriptions: %+v", p.Subscriptions)
	}
	if p.Subscription(2) == nil || p.Subscription(1) != nil {
		t.Fatalf("lookup mismatch")
	}
}

func TestFindVariantAndSize_CaseSensitive(t *testing.T) {
	p := &Product{Variants: []Variant{{Color: "Red", Sizes: []Size{{Label: "M"}}}}}
	if p.FindVariant("red") != nil {
		t.Fatalf("color lookup must be exact")
	}
	v := p.FindVariant("Red")
	if v == nil || v.FindSize("M") == nil || v.FindSize("m") != nil {
		t.Fatalf("size lookup mismatch")
	}
	if v.FindSize("M").Latest() != nil {
		t.Fatalf("empty history should have no latest entry")
	}
}
