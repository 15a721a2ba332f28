package crawler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	mainColumnSelector = ".MainColumn"
	nameSelector       = ".row .col-xs-12"
	ratingSelector     = "span.bem-pdp__review-stars-container--top"
	reviewsSelector    = "span#qa-numberOfReviews"
	summarySelector    = `[itemprop="description"]`
	imageSelector      = ".bem-pdp__gallery-container > img"
	skuSelector        = ".bem-sku-selector__option.sku-items-children .bem-sku-selector__option-wrapper li > input"
)

var errEmptyPage = errors.New("parse: page has no product name and no prices")

// Parse extracts the product fields from a Wiggle product page.
//
// Parameters:
//
//	html: full page HTML
//
// Returns:
//
//	*RawSnapshot: raw values, prices still in display form
//	error: blocked_page when a challenge page came back, parse error when nothing usable was found
func Parse(html string) (*RawSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	root := doc.Find(mainColumnSelector).First()
	if root.Length() == 0 {
		root = doc.Selection
	}

	snap := &RawSnapshot{
		Name:    strings.TrimSpace(root.Find(nameSelector).First().Text()),
		Summary: strings.TrimSpace(root.Find(summarySelector).First().Text()),
		Rating:  parseRating(root),
		Image:   normalizeImageURL(root.Find(imageSelector).First().AttrOr("src", "")),
	}

	root.Find(skuSelector).Each(func(_ int, input *goquery.Selection) {
		snap.Prices = append(snap.Prices, RawPrice{
			Color: input.AttrOr("data-colour", ""),
			Size:  input.AttrOr("data-size", ""),
			Price: input.AttrOr("data-unit-price", ""),
		})
	})

	if snap.Name == "" && len(snap.Prices) == 0 {
		title := strings.TrimSpace(doc.Find("title").First().Text())
		if containsAny(strings.ToLower(title+" "+doc.Text()), blockedHints) {
			return nil, fmt.Errorf("blocked_page: %s", detectBlockType(title, html))
		}
		return nil, errEmptyPage
	}
	return snap, nil
}

func parseRating(root *goquery.Selection) RawRating {
	var r RawRating
	avg := strings.TrimSpace(root.Find(ratingSelector).First().Text())
	if v, err := strconv.ParseFloat(avg, 64); err == nil {
		r.Average = v
	}
	qty := strings.TrimSpace(root.Find(reviewsSelector).First().Text())
	qty = strings.NewReplacer("(", "", ")", "", ",", "").Replace(qty)
	if v, err := strconv.Atoi(strings.TrimSpace(qty)); err == nil {
		r.Quantity = v
	}
	return r
}

// normalizeImageURL turns protocol-relative gallery URLs into absolute https
// URLs and drops the resize query.
func normalizeImageURL(src string) string {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	src = strings.TrimPrefix(src, "//")
	if !strings.HasPrefix(src, "http") {
		src = "https://" + src
	}
	if i := strings.IndexByte(src, '?'); i >= 0 {
		src = src[:i]
	}
	return src
}
