// Package pricing turns scraped price strings into integer minor-unit amounts.
package pricing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedPrice       = errors.New("malformed price")
	ErrUnrecognizedCurrency = errors.New("unrecognized currency")
)

// Price is an amount in minor units (cents) with a lowercase currency code.
type Price struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// symbol table in match order: prefixed dollar symbols must be tried before "$".
var symbols = []struct {
	symbol string
	code   string
}{
	{"CA$", "cad"},
	{"AU$", "aud"},
	{"NZ$", "nzd"},
	{"€", "eur"},
	{"£", "gbp"},
	{"$", "usd"},
}

// numberRe matches an optionally signed integer or decimal, including a bare
// fraction such as ".99".
var numberRe = regexp.MustCompile(`-?(?:\d+(?:\.\d+)?|\.\d+)`)

var hundred = decimal.NewFromInt(100)

// Normalize parses a raw display price such as "£1,234.56" or "CA$ 12.5".
//
// Parameters:
//   - raw: price text as scraped
//
// Returns:
//   - Price: amount in minor units, half-away-from-zero rounding
//   - error: ErrUnrecognizedCurrency when no known symbol is present,
//     ErrMalformedPrice when no numeric token is present
func Normalize(raw string) (Price, error) {
	currency, ok := detectCurrency(raw)
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrUnrecognizedCurrency, raw)
	}
	amount, err := minorUnits(raw)
	if err != nil {
		return Price{}, err
	}
	return Price{Amount: amount, Currency: currency}, nil
}

// ParseMajor converts a user-entered major-unit amount ("12.50", "1e5") into
// minor units. The whole input must be a number; anything else is
// ErrMalformedPrice.
func ParseMajor(text string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedPrice, text)
	}
	return toMinor(d, text)
}

func detectCurrency(raw string) (string, bool) {
	for _, s := range symbols {
		if strings.Contains(raw, s.symbol) {
			return s.code, true
		}
	}
	return "", false
}

// minorUnits reads the first number of a display price. Currency symbols are
// removed first so a sign written before the symbol ("-£5") is kept.
func minorUnits(raw string) (int64, error) {
	cleaned := strings.ReplaceAll(raw, ",", "")
	for _, s := range symbols {
		cleaned = strings.ReplaceAll(cleaned, s.symbol, "")
	}
	token := numberRe.FindString(cleaned)
	if token == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedPrice, raw)
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedPrice, raw, err)
	}
	return toMinor(d, raw)
}

func toMinor(d decimal.Decimal, raw string) (int64, error) {
	// decimal.Round rounds half away from zero.
	minor := d.Mul(hundred).Round(0)
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q: out of range", ErrMalformedPrice, raw)
	}
	return minor.IntPart(), nil
}

// Format renders minor units as a major-unit string, e.g. 1299 -> "12.99".
func Format(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
