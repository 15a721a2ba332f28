package crawler

import (
	"context"
	"errors"
	"strings"
)

// Page text that means we got a challenge instead of the product.
var blockedHints = []string{
	"cloudflare",
	"attention required",
	"verify you are human",
	"access denied",
	"temporarily unavailable",
	"just a moment",
	"checking your browser",
	"challenge-platform",
	"cf-browser-verification",
	"recaptcha",
	"hcaptcha",
	"captcha",
	"403 forbidden",
	"429 too many requests",
	"rate limited",
	"too many requests",
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// detectBlockType names the kind of interstitial a page shows, for logs.
func detectBlockType(title, html string) string {
	lowerTitle := strings.ToLower(title)
	lowerHTML := strings.ToLower(html)

	if strings.Contains(lowerTitle, "just a moment") ||
		strings.Contains(lowerHTML, "cloudflare") ||
		strings.Contains(lowerHTML, "cf-browser-verification") ||
		strings.Contains(lowerHTML, "challenge-platform") ||
		strings.Contains(lowerHTML, `id="challenge-form"`) ||
		strings.Contains(lowerHTML, "turnstile") {
		return "cloudflare_challenge"
	}
	if strings.Contains(lowerHTML, "captcha") ||
		strings.Contains(lowerHTML, "verify you are human") {
		return "captcha"
	}
	if strings.Contains(lowerTitle, "403") ||
		strings.Contains(lowerTitle, "forbidden") ||
		strings.Contains(lowerHTML, "access denied") {
		return "403_forbidden"
	}
	if strings.Contains(lowerTitle, "429") ||
		strings.Contains(lowerHTML, "too many requests") ||
		strings.Contains(lowerHTML, "rate limit") {
		return "429_rate_limited"
	}
	return "unknown"
}

type crawlErrorType int

const (
	errTypeUnknown crawlErrorType = iota
	errTypeTimeout
	errTypeBlocked // 403/429/challenge pages
	errTypeNetwork
	errTypeParseError
)

func classifyError(err error) crawlErrorType {
	if err == nil {
		return errTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errTypeTimeout
	}

	msg := strings.ToLower(err.Error())

	blockedKeywords := []string{
		"blocked_page", "cloudflare", "attention required",
		"access denied", "403", "429", "forbidden", "too many requests",
	}
	if containsAny(msg, blockedKeywords) {
		return errTypeBlocked
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return errTypeTimeout
	}
	if containsAny(msg, []string{"net::", "connection", "navigate"}) {
		return errTypeNetwork
	}
	if strings.Contains(msg, "parse") {
		return errTypeParseError
	}
	return errTypeUnknown
}

// classifyCrawlerError returns the kind label used in metrics and ExtractionError.
func classifyCrawlerError(err error) string {
	switch classifyError(err) {
	case errTypeTimeout:
		return "timeout"
	case errTypeNetwork:
		return "network"
	case errTypeParseError:
		return "parse"
	case errTypeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}
