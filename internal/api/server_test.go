package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wiggletrack/internal/alert"
	"wiggletrack/internal/api/auth"
	"wiggletrack/internal/api/scheduler"
	"wiggletrack/internal/crawler"
	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/lock"
	"wiggletrack/internal/pkg/notify"
	"wiggletrack/internal/store"
	"wiggletrack/internal/tracker"

	"github.com/gin-gonic/gin"
)

const (
	testSecret = "test-secret"
	testURL    = "https://www.wiggle.com/castelli-jersey"
)

type stubExtractor struct {
	mu   sync.Mutex
	snap *crawler.RawSnapshot
	err  error
}

func (s *stubExtractor) Extract(_ context.Context, url string) (*crawler.RawSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, &crawler.ExtractionError{Kind: "network", URL: url, Err: s.err}
	}
	cp := *s.snap
	return &cp, nil
}

type nopMailer struct{}

func (nopMailer) Send(context.Context, notify.Contact, notify.Kind, any) error { return nil }

type stubRuns struct {
	report *scheduler.RunReport
}

func (r stubRuns) LastReport(context.Context) (*scheduler.RunReport, error) {
	if r.report == nil {
		return nil, scheduler.ErrNoRun
	}
	return r.report, nil
}

type testEnv struct {
	router    http.Handler
	proc      *tracker.Processor
	extractor *stubExtractor
	token     string
}

func newTestEnv(t *testing.T, runs Runs, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := store.NewMemoryUserStore()
	users.PutUser(model.User{ID: 7, Email: "rider@example.com", Name: "Rider"})

	extractor := &stubExtractor{snap: &crawler.RawSnapshot{
		Name:  "Castelli Jersey",
		Image: "https://img/c.jpg",
		Prices: []crawler.RawPrice{
			{Color: "Dark Blue", Size: "M", Price: "£40.00"},
			{Color: "Dark Blue", Size: "L", Price: "£45.00"},
		},
	}}
	proc := tracker.NewProcessor(tracker.Deps{
		Products:   store.NewMemoryProductStore(),
		Users:      users,
		Extractor:  extractor,
		Dispatcher: alert.NewDispatcher(nopMailer{}, nil, "https://site", 3, logger),
		Locker:     lock.NewLocalLocker(),
	}, time.Second, logger)

	token, err := auth.IssueToken(testSecret, 7, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if runs == nil {
		runs = stubRuns{}
	}
	srv := NewServer(logger, testSecret, proc, runs, checks)
	return &testEnv{router: srv.Router(), proc: proc, extractor: extractor, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// registerAndRefresh creates the product and runs its first population.
func (e *testEnv) registerAndRefresh(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/products", gin.H{"url": testURL}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data model.Product `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := e.proc.Refresh(context.Background(), resp.Data.ID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return resp.Data.ID
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/products", gin.H{"url": testURL}, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/me/products", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestRegisterAndQuery(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	id := env.registerAndRefresh(t)

	w := env.do(t, http.MethodPost, "/products", gin.H{"url": testURL}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("second register should reuse the product, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/products/"+id, nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("get product status %d", w.Code)
	}
	var got struct {
		Data struct {
			Name         string            `json:"name"`
			PriceRange   *model.PriceRange `json:"price_range"`
			LatestPrices []struct {
				Color string `json:"color"`
				Sizes []struct {
					Size  string `json:"size"`
					Price int64  `json:"price"`
				} `json:"sizes"`
			} `json:"latest_prices"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data.Name != "Castelli Jersey" {
		t.Fatalf("unexpected name %q", got.Data.Name)
	}
	if got.Data.PriceRange == nil || got.Data.PriceRange.Min != 4000 || got.Data.PriceRange.Max != 4500 {
		t.Fatalf("unexpected range %+v", got.Data.PriceRange)
	}
	if len(got.Data.LatestPrices) != 1 || len(got.Data.LatestPrices[0].Sizes) != 2 {
		t.Fatalf("unexpected latest prices %+v", got.Data.LatestPrices)
	}

	w = env.do(t, http.MethodGet, "/products/"+id+"/history?color=Dark_Blue&size=M", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("history status %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"color":"Dark Blue"`) {
		t.Fatalf("history should resolve underscores to spaces: %s", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/products/"+id+"/history?color=Red&size=M", nil, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown color, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/products/"+id+"/history?color=Red", nil, false)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without size, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/products/"+id+"/variants", nil, false)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"sizes":["M","L"]`) {
		t.Fatalf("variants: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/products/missing", nil, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRegister_InvalidURL(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	w := env.do(t, http.MethodPost, "/products", gin.H{"url": "ftp://example.com/x"}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/products", gin.H{}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without url, got %d", w.Code)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	id := env.registerAndRefresh(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"string amount", gin.H{"price_below": "35.50"}, http.StatusOK},
		{"exponent number", gin.H{"price_below": json.RawMessage(`1e5`)}, http.StatusOK},
		{"trailing letters", gin.H{"price_below": "12abc"}, http.StatusBadRequest},
		{"leading letters", gin.H{"price_below": "abc12"}, http.StatusBadRequest},
		{"numeric amount", gin.H{"price_below": 30.25}, http.StatusOK},
		{"not a number", gin.H{"price_below": "cheap"}, http.StatusBadRequest},
		{"zero", gin.H{"price_below": "0"}, http.StatusBadRequest},
		{"missing", gin.H{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/products/"+id+"/notifications", tt.body, true)
			if w.Code != tt.want {
				t.Fatalf("status %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	p, err := env.proc.Product(context.Background(), id)
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	if sub := p.Subscription(7); sub == nil || sub.Threshold != 3025 {
		t.Fatalf("expected replaced threshold 3025, got %+v", sub)
	}

	w := env.do(t, http.MethodGet, "/me/products", nil, true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"notifications_enabled":true`) {
		t.Fatalf("me/products: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodDelete, "/me/notifications", nil, true)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"removed":1`) {
		t.Fatalf("unsubscribe all: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodDelete, "/products/"+id, nil, true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unbookmark status %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/products/"+id+"/notifications", gin.H{"price_below": "10"}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("subscribe without bookmark should be 400, got %d", w.Code)
	}
}

func TestCheck_ExtractionFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.extractor.err = errors.New("connection refused")

	w := env.do(t, http.MethodPost, "/products/check", gin.H{"url": testURL}, true)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestLastRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	w := env.do(t, http.MethodGet, "/runs/last", nil, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", w.Code)
	}

	env = newTestEnv(t, stubRuns{report: &scheduler.RunReport{RunID: "r1", Total: 3, Succeeded: 2, Failed: 1}}, nil)
	w = env.do(t, http.MethodGet, "/runs/last", nil, false)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"run_id":"r1"`) {
		t.Fatalf("last run: %d %s", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, map[string]HealthCheck{
		"products": func(context.Context) error { return nil },
	})
	if w := env.do(t, http.MethodGet, "/healthz", nil, false); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	env = newTestEnv(t, nil, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w := env.do(t, http.MethodGet, "/healthz", nil, false)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "connection refused") {
		t.Fatalf("unhealthy: %d %s", w.Code, w.Body.String())
	}
}
