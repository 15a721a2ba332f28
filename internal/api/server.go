// Package api exposes products, price history and subscriptions over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wiggletrack/internal/api/middleware"
	"wiggletrack/internal/api/scheduler"
	"wiggletrack/internal/crawler"
	"wiggletrack/internal/history"
	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/lock"
	"wiggletrack/internal/pricing"
	"wiggletrack/internal/store"
	"wiggletrack/internal/tracker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Products is the product side of the API, implemented by tracker.Processor.
type Products interface {
	Product(ctx context.Context, id string) (*model.Product, error)
	Register(ctx context.Context, userID uint, url string) (*model.Product, bool, error)
	Bookmark(ctx context.Context, userID uint, productID string) (*model.Product, error)
	Unbookmark(ctx context.Context, userID uint, productID string) error
	Subscribe(ctx context.Context, userID uint, productID string, threshold int64) error
	Unsubscribe(ctx context.Context, userID uint, productID string) error
	UnsubscribeAll(ctx context.Context, userID uint) (int, error)
	UserProducts(ctx context.Context, userID uint) ([]tracker.BookmarkedProduct, error)
	Check(ctx context.Context, url string) (*tracker.CheckResult, error)
}

// Runs exposes the last catalog run.
type Runs interface {
	LastReport(ctx context.Context) (*scheduler.RunReport, error)
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Server holds the gin engine and its dependencies.
type Server struct {
	logger   *slog.Logger
	router   *gin.Engine
	products Products
	runs     Runs
	checks   map[string]HealthCheck
	secret   string
}

// NewServer builds the router.
//
// Parameters:
//
//	logger: structured logger
//	jwtSecret: HMAC secret for bearer tokens
//	products: product operations
//	runs: catalog run reports
//	checks: dependency checks for /healthz, keyed by name
//
// Returns:
//
//	*Server: server with all routes registered
func NewServer(logger *slog.Logger, jwtSecret string, products Products, runs Runs, checks map[string]HealthCheck) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		logger:   logger,
		router:   r,
		products: products,
		runs:     runs,
		checks:   checks,
		secret:   jwtSecret,
	}
	s.registerRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.GET("/products/:id", s.handleGetProduct)
	s.router.GET("/products/:id/history", s.handleHistory)
	s.router.GET("/products/:id/variants", s.handleVariants)
	s.router.GET("/runs/last", s.handleLastRun)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.secret))
	authed.POST("/products", s.handleRegister)
	authed.POST("/products/check", s.handleCheck)
	authed.POST("/products/:id", s.handleBookmark)
	authed.DELETE("/products/:id", s.handleUnbookmark)
	authed.POST("/products/:id/notifications", s.handleSubscribe)
	authed.DELETE("/products/:id/notifications", s.handleUnsubscribe)
	authed.GET("/me/products", s.handleMyProducts)
	authed.DELETE("/me/notifications", s.handleUnsubscribeAll)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{}
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			healthy = false
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "checks": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": status})
}

type productResponse struct {
	*model.Product
	LatestPrices []history.ColorPrices `json:"latest_prices"`
}

func (s *Server) handleGetProduct(c *gin.Context) {
	p, err := s.products.Product(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": productResponse{Product: p, LatestPrices: history.LatestPrices(p)}})
}

// handleHistory serves one (color, size) history. Clients write spaces in
// labels as underscores.
func (s *Server) handleHistory(c *gin.Context) {
	color := strings.ReplaceAll(c.Query("color"), "_", " ")
	size := strings.ReplaceAll(c.Query("size"), "_", " ")
	if strings.TrimSpace(color) == "" || strings.TrimSpace(size) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "color and size are required"})
		return
	}

	p, err := s.products.Product(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	h, err := history.PriceHistory(p, color, size)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h})
}

func (s *Server) handleVariants(c *gin.Context) {
	p, err := s.products.Product(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history.Variants(p)})
}

func (s *Server) handleLastRun(c *gin.Context) {
	report, err := s.runs.LastReport(c.Request.Context())
	if errors.Is(err, scheduler.ErrNoRun) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no catalog run yet"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

type urlRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	p, created, err := s.products.Register(c.Request.Context(), getUserID(c), req.URL)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": p})
}

func (s *Server) handleCheck(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	res, err := s.products.Check(c.Request.Context(), req.URL)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) handleBookmark(c *gin.Context) {
	p, err := s.products.Bookmark(c.Request.Context(), getUserID(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (s *Server) handleUnbookmark(c *gin.Context) {
	if err := s.products.Unbookmark(c.Request.Context(), getUserID(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// majorAmount accepts a threshold as a JSON string ("12.50") or number (12.5).
type majorAmount string

func (m *majorAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = majorAmount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("price_below must be a number or a string")
	}
	*m = majorAmount(n.String())
	return nil
}

type subscribeRequest struct {
	PriceBelow majorAmount `json:"price_below" binding:"required"`
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_below is required"})
		return
	}
	threshold, err := pricing.ParseMajor(string(req.PriceBelow))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_below is not a valid amount"})
		return
	}
	if err := s.products.Subscribe(c.Request.Context(), getUserID(c), c.Param("id"), threshold); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "notifications enabled", "threshold": pricing.Format(threshold)})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	if err := s.products.Unsubscribe(c.Request.Context(), getUserID(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMyProducts(c *gin.Context) {
	list, err := s.products.UserProducts(c.Request.Context(), getUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (s *Server) handleUnsubscribeAll(c *gin.Context) {
	n, err := s.products.UnsubscribeAll(c.Request.Context(), getUserID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, tracker.ErrProductNotFound), errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "product not found"
	case errors.Is(err, history.ErrHistoryNotFound):
		status, msg = http.StatusNotFound, "no price history for this color and size"
	case errors.Is(err, tracker.ErrNotBookmarked):
		status, msg = http.StatusBadRequest, "bookmark the product first"
	case errors.Is(err, tracker.ErrInvalidURL), errors.Is(err, tracker.ErrInvalidProductURL):
		status, msg = http.StatusBadRequest, "invalid product url"
	case errors.Is(err, tracker.ErrInvalidThreshold):
		status, msg = http.StatusBadRequest, "price_below must be positive"
	case errors.Is(err, crawler.ErrExtraction):
		status, msg = http.StatusBadGateway, "product page could not be read"
	case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, store.ErrConcurrentModification):
		status, msg = http.StatusConflict, "product is being updated, retry later"
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{"error": msg})
}

func getUserID(c *gin.Context) uint {
	return c.GetUint(middleware.ContextUserID)
}
