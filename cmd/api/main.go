package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wiggletrack/internal/api"
	"wiggletrack/internal/api/auth"
	"wiggletrack/internal/app"
	"wiggletrack/internal/config"
	"wiggletrack/internal/pkg/logger"
	"wiggletrack/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// main starts the HTTP API. With -scheduler it also runs the catalog cron,
// which is handy for single-process local setups.
func main() {
	withScheduler := flag.Bool("scheduler", false, "run the catalog scheduler in this process")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	metrics.InitMetrics(cfg.Catalog.WorkerPoolSize)
	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *withScheduler {
		if err := application.Scheduler.Start(ctx); err != nil {
			appLogger.Error("start scheduler failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	if cfg.App.Env == "local" && cfg.App.Storage == "memory" {
		if token, err := auth.IssueToken(cfg.Security.JWTSecret, app.DemoUserID, 0); err == nil {
			appLogger.Info("demo user token", slog.Uint64("user_id", uint64(app.DemoUserID)), slog.String("token", token))
		}
	}

	srv := api.NewServer(appLogger, cfg.Security.JWTSecret, application.Processor, application.Scheduler, application.HealthChecks())
	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := application.Close(shutdownCtx); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
