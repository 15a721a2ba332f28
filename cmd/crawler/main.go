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

	"wiggletrack/internal/app"
	"wiggletrack/internal/config"
	"wiggletrack/internal/pkg/logger"
	"wiggletrack/internal/pkg/metrics"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main runs the catalog scheduler. With -once it refreshes the catalog a
// single time and exits, which suits an external cron.
func main() {
	once := flag.Bool("once", false, "run one catalog refresh and exit")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	metrics.InitMetrics(cfg.Catalog.WorkerPoolSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *once {
		code := 0
		report, err := application.Scheduler.RunOnce(ctx)
		if err != nil {
			appLogger.Error("catalog run failed", slog.String("error", err.Error()))
			code = 1
		} else {
			appLogger.Info("catalog run finished",
				slog.Int("total", report.Total),
				slog.Int("succeeded", report.Succeeded),
				slog.Int("failed", report.Failed),
				slog.Int("skipped", report.Skipped))
		}
		if err := application.Close(context.Background()); err != nil {
			appLogger.Error("close resources failed", slog.String("error", err.Error()))
		}
		os.Exit(code)
	}

	if err := application.Scheduler.Start(ctx); err != nil {
		appLogger.Error("start scheduler failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info("crawler metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down crawler service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	// Close stops the cron and waits for in-flight refreshes.
	if err := application.Close(shutdownCtx); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
	appLogger.Info("crawler service stopped gracefully")
}
