// Package app wires stores, Redis helpers and the tracker from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wiggletrack/internal/alert"
	"wiggletrack/internal/api"
	"wiggletrack/internal/api/scheduler"
	"wiggletrack/internal/config"
	"wiggletrack/internal/crawler"
	"wiggletrack/internal/model"
	"wiggletrack/internal/pkg/dedup"
	"wiggletrack/internal/pkg/lock"
	"wiggletrack/internal/pkg/notify"
	"wiggletrack/internal/pkg/redisqueue"
	"wiggletrack/internal/store"
	"wiggletrack/internal/tracker"

	"github.com/redis/go-redis/v9"
)

// DemoUserID is the account seeded in memory mode.
const DemoUserID uint = 1

// App holds the wired components shared by both binaries.
type App struct {
	Config    *config.Config
	Products  store.ProductStore
	Users     store.UserStore
	Processor *tracker.Processor
	Scheduler *scheduler.Scheduler

	logger  *slog.Logger
	redis   *redis.Client
	outbox  *redisqueue.Client
	browser *crawler.BrowserFetcher
	closers []func(ctx context.Context) error
}

// New connects every configured backend.
//
// Memory storage keeps products and users in process and seeds a demo user.
// Without a Redis address locks are process-local and neither the delivery
// ledger nor the bookmark outbox is available.
//
// Parameters:
//
//	ctx: bounds the initial connections
//	cfg: loaded configuration
//	logger: structured logger
//
// Returns:
//
//	*App: wired application
//	error: a backend could not be reached
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.openStores(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	var locker lock.Locker = lock.NewLocalLocker()
	var ledger alert.Ledger
	deps := tracker.Deps{Products: a.Products, Users: a.Users}
	if a.redis != nil {
		locker = lock.NewRedisLocker(a.redis, cfg.Catalog.LockTTL, cfg.Catalog.LockWait)
		ledger = dedup.NewDeduplicator(a.redis, cfg.Catalog.DedupTTL)
		deps.Outbox = a.outbox
	}

	mailer := notify.NewEmailNotifier(&cfg.Email, logger)
	deps.Locker = locker
	deps.Extractor = crawler.NewService(a.fetcher(), logger)
	deps.Dispatcher = alert.NewDispatcher(mailer, ledger, cfg.App.SiteURL, cfg.Catalog.MaxDispatchAttempts, logger)

	a.Processor = tracker.NewProcessor(deps, cfg.Catalog.ExtractTimeout, logger)
	a.Scheduler = scheduler.NewScheduler(a.Products, a.Processor, a.outbox, a.redis, cfg.Catalog, logger)
	a.Processor.SetTrigger(func(productID string) { a.Scheduler.Trigger(productID) })
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	if cfg.App.Storage == "memory" {
		users := store.NewMemoryUserStore()
		users.PutUser(model.User{ID: DemoUserID, Email: "demo@example.com", Name: "Demo Rider", CreatedAt: time.Now()})
		a.Products = store.NewMemoryProductStore()
		a.Users = users
		a.logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}

	mongoStore, err := store.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	a.closers = append(a.closers, mongoStore.Close)
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	a.Products = mongoStore

	userStore, err := store.OpenMySQL(cfg.MySQL.DSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return userStore.Close() })
	a.Users = userStore
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	if a.Config.Redis.Addr == "" {
		a.logger.Warn("redis not configured, using local locks without delivery ledger or outbox")
		return nil
	}
	outbox := redisqueue.NewClient(a.Config.Redis.Addr, a.Config.Redis.Password)
	a.closers = append(a.closers, func(context.Context) error { return outbox.Close() })
	if err := outbox.Redis().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.outbox = outbox
	a.redis = outbox.Redis()
	return nil
}

func (a *App) fetcher() crawler.Fetcher {
	if a.Config.Browser.UseBrowser {
		a.browser = crawler.NewBrowserFetcher(&a.Config.Browser, a.logger)
		a.closers = append(a.closers, func(context.Context) error { return a.browser.Close() })
		return a.browser
	}
	return crawler.NewHTTPFetcher(a.Config.Browser.UserAgent, a.Config.Catalog.ExtractTimeout)
}

// HealthChecks returns the dependency checks served on /healthz.
func (a *App) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"products": a.Products.Ping,
		"users":    a.Users.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Close stops the scheduler and releases connections in reverse order.
func (a *App) Close(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
