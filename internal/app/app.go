package app

import (
	"context"
	"sync"

	"github.com/freelancehub/creditengine/internal/cache"
	"github.com/freelancehub/creditengine/internal/config"
	"github.com/freelancehub/creditengine/internal/db"
	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/log"
	"github.com/freelancehub/creditengine/internal/scheduler"
	httpserver "github.com/freelancehub/creditengine/internal/server/http"
	"github.com/freelancehub/creditengine/internal/server/http/adminapi"
	"github.com/freelancehub/creditengine/internal/server/http/ledgerapi"
	"github.com/freelancehub/creditengine/internal/server/http/referralapi"
	"github.com/freelancehub/creditengine/internal/server/http/subscriptionapi"
	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/discount"
	"github.com/freelancehub/creditengine/internal/service/ledger"
	"github.com/freelancehub/creditengine/internal/service/notification"
	"github.com/freelancehub/creditengine/internal/service/processing"
	"github.com/freelancehub/creditengine/internal/service/referral"
	"github.com/freelancehub/creditengine/internal/service/subscription"
	"github.com/freelancehub/creditengine/pkg/graceful"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const metricsNamespace = "billing"

type Hook func(ctx context.Context, a *App) error

type App struct {
	ctx    context.Context
	cfg    *config.Config
	logger *zerolog.Logger

	pool       *pgxpool.Pool
	redis      *redis.Client
	reputation *referral.BoltReputation
	services   *Locator

	server    *httpserver.Server
	scheduler *scheduler.Scheduler

	onBeforeRun []Hook
	hooksOnce   sync.Once
}

// Locator holds the wired services.
type Locator struct {
	Store         *repository.Store
	Catalog       *catalog.Service
	Discounts     *discount.Service
	Ledger        *ledger.Service
	Subscriptions *subscription.Service
	Referrals     *referral.Service
	Processing    *processing.Service
	Notifications *notification.Publisher
}

// New connects the infrastructure and wires every service. It exits the
// process when a dependency is unreachable.
func New(ctx context.Context, cfg *config.Config) *App {
	logger := log.New(cfg.Logger, cfg.Env, cfg.GitVersion)

	a := &App{ctx: ctx, cfg: cfg, logger: &logger}

	if err := a.connect(); err != nil {
		logger.Fatal().Err(err).Msg("unable to start application")
	}

	graceful.AddCallback(func(ctx context.Context) error {
		return a.Shutdown(ctx)
	})

	return a
}

func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

func (a *App) Config() *config.Config {
	return a.cfg
}

func (a *App) Locator() *Locator {
	return a.services
}

// OnBeforeRun registers a hook executed once before the first runner starts.
func (a *App) OnBeforeRun(hook Hook) {
	a.onBeforeRun = append(a.onBeforeRun, hook)
}

// RunServer starts the web server in the background.
func (a *App) RunServer() {
	a.runHooks()

	a.server = a.newServer()

	go func() {
		if err := a.server.Run(); err != nil {
			a.logger.Fatal().Err(err).Msg("web server failed")
		}
	}()
}

// RunScheduler starts the cron loop in the background.
func (a *App) RunScheduler() {
	a.runHooks()

	s, err := a.Scheduler()
	if err != nil {
		a.logger.Fatal().Err(err).Msg("unable to create scheduler")
	}

	s.Start(a.ctx)
}

// Scheduler returns the job registry shared by the cron loop and the admin
// API. It does not start the cron loop.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	if a.scheduler != nil {
		return a.scheduler, nil
	}

	s, err := a.newScheduler()
	if err != nil {
		return nil, err
	}
	a.scheduler = s

	return s, nil
}

// Shutdown stops runners first and then releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	var group errgroup.Group

	if a.server != nil {
		group.Go(func() error {
			return errors.Wrap(a.server.Shutdown(ctx), "unable to stop web server")
		})
	}

	if a.scheduler != nil {
		group.Go(func() error {
			a.scheduler.Stop()
			return nil
		})
	}

	err := group.Wait()

	a.services.Notifications.Wait()

	if a.reputation != nil {
		if errClose := a.reputation.Close(); errClose != nil {
			a.logger.Error().Err(errClose).Msg("unable to close reputation db")
		}
	}

	if a.redis != nil {
		if errClose := a.redis.Close(); errClose != nil {
			a.logger.Error().Err(errClose).Msg("unable to close redis")
		}
	}

	a.pool.Close()

	return err
}

func (a *App) runHooks() {
	a.hooksOnce.Do(func() {
		for _, hook := range a.onBeforeRun {
			if err := hook(a.ctx, a); err != nil {
				a.logger.Fatal().Err(err).Msg("before run hook failed")
			}
		}
	})
}

func (a *App) connect() error {
	cfg := a.cfg.Billing

	pool, err := db.Open(a.ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	a.pool = pool

	redisClient, err := cache.Connect(a.ctx, cfg.Cache)
	if err != nil {
		return err
	}
	a.redis = redisClient

	if cfg.Referral.ReputationDB != "" {
		reputation, err := referral.OpenBoltReputation(cfg.Referral.ReputationDB)
		if err != nil {
			a.logger.Warn().Err(err).Msg("ip reputation is unavailable, clicks are scored without it")
		} else {
			a.reputation = reputation
		}
	}

	services, err := a.wire(repository.New(pool))
	if err != nil {
		return err
	}
	a.services = services

	return nil
}

func (a *App) wire(store *repository.Store) (*Locator, error) {
	cfg := a.cfg.Billing

	senders := []notification.Sender{notification.NewLogSender(a.logger)}
	if cfg.SMTP.Enabled {
		senders = append(senders, notification.NewEmailSender(cfg.SMTP, store, a.logger))
	}

	publisher, err := notification.NewPublisher(a.logger, senders...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create notification publisher")
	}

	observer, err := ledger.NewPrometheusObserver(metricsNamespace, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}

	catalogService := catalog.New(
		store,
		cache.New[repository.Plan](cfg.Cache, a.redis, "plan"),
		cache.New[repository.CreditValue](cfg.Cache, a.redis, "credit_value"),
		a.logger,
	)

	discountService := discount.New(store, a.logger)

	ledgerService := ledger.New(cfg.Ledger, store, catalogService, discountService, publisher, observer, a.logger)

	subscriptionService := subscription.New(
		cfg.Subscription,
		store,
		catalogService,
		discountService,
		publisher,
		a.logger,
	)

	// a nil *BoltReputation must not become a non-nil interface
	var reputation referral.Reputation
	if a.reputation != nil {
		reputation = a.reputation
	}

	referralService := referral.New(cfg.Referral, store, ledgerService, reputation, publisher, a.logger)

	return &Locator{
		Store:         store,
		Catalog:       catalogService,
		Discounts:     discountService,
		Ledger:        ledgerService,
		Subscriptions: subscriptionService,
		Referrals:     referralService,
		Processing:    processing.New(cfg.Payments, subscriptionService, a.logger),
		Notifications: publisher,
	}, nil
}

func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	cfg := a.cfg.Billing.Scheduler

	s := scheduler.New(cfg, a.logger)

	h := scheduler.NewHandler(a.services.Ledger, a.services.Referrals, cfg.BatchSize)
	if err := s.RegisterHandler(h); err != nil {
		return nil, err
	}

	return s, nil
}

func (a *App) newServer() *httpserver.Server {
	cfg := a.cfg.Billing.Server
	services := a.services

	jobs, err := a.Scheduler()
	if err != nil {
		a.logger.Fatal().Err(err).Msg("unable to create scheduler")
	}

	subscriptionHandler := subscriptionapi.New(services.Subscriptions, services.Catalog, services.Processing, a.logger)
	referralHandler := referralapi.New(services.Referrals, a.logger)

	return httpserver.New(
		cfg,
		a.logger,
		httpserver.WithMetrics(metricsNamespace),
		httpserver.WithHealth(services.Store),
		httpserver.WithBillingAPI(
			subscriptionHandler,
			ledgerapi.New(services.Ledger, services.Catalog, services.Discounts, a.logger),
			referralHandler,
		),
		httpserver.WithPaymentWebhook(subscriptionHandler),
		httpserver.WithAdminAPI(
			cfg,
			adminapi.New(services.Catalog, services.Discounts, jobs, a.logger),
			referralHandler,
		),
	)
}
