package app

import (
	"fmt"

	"enrollment-service/config"
	"enrollment-service/internal/api"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/gateway"
	"enrollment-service/internal/redisclient"
	"enrollment-service/internal/service"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"
	"enrollment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Provider is a payment gateway that also authenticates its own webhooks
type Provider interface {
	gateway.Gateway
	gateway.WebhookVerifier
}

// App holds every long-lived component of the service
type App struct {
	cfg *config.Config

	Store      *store.Store
	Redis      *redisclient.Client
	Gateway    Provider
	Rates      *service.RateClient
	Pricing    *service.PricingResolver
	Purchase   *service.PurchaseService
	Reconciler *service.Reconciler
	Coupons    *service.CouponService
	Sweeper    *worker.Sweeper

	publisher      *broker.EventPublisher
	eventsProducer *broker.Producer
	hooksProducer  *broker.Producer

	logger *zap.Logger
}

// New connects to Postgres and Redis and builds the domain services.
// Kafka clients connect lazily on first use.
func New(cfg *config.Config) (*App, error) {
	logger := util.GetLogger()

	gw, err := NewProvider(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info("Database connected")

	rdb, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("Redis connected")

	eventsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents)
	hooksProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks)
	publisher := broker.NewEventPublisher(eventsProducer, hooksProducer)
	logger.Info("Kafka producers initialized",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("events_topic", cfg.Kafka.TopicPaymentEvents),
		zap.String("webhooks_topic", cfg.Kafka.TopicWebhooks))

	rates := service.NewRateClient(db, rdb, cfg.Business.RateCacheTTL)
	pricing := service.NewPricingResolver(db, rates)
	purchases := service.NewPurchaseService(db, pricing, gw, publisher, rdb, service.PurchaseConfig{
		CallbackURL:    cfg.Gateway.CallbackURL,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
		OpenTimeout:    cfg.Gateway.Timeout,
	})
	reconciler := service.NewReconciler(db, gw, publisher, service.ReconcilerConfig{
		VerifyTimeout: cfg.Gateway.VerifyTimeout,
	})

	sweeper := worker.NewSweeper(db, reconciler, rdb, worker.SweeperConfig{
		Schedule:    cfg.Business.SweepSchedule,
		StaleAfter:  cfg.Business.SweepStaleAfter,
		BatchSize:   cfg.Business.SweepBatchSize,
		Parallelism: cfg.Business.SweepParallelism,
	})

	return &App{
		cfg:            cfg,
		Store:          db,
		Redis:          rdb,
		Gateway:        gw,
		Rates:          rates,
		Pricing:        pricing,
		Purchase:       purchases,
		Reconciler:     reconciler,
		Coupons:        service.NewCouponService(db),
		Sweeper:        sweeper,
		publisher:      publisher,
		eventsProducer: eventsProducer,
		hooksProducer:  hooksProducer,
		logger:         logger,
	}, nil
}

// Config returns the configuration the app was built from
func (a *App) Config() *config.Config {
	return a.cfg
}

// NewProvider selects the payment gateway named in the config
func NewProvider(cfg config.GatewayConfig) (Provider, error) {
	switch cfg.Provider {
	case "paystack":
		return gateway.NewPaystack(gateway.PaystackConfig{
			SecretKey:   cfg.SecretKey,
			BaseURL:     cfg.BaseURL,
			CallbackURL: cfg.CallbackURL,
			Timeout:     cfg.Timeout,
		}), nil
	case "sandbox":
		return gateway.NewSandbox(cfg.SecretKey), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}

// WebhookWorker builds the consumer that reconciles queued gateway webhooks
func (a *App) WebhookWorker() *worker.WebhookWorker {
	consumer := broker.NewConsumer(a.cfg.Kafka.Brokers, a.cfg.Kafka.TopicWebhooks, a.cfg.Kafka.ConsumerGroup)
	return worker.NewWebhookWorker(consumer, a.Store, a.Reconciler, worker.RetryConfig{
		Attempts: uint(a.cfg.Business.WebhookRetryAttempts),
	})
}

// Router builds the HTTP router
func (a *App) Router() *gin.Engine {
	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Purchases:  a.Purchase,
		Reconciler: a.Reconciler,
		Coupons:    a.Coupons,
		Webhooks:   a.publisher,
		Verifier:   a.Gateway,
		JWTSecret:  a.cfg.Auth.JWTSecret,
		Readiness: map[string]api.ReadinessCheck{
			"postgres": a.Store.Ping,
			"redis":    a.Redis.Ping,
		},
	})
	handler.SetupRoutes(router)
	return router
}

// Close flushes the producers, then closes Redis and Postgres
func (a *App) Close() {
	if err := a.eventsProducer.Close(); err != nil {
		a.logger.Error("Failed to close events producer", zap.Error(err))
	}
	if err := a.hooksProducer.Close(); err != nil {
		a.logger.Error("Failed to close webhooks producer", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		a.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Error("Failed to close database", zap.Error(err))
	}
	a.logger.Info("Connections closed")
}
