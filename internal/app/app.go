// Package app assembles the engine's components from configuration. Both
// the API server and the headless worker build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/bittucreator/unosend-sub001/internal/api"
	"github.com/bittucreator/unosend-sub001/internal/auth"
	"github.com/bittucreator/unosend-sub001/internal/config"
	"github.com/bittucreator/unosend-sub001/internal/content"
	"github.com/bittucreator/unosend-sub001/internal/notify"
	"github.com/bittucreator/unosend-sub001/internal/pkg/distlock"
	"github.com/bittucreator/unosend-sub001/internal/pkg/httpretry"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
	"github.com/bittucreator/unosend-sub001/internal/provider"
	"github.com/bittucreator/unosend-sub001/internal/repository/postgres"
	"github.com/bittucreator/unosend-sub001/internal/service/broadcast"
	"github.com/bittucreator/unosend-sub001/internal/service/delivery"
	"github.com/bittucreator/unosend-sub001/internal/service/quota"
	"github.com/bittucreator/unosend-sub001/internal/service/sending"
	"github.com/bittucreator/unosend-sub001/internal/tracking"
)

// App holds every long-lived component of one process.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	Store  *postgres.Store

	Gateway    *provider.Gateway
	Notifier   notify.Notifier
	Quota      *quota.Service
	Emails     *sending.Service
	Broadcasts *broadcast.Service
	Dispatcher *broadcast.Dispatcher
	Recovery   *broadcast.Recovery
	Scheduler  *broadcast.Scheduler
	Ingestor   *delivery.Ingestor
	Consumer   *delivery.Consumer
	Recorder   *tracking.Recorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to the database (and Redis when configured) and wires the
// services. Background loops are not started; call StartBackground.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db, Store: postgres.NewStore(db)}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("app: redis unreachable, locks fall back to postgres", "error", err)
			a.Redis.Close()
			a.Redis = nil
		}
	}

	a.Gateway, err = provider.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("provider: %w", err)
	}

	a.Notifier, err = newNotifier(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	tracker := content.NewTracker(cfg.Tracking.BaseURL)
	unsub := content.NewUnsubscriber(cfg.Tracking.SigningKey, cfg.Tracking.BaseURL)

	a.Quota = quota.NewService(a.Store.Usage, cfg.Quota.PlanLimits)
	a.Emails = sending.NewService(a.Store.Emails, a.Gateway, a.Quota, tracker, a.Notifier)

	a.Dispatcher = broadcast.NewDispatcher(a.Store.Broadcasts, a.Emails, a.Quota, tracker, unsub,
		distlock.NewFactory(a.Redis, db), broadcast.Options{
			BatchSize:   cfg.Broadcast.BatchSize,
			BatchDelay:  cfg.Broadcast.BatchDelay(),
			Concurrency: cfg.Broadcast.Concurrency,
			Workers:     cfg.Broadcast.Workers,
			QueueSize:   cfg.Broadcast.QueueSize,
			LockTTL:     cfg.Broadcast.LockTTL(),
		})
	a.Broadcasts = broadcast.NewService(a.Store.Broadcasts, a.Quota, a.Dispatcher)
	a.Recovery = broadcast.NewRecovery(a.Store.Broadcasts, a.Quota, a.Dispatcher,
		cfg.Broadcast.StaleAfter(), cfg.Broadcast.RecoveryInterval(), cfg.Broadcast.MaxResumes)
	a.Scheduler = broadcast.NewScheduler(a.Broadcasts, a.Emails, cfg.Scheduler.Interval()).
		WithBatchSize(cfg.Scheduler.BatchSize)

	a.Ingestor = delivery.NewIngestor(a.Store.Engagement(), a.Quota, a.Notifier)
	if cfg.Callbacks.SQSQueueURL != "" {
		awsCfg, err := provider.LoadAWS(ctx, cfg, cfg.Callbacks.Region)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load aws config for callbacks: %w", err)
		}
		a.Consumer = delivery.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Callbacks.SQSQueueURL, a.Ingestor)
	}

	a.Recorder = tracking.NewRecorder(a.Store.Engagement(), a.Quota, a.Notifier, unsub)
	return a, nil
}

func newNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	if cfg.Notify.SQSQueueURL == "" {
		logger.Info("app: no webhook queue configured, events are logged")
		return notify.LogNotifier{}, nil
	}
	awsCfg, err := provider.LoadAWS(ctx, cfg, cfg.Notify.Region)
	if err != nil {
		return nil, fmt.Errorf("load aws config for notifier: %w", err)
	}
	return notify.NewSQSNotifier(sqs.NewFromConfig(awsCfg), cfg.Notify.SQSQueueURL), nil
}

// APIDeps builds the collaborators for the HTTP server.
func (a *App) APIDeps() (api.Deps, error) {
	trackingHandler, err := tracking.NewHandler(a.Recorder, a.Config.Tracking.BaseURL)
	if err != nil {
		return api.Deps{}, fmt.Errorf("tracking handler: %w", err)
	}
	confirm := httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 3)

	deps := api.Deps{
		Emails:     a.Emails,
		Broadcasts: a.Broadcasts,
		Auth:       auth.NewValidator(a.Store.APIKeys),
		Tracking:   trackingHandler,
		SES:        api.NewSESWebhook(a.Ingestor, confirm),
		Health:     api.NewHealthChecker(a.DB, a.Redis),
	}
	if a.Redis != nil {
		deps.RateLimit = auth.NewRateLimiter(a.Redis, a.Config.RateLimit.RequestsPerMinute)
	} else {
		logger.Warn("app: rate limiting disabled without redis")
	}
	return deps, nil
}

// StartBackground runs the dispatcher pool, the recovery sweep, the
// scheduler and, when configured, the callback consumer.
func (a *App) StartBackground(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Dispatcher.Start(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Recovery.Run(ctx)
	}()
	a.Scheduler.Start(ctx)
	if a.Consumer != nil {
		a.Consumer.Start(ctx)
	}
	logger.Info("app: background loops started",
		"workers", a.Config.Broadcast.Workers, "callbacks", a.Consumer != nil)
}

// StopBackground stops the loops and waits for in-flight work.
func (a *App) StopBackground() {
	if a.cancel == nil {
		return
	}
	if a.Consumer != nil {
		a.Consumer.Stop()
	}
	a.Scheduler.Stop()
	a.cancel()
	a.wg.Wait()
	a.Dispatcher.Stop()
	logger.Info("app: background loops stopped")
}

// Close drains pending notifications and releases connections.
func (a *App) Close() {
	if n, ok := a.Notifier.(*notify.SQSNotifier); ok {
		n.Wait()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
