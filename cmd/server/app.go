package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/controller"
	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/dispatcher"
	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/metrics"
	"github.com/unclebandit/campaign-dispatcher/internal/phone"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/ratelimit"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/resolver"
	"github.com/unclebandit/campaign-dispatcher/internal/scheduler"
	"github.com/unclebandit/campaign-dispatcher/internal/sender"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

// store groups the persistence ports. Both the postgres repositories and
// repository.MemoryStore satisfy it.
type store struct {
	campaigns repository.CampaignRepositoryInterface
	messages  repository.OutboundMessageRepositoryInterface
	customers repository.CustomerRepositoryInterface
}

// app owns the long-lived components and tears them down in reverse order.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	db         *sqlx.DB
	redis      *redis.Client
	queue      queue.Queue
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	handler    http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	health := map[string]handler.Pinger{}

	var st store
	switch cfg.Store.Kind {
	case "postgres":
		a.db, err = db.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		health["postgres"] = a.db.PingContext
		st = store{
			campaigns: &repository.CampaignRepository{DB: a.db},
			messages:  &repository.OutboundMessageRepository{DB: a.db},
			customers: &repository.CustomerRepository{DB: a.db},
		}
	default:
		mem := repository.NewMemoryStore()
		st = store{campaigns: mem, messages: mem, customers: mem}
	}

	var quotaStore ratelimit.Store
	switch cfg.RateLimit.Store {
	case "postgres":
		quotaStore = &repository.RateLimitRepository{DB: a.db}
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		health["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
		quotaStore = ratelimit.NewRedisStore(a.redis, cfg.RateLimit.RedisPrefix)
	default:
		quotaStore = ratelimit.NewMemoryStore()
	}
	limiter, err := ratelimit.New(cfg.RateLimit, quotaStore, ratelimit.WithLogger(log))
	if err != nil {
		return nil, err
	}

	switch cfg.Queue.Kind {
	case "amqp":
		a.queue, err = queue.DialAMQP(cfg.Queue, log)
		if err != nil {
			return nil, err
		}
	default:
		a.queue = queue.NewInMemoryQueue(cfg.Queue, log)
	}
	tr, err := transport.New(cfg.Transport, a.queue, log)
	if err != nil {
		return nil, err
	}

	var rec metrics.Recorder = metrics.Nop{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, perr := metrics.NewPromRecorder(reg)
		if perr != nil {
			return nil, perr
		}
		rec = prom
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	normalizer := phone.NewNormalizer(cfg.Phone)
	snd := sender.New(cfg.Sender, tr, nil, rec, log)
	a.dispatcher = dispatcher.New(cfg.Dispatcher, st.campaigns, st.messages, limiter, snd, rec, log)
	res := resolver.New(cfg.Resolver, st.customers, st.customers, st.customers, normalizer, log)

	svc, err := service.NewCampaignService(st.campaigns, st.messages, res, a.dispatcher, limiter, cfg.Pricing, log)
	if err != nil {
		return nil, err
	}
	if cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(cfg.Scheduler, svc, log)
		if err != nil {
			return nil, err
		}
	}

	a.handler = handler.NewRouter(handler.RouterConfig{
		MetricsPath:    cfg.Metrics.Path,
		Metrics:        metricsHandler,
		Health:         health,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}, log, controller.NewCampaignController(svc, normalizer, log))
	return a, nil
}

// run resumes interrupted campaigns, serves HTTP until ctx is done, then
// drains in-flight batches.
func (a *app) run(ctx context.Context) error {
	resumed, err := a.dispatcher.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover running campaigns: %w", err)
	}
	a.log.Info().Int("resumed", resumed).Msg("campaign recovery complete")

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Dispatcher.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("http shutdown")
	}
	if a.scheduler != nil {
		a.scheduler.Stop(shutdownCtx)
	}
	if err := a.dispatcher.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("dispatcher shutdown")
	}
	return serveErr
}

func (a *app) close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Error().Err(err).Msg("close queue")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error().Err(err).Msg("close redis")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error().Err(err).Msg("close database")
		}
	}
}
