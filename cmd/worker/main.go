package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_fanout/internal/config"
	"github.com/austindbirch/harbor_fanout/internal/db"
	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/dispatch"
	"github.com/austindbirch/harbor_fanout/internal/health"
	"github.com/austindbirch/harbor_fanout/internal/healthcache"
	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/metrics"
	"github.com/austindbirch/harbor_fanout/internal/store"
	"github.com/austindbirch/harbor_fanout/internal/tracing"
	"github.com/austindbirch/harbor_fanout/internal/worker"
)

func retryPolicy(cfg config.Worker) worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.BackoffSchedule,
		JitterPct:   cfg.JitterPercent,
	}
}

// consumerConfig leaves MaxAttempts unlimited so the retry policy, not
// go-nsq, decides when a job is dead.
func consumerConfig(cfg config.NSQ) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.MaxInFlight
	conf.MaxAttempts = 0
	return conf
}

func newDispatcher(cfg config.Config, cache *healthcache.Cache, logger *logging.Logger) *dispatch.Dispatcher {
	sender := delivery.NewSender(&http.Client{Timeout: cfg.Dispatch.RequestTimeout},
		delivery.WithSignatureHeader(cfg.Dispatch.SignatureHeader),
		delivery.WithMaxDrain(cfg.Dispatch.MaxDrainBytes),
	)
	return dispatch.New(cache, sender, dispatch.WithLogger(logger))
}

func newCache(cfg config.HealthCache) *healthcache.Cache {
	return healthcache.New(healthcache.Config{
		Capacity:  cfg.Capacity,
		TTL:       cfg.TTL,
		Threshold: cfg.Threshold,
	})
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New("harborfanout-worker", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))

	shutdown, err := tracing.InitTracing(ctx, "harborfanout-worker", cfg.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), 0)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	ledger := store.NewLedger(pool)
	if err := ledger.Migrate(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("ledger migrate failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	cache := newCache(cfg.HealthCache)
	disp := newDispatcher(cfg, cache, logger)

	opts := []worker.Option{worker.WithLedger(ledger), worker.WithLogger(logger)}
	if cfg.Worker.PublishDLQ {
		dlqProducer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
		opts = append(opts, worker.WithDLQPublisher(dlqProducer, cfg.NSQ.DLQTopic))
	}
	handler := worker.NewHandler(disp, retryPolicy(cfg.Worker), opts...)

	consumer, err := nsq.NewConsumer(cfg.NSQ.FanoutTopic, cfg.NSQ.WorkerChannel, consumerConfig(cfg.NSQ))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(handler)

	// Connecting directly to nsqd forces channel creation instead of waiting for the first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, cache))
	mux.HandleFunc("/v1/endpoints/health", health.EndpointHandler(cache))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}

	monitor := worker.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.FanoutTopic, cfg.NSQ.DLQTopic)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(gctx, cfg.HealthCache.SweepInterval) })
	g.Go(func() error { return monitor.Run(gctx, cfg.Worker.BacklogInterval) })
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("Shutting down worker service")
		consumer.Stop()
		<-consumer.StopChan
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	logger.Plain().Info("worker service started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Plain().WithError(err).Error("worker stopped with error")
	}
	logger.Plain().Info("worker service stopped")
}
