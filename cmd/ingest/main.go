package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_fanout/internal/auth"
	"github.com/austindbirch/harbor_fanout/internal/config"
	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/dispatch"
	"github.com/austindbirch/harbor_fanout/internal/health"
	"github.com/austindbirch/harbor_fanout/internal/healthcache"
	"github.com/austindbirch/harbor_fanout/internal/ingest"
	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/metrics"
	"github.com/austindbirch/harbor_fanout/internal/tracing"
)

// newValidator returns nil when auth is disabled.
func newValidator(cfg config.Auth) (*auth.JWTValidator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
}

// newHTTPHandler mounts the fan-out API, health and metrics. A non-nil
// validator guards everything except the public paths.
func newHTTPHandler(srv *ingest.Server, cache *healthcache.Cache, reg *prometheus.Registry, v *auth.JWTValidator) http.Handler {
	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("GET /v1/endpoints/health", health.EndpointHandler(cache))
	mux.HandleFunc("/healthz", health.HTTPHandler(nil, cache))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if v == nil {
		return mux
	}
	return v.HTTPMiddleware(mux)
}

func newGRPCServer(v *auth.JWTValidator) (*grpc.Server, *grpc_health.Server) {
	var opts []grpc.ServerOption
	if v != nil {
		opts = append(opts, grpc.UnaryInterceptor(v.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(opts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	return grpcSrv, hs
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New("harborfanout-ingest", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))

	shutdown, err := tracing.InitTracing(ctx, "harborfanout-ingest", cfg.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	validator, err := newValidator(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator")
	}

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer")
	}
	defer prod.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	cache := healthcache.New(healthcache.Config{
		Capacity:  cfg.HealthCache.Capacity,
		TTL:       cfg.HealthCache.TTL,
		Threshold: cfg.HealthCache.Threshold,
	})
	sender := delivery.NewSender(&http.Client{Timeout: cfg.Dispatch.RequestTimeout},
		delivery.WithSignatureHeader(cfg.Dispatch.SignatureHeader),
		delivery.WithMaxDrain(cfg.Dispatch.MaxDrainBytes),
	)
	disp := dispatch.New(cache, sender, dispatch.WithLogger(logger))
	svc := ingest.NewServer(prod, disp, ingest.WithTopic(cfg.NSQ.FanoutTopic), ingest.WithLogger(logger))

	grpcSrv, hs := newGRPCServer(validator)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen")
	}
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: newHTTPHandler(svc, cache, reg, validator)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(gctx, cfg.HealthCache.SweepInterval) })
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Plain().WithError(err).Error("ingest stopped with error")
	}
	logger.Plain().Info("ingest stopped")
}
