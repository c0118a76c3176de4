package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/app"
	"github.com/your-org/birdtag/internal/fallback"
	"github.com/your-org/birdtag/internal/ingestion"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/thumbnail"
	"github.com/your-org/birdtag/internal/upload"
	"github.com/your-org/birdtag/pkg/config"
	"github.com/your-org/birdtag/pkg/logger"
	"github.com/your-org/birdtag/pkg/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	logr = logr.With(zap.String("service", "api"), zap.String("env", cfg.App.Environment))

	traceShutdown, err := app.Tracing(ctx, cfg, "api")
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	prom := metrics.NewProm(cfg.Metrics.Namespace, nil)

	stores, err := app.OpenStores(ctx, cfg.Store, logr)
	if err != nil {
		logr.Fatal("init stores", zap.Error(err))
	}

	store, err := app.ObjectStore(cfg.Storage)
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}

	notifier, flushNotifier := app.ResultNotifier(cfg.Kafka)
	aggregator := results.NewAggregator(results.AggregatorParams{
		Store:    stores.Results,
		Notifier: notifier,
		Logger:   logr,
	})

	policy, err := fallback.ParsePolicy(cfg.Fallback.Mode)
	if err != nil {
		logr.Fatal("parse fallback mode", zap.Error(err))
	}
	probeURL := cfg.Fallback.ProbeURL
	if probeURL == "" && cfg.Detection.Endpoint != "" {
		probeURL = strings.TrimRight(cfg.Detection.Endpoint, "/") + cfg.Detection.HealthPath
	}
	probeParams := fallback.ProbeParams{
		Policy:    policy,
		Store:     store,
		HealthURL: probeURL,
		Timeout:   cfg.Fallback.ProbeTimeout,
		TTL:       cfg.Fallback.ProbeTTL,
		Logger:    logr,
	}
	if shared := stores.SharedBreaker(cfg.Detection, logr); shared != nil {
		probeParams.Breaker = shared
	}
	probe := fallback.NewProbe(probeParams)

	files, err := fallback.NewLocalStore(cfg.Fallback.Dir)
	if err != nil {
		logr.Fatal("init fallback directory", zap.Error(err))
	}

	limits := app.Limits(cfg.Upload)
	thumbOpts := thumbnail.Options{
		Width:   cfg.Thumbnail.Width,
		Height:  cfg.Thumbnail.Height,
		Quality: cfg.Thumbnail.Quality,
	}
	pipeline := fallback.NewPipeline(fallback.PipelineParams{
		Files:           files,
		Aggregator:      aggregator,
		Limits:          limits,
		ThumbnailPrefix: cfg.Storage.ThumbnailPrefix,
		Thumbnail:       thumbOpts,
		Metrics:         prom,
		Logger:          logr,
	})

	coordinator := upload.NewCoordinator(upload.Params{
		Catalog:  stores.Catalog,
		Remote:   upload.PostPolicySigner{Store: store},
		Local:    upload.LocalSigner{BaseURL: cfg.HTTP.PublicBaseURL},
		Selector: probe,
		Limits:   limits,
		Validity: cfg.Upload.GrantValidity,
		Metrics:  prom,
		Logger:   logr,
	})

	service := ingestion.NewService(ingestion.Params{
		Store:           store,
		Catalog:         stores.Catalog,
		Tasks:           stores.Tasks,
		Results:         stores.Results,
		Coordinator:     coordinator,
		Probe:           probe,
		Pipeline:        pipeline,
		Aggregator:      aggregator,
		Logger:          logr,
		ThumbnailPrefix: cfg.Storage.ThumbnailPrefix,
		LinkExpiry:      cfg.Storage.HandleExpiry,
		PublicBaseURL:   cfg.HTTP.PublicBaseURL,
		CloseHooks:      []func(context.Context) error{flushNotifier, stores.Close},
	})

	params := ingestion.HTTPParams{
		Service:         service,
		Logger:          logr,
		MaxUploadBytes:  app.MaxLimit(limits),
		FormMemBytes:    cfg.Upload.MultipartMemBytes,
		GrantsPerSecond: cfg.RateLimit.GrantsPerSecond,
		GrantBurst:      cfg.RateLimit.Burst,
	}
	var metricsServer *http.Server
	if cfg.Metrics.Addr == "" {
		params.Metrics = metrics.Handler()
	} else {
		metricsServer = serveMetrics(cfg.Metrics.Addr, logr)
	}
	handler := ingestion.NewHTTPHandler(params)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if err := service.Close(shutdownCtx); err != nil {
			logr.Error("service shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("api starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("fallback_mode", string(policy)),
		zap.String("store_driver", cfg.Store.Driver),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}

func serveMetrics(addr string, logr *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
