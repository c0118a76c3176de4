package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/app"
	"github.com/your-org/birdtag/internal/detection"
	"github.com/your-org/birdtag/internal/dispatch"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/thumbnail"
	"github.com/your-org/birdtag/pkg/config"
	"github.com/your-org/birdtag/pkg/kafka"
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
	logr = logr.With(zap.String("service", "dispatcher"), zap.String("env", cfg.App.Environment))

	traceShutdown, err := app.Tracing(ctx, cfg, "dispatcher")
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	prom := metrics.NewProm(cfg.Metrics.Namespace, nil)
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()

	stores, err := app.OpenStores(ctx, cfg.Store, logr)
	if err != nil {
		logr.Fatal("init stores", zap.Error(err))
	}
	defer stores.Close(context.Background()) //nolint:errcheck

	store, err := app.ObjectStore(cfg.Storage)
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	notifier, flushNotifier := app.ResultNotifier(cfg.Kafka)
	defer flushNotifier(context.Background()) //nolint:errcheck

	remote := detection.NewRemote(detection.RemoteParams{
		Endpoint:   cfg.Detection.Endpoint,
		Confidence: cfg.Detection.Confidence,
		Breaker:    detection.NewBreaker(cfg.Detection.BreakerThreshold),
		Logger:     logr,
	})
	if shared := stores.SharedBreaker(cfg.Detection, logr); shared != nil {
		go shared.Follow(ctx, remote.Breaker().Subscribe())
	}

	disp := dispatch.New(dispatch.Params{
		Catalog:   stores.Catalog,
		Tasks:     stores.Tasks,
		Detectors: remote.Set(),
		Aggregator: results.NewAggregator(results.AggregatorParams{
			Store:    stores.Results,
			Notifier: notifier,
			Logger:   logr,
		}),
		Store:           store,
		Metrics:         prom,
		Logger:          logr,
		MaxAttempts:     cfg.Detection.MaxAttempts,
		Timeouts:        app.Timeouts(cfg.Detection),
		BackoffInitial:  cfg.Detection.BackoffInitial,
		BackoffMax:      cfg.Detection.BackoffMax,
		HandleExpiry:    cfg.Storage.HandleExpiry,
		ThumbnailPrefix: cfg.Storage.ThumbnailPrefix,
		Thumbnail: thumbnail.Options{
			Width:   cfg.Thumbnail.Width,
			Height:  cfg.Thumbnail.Height,
			Quality: cfg.Thumbnail.Quality,
		},
	})

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.NotificationTopic,
		GroupID: cfg.Kafka.GroupID,
		Workers: cfg.Kafka.Workers,

		RetryInitial: cfg.Kafka.HandlerRetryInitial,
		RetryMax:     cfg.Kafka.HandlerRetryMax,
	}, logr.Named("consumer"))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logr.Info("dispatcher starting",
		zap.String("topic", cfg.Kafka.NotificationTopic),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Int("workers", cfg.Kafka.Workers),
	)
	runErr := consumer.Run(ctx, disp.Handler())
	if err := consumer.Close(); err != nil {
		logr.Warn("close consumer", zap.Error(err))
	}
	if runErr != nil {
		logr.Error("consumer stopped", zap.Error(runErr))
		return
	}
	logr.Info("dispatcher stopped")
}
