// Package app holds the wiring shared by the birdtag binaries.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/catalog"
	"github.com/your-org/birdtag/internal/detection"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/internal/notify"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/tasks"
	"github.com/your-org/birdtag/pkg/config"
	"github.com/your-org/birdtag/pkg/kafka"
	"github.com/your-org/birdtag/pkg/redisclient"
	"github.com/your-org/birdtag/pkg/storage/objectstore"
	"github.com/your-org/birdtag/pkg/tracing"
)

// Stores bundles the persistence backends selected by STORE_DRIVER.
type Stores struct {
	Catalog catalog.Store
	Tasks   tasks.Registry
	Results results.Store

	redis *redis.Client
}

// OpenStores builds the catalog, task registry and result store. The memory
// driver keeps state per process and is only useful for a single binary.
func OpenStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Stores, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		logger.Warn("using in-memory stores; state is lost on restart")
		return &Stores{
			Catalog: catalog.NewMemoryStore(),
			Tasks:   tasks.NewMemoryRegistry(),
			Results: results.NewMemoryStore(),
		}, nil
	case "redis", "":
		client, err := redisclient.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Catalog: catalog.NewRedisStore(client),
			Tasks:   tasks.NewRedisRegistry(client),
			Results: results.NewRedisStore(client),
			redis:   client,
		}, nil
	}
	return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
}

// Close releases the redis connection, if any.
func (s *Stores) Close(context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// SharedBreaker returns the redis-backed detection breaker state, or nil for
// the memory driver where no second process can read it.
func (s *Stores) SharedBreaker(cfg config.DetectionConfig, logger *zap.Logger) *detection.SharedBreaker {
	if s.redis == nil {
		return nil
	}
	return detection.NewSharedBreaker(s.redis, cfg.BreakerOpenFor, logger)
}

// ObjectStore builds the object store client from the storage section.
func ObjectStore(cfg config.StorageConfig) (objectstore.Client, error) {
	return objectstore.New(objectstore.Config{
		Provider:  cfg.Provider,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
	})
}

// Tracing configures the global tracer provider for a service.
func Tracing(ctx context.Context, cfg *config.Config, service string) (func(context.Context) error, error) {
	return tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  tracing.ParseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name + "-" + service,
	})
}

// Limits converts the configured byte limits to media types.
func Limits(cfg config.UploadConfig) map[media.Type]int64 {
	out := make(map[media.Type]int64, len(media.Types))
	for name, n := range cfg.MaxBytes() {
		if t, err := media.ParseType(name); err == nil {
			out[t] = n
		}
	}
	return out
}

// MaxLimit is the largest configured per-type limit.
func MaxLimit(limits map[media.Type]int64) int64 {
	var max int64
	for _, n := range limits {
		if n > max {
			max = n
		}
	}
	return max
}

// Timeouts converts the per-type detection timeouts to media types.
func Timeouts(cfg config.DetectionConfig) map[media.Type]time.Duration {
	out := make(map[media.Type]time.Duration, len(media.Types))
	for name, d := range cfg.Timeouts() {
		if t, err := media.ParseType(name); err == nil {
			out[t] = d
		}
	}
	return out
}

// ResultNotifier publishes stored results to the detection topic when
// enabled. The returned hook flushes the producer.
func ResultNotifier(cfg config.KafkaConfig) (results.Notifier, func(context.Context) error) {
	if !cfg.PublishResults || len(cfg.Brokers) == 0 {
		return nil, func(context.Context) error { return nil }
	}
	producer := kafka.NewProducer(ResultProducerConfig(cfg))
	return notify.New(producer), producer.Close
}

// ResultProducerConfig is the writer setup for result events. Each event is
// written on its own so a fallback upload never waits for a batch to fill.
func ResultProducerConfig(cfg config.KafkaConfig) kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.DetectionTopic,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.CompressionFromString(cfg.CompressionCodec),
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  cfg.Retries,
	}
}
