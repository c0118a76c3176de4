package detection

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/pkg/logger"
)

const sharedBreakerKey = "detection:breaker:open"

// SharedBreaker records trips of the dispatcher's breaker in redis so the API
// can route uploads to fallback while detection is down. A trip is remembered
// for openFor; the next trip after a failed half-open call renews it.
type SharedBreaker struct {
	client  *redis.Client
	openFor time.Duration
	logger  *zap.Logger
}

func NewSharedBreaker(client *redis.Client, openFor time.Duration, log *zap.Logger) *SharedBreaker {
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &SharedBreaker{
		client:  client,
		openFor: openFor,
		logger:  logger.OrNop(log).Named("shared_breaker"),
	}
}

// Follow mirrors trips and resets read from a breaker subscription until ctx
// ends.
func (s *SharedBreaker) Follow(ctx context.Context, events <-chan circuit.BreakerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev {
			case circuit.BreakerTripped:
				s.record(ctx, true)
			case circuit.BreakerReset:
				s.record(ctx, false)
			}
		}
	}
}

func (s *SharedBreaker) record(ctx context.Context, open bool) {
	var err error
	if open {
		err = s.client.Set(ctx, sharedBreakerKey, time.Now().UTC().Format(time.RFC3339), s.openFor).Err()
	} else {
		err = s.client.Del(ctx, sharedBreakerKey).Err()
	}
	if err != nil {
		s.logger.Warn("publish breaker state", zap.Bool("open", open), zap.Error(err))
		return
	}
	s.logger.Info("breaker state published", zap.Bool("open", open))
}

// Available reports false while a trip is recorded. Read errors count as
// available; the probe still checks the health endpoint itself.
func (s *SharedBreaker) Available(ctx context.Context) bool {
	n, err := s.client.Exists(ctx, sharedBreakerKey).Result()
	if err != nil {
		s.logger.Warn("read breaker state", zap.Error(err))
		return true
	}
	return n == 0
}
