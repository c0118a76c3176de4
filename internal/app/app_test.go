package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/config"
)

func TestLimitsAndTimeouts(t *testing.T) {
	limits := Limits(config.UploadConfig{MaxImageBytes: 10, MaxVideoBytes: 30, MaxAudioBytes: 20})
	assert.Equal(t, map[media.Type]int64{media.TypeImage: 10, media.TypeVideo: 30, media.TypeAudio: 20}, limits)
	assert.Equal(t, int64(30), MaxLimit(limits))

	timeouts := Timeouts(config.DetectionConfig{ImageTimeout: time.Second, VideoTimeout: time.Minute, AudioTimeout: 2 * time.Second})
	assert.Equal(t, time.Minute, timeouts[media.TypeVideo])
}

func TestOpenStores(t *testing.T) {
	ctx := context.Background()

	mem, err := OpenStores(ctx, config.StoreConfig{Driver: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, mem.SharedBreaker(config.DetectionConfig{}, nil))
	require.NoError(t, mem.Close(ctx))

	srv := miniredis.RunT(t)
	rs, err := OpenStores(ctx, config.StoreConfig{Driver: "redis", RedisURL: "redis://" + srv.Addr()}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rs.Catalog.Register(ctx, media.Object{Key: "images/a.jpg", Type: media.TypeImage}))
	shared := rs.SharedBreaker(config.DetectionConfig{}, nil)
	require.NotNil(t, shared)
	assert.True(t, shared.Available(ctx))
	require.NoError(t, rs.Close(ctx))

	_, err = OpenStores(ctx, config.StoreConfig{Driver: "etcd"}, zap.NewNop())
	assert.Error(t, err)
}

func TestResultNotifierDisabled(t *testing.T) {
	n, flush := ResultNotifier(config.KafkaConfig{PublishResults: false})
	assert.Nil(t, n)
	require.NoError(t, flush(context.Background()))
}

func TestResultProducerWritesEachEvent(t *testing.T) {
	cfg := ResultProducerConfig(config.KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		DetectionTopic:   "birdtag.detections",
		CompressionCodec: "zstd",
		Retries:          3,
	})
	assert.Equal(t, 1, cfg.BatchSize)
	assert.LessOrEqual(t, cfg.BatchTimeout, 10*time.Millisecond)
	assert.Equal(t, "birdtag.detections", cfg.Topic)
	assert.Equal(t, 3, cfg.MaxAttempts)
}
