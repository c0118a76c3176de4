package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "birdtag", cfg.App.Name)
	assert.Equal(t, 1000*time.Second, cfg.Upload.GrantValidity)
	assert.Equal(t, 3, cfg.Detection.MaxAttempts)
	assert.Equal(t, "auto", cfg.Fallback.Mode)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("DETECTION_TIMEOUT_VIDEO", "2m")
	t.Setenv("UPLOAD_MAX_IMAGE_BYTES", "1024")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2*time.Minute, cfg.Detection.Timeouts()["video"])
	assert.Equal(t, int64(1024), cfg.Upload.MaxBytes()["image"])
}
