package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config captures the full runtime configuration for a birdtag service.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Kafka     KafkaConfig
	Storage   StorageConfig
	Store     StoreConfig
	Tracing   TracingConfig
	Metrics   MetricsConfig
	Upload    UploadConfig
	Detection DetectionConfig
	Fallback  FallbackConfig
	Thumbnail ThumbnailConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"birdtag"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"APP_LOG_FORMAT" envDefault:"json"`
}

type HTTPConfig struct {
	Addr          string        `env:"HTTP_ADDR" envDefault:":8080"`
	PublicBaseURL string        `env:"HTTP_PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	ReadTimeout   time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout  time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout   time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

type KafkaConfig struct {
	Brokers           []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	NotificationTopic string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"birdtag.objects"`
	DetectionTopic    string   `env:"KAFKA_DETECTION_TOPIC" envDefault:"birdtag.detections"`
	GroupID           string   `env:"KAFKA_GROUP_ID" envDefault:"birdtag-dispatcher"`
	Workers           int      `env:"KAFKA_WORKERS" envDefault:"8"`
	Retries           int      `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec  string   `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	PublishResults    bool     `env:"KAFKA_PUBLISH_RESULTS" envDefault:"true"`

	// HandlerRetryInitial and HandlerRetryMax bound the backoff between
	// retries of a notification the dispatcher failed to handle.
	HandlerRetryInitial time.Duration `env:"KAFKA_HANDLER_RETRY_INITIAL" envDefault:"1s"`
	HandlerRetryMax     time.Duration `env:"KAFKA_HANDLER_RETRY_MAX" envDefault:"30s"`
}

type StorageConfig struct {
	Provider        string        `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint        string        `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region          string        `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket          string        `env:"STORAGE_BUCKET" envDefault:"birdtag-media"`
	AccessKey       string        `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey       string        `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL          bool          `env:"STORAGE_USE_SSL" envDefault:"false"`
	HandleExpiry    time.Duration `env:"STORAGE_HANDLE_EXPIRY" envDefault:"30m"`
	ThumbnailPrefix string        `env:"STORAGE_THUMBNAIL_PREFIX" envDefault:"thumbnails/"`
}

// StoreConfig selects the backend for the catalog, task registry and result store.
type StoreConfig struct {
	Driver   string `env:"STORE_DRIVER" envDefault:"redis"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=birdtag"`
}

type MetricsConfig struct {
	Addr      string `env:"METRICS_ADDR" envDefault:":9102"`
	Namespace string `env:"METRICS_NAMESPACE" envDefault:"birdtag"`
}

type UploadConfig struct {
	GrantValidity     time.Duration `env:"UPLOAD_GRANT_VALIDITY" envDefault:"1000s"`
	MaxImageBytes     int64         `env:"UPLOAD_MAX_IMAGE_BYTES" envDefault:"52428800"`
	MaxVideoBytes     int64         `env:"UPLOAD_MAX_VIDEO_BYTES" envDefault:"1073741824"`
	MaxAudioBytes     int64         `env:"UPLOAD_MAX_AUDIO_BYTES" envDefault:"209715200"`
	MultipartMemBytes int64         `env:"UPLOAD_MULTIPART_MEM_BYTES" envDefault:"52428800"`
}

type DetectionConfig struct {
	Endpoint         string        `env:"DETECTION_ENDPOINT" envDefault:"http://localhost:8500"`
	HealthPath       string        `env:"DETECTION_HEALTH_PATH" envDefault:"/healthz"`
	Confidence       float64       `env:"DETECTION_CONFIDENCE" envDefault:"0.5"`
	MaxAttempts      int           `env:"DETECTION_MAX_ATTEMPTS" envDefault:"3"`
	ImageTimeout     time.Duration `env:"DETECTION_TIMEOUT_IMAGE" envDefault:"30s"`
	VideoTimeout     time.Duration `env:"DETECTION_TIMEOUT_VIDEO" envDefault:"10m"`
	AudioTimeout     time.Duration `env:"DETECTION_TIMEOUT_AUDIO" envDefault:"5m"`
	BackoffInitial   time.Duration `env:"DETECTION_BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax       time.Duration `env:"DETECTION_BACKOFF_MAX" envDefault:"30s"`
	BreakerThreshold int64         `env:"DETECTION_BREAKER_THRESHOLD" envDefault:"10"`
	BreakerOpenFor   time.Duration `env:"DETECTION_BREAKER_OPEN_FOR" envDefault:"30s"`
}

type FallbackConfig struct {
	Mode         string        `env:"FALLBACK_MODE" envDefault:"auto"`
	ProbeURL     string        `env:"FALLBACK_PROBE_URL"`
	ProbeTimeout time.Duration `env:"FALLBACK_PROBE_TIMEOUT" envDefault:"2s"`
	ProbeTTL     time.Duration `env:"FALLBACK_PROBE_TTL" envDefault:"5s"`
	Dir          string        `env:"FALLBACK_DIR" envDefault:"./data/uploads"`
}

type ThumbnailConfig struct {
	Width   int `env:"THUMBNAIL_WIDTH" envDefault:"150"`
	Height  int `env:"THUMBNAIL_HEIGHT" envDefault:"150"`
	Quality int `env:"THUMBNAIL_QUALITY" envDefault:"80"`
}

type RateLimitConfig struct {
	GrantsPerSecond float64 `env:"RATE_LIMIT_GRANTS_PER_SECOND" envDefault:"5"`
	Burst           int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// Load parses environment variables into Config. A .env file in the working
// directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MaxBytes returns the configured upload limit per media type name.
func (u UploadConfig) MaxBytes() map[string]int64 {
	return map[string]int64{
		"image": u.MaxImageBytes,
		"video": u.MaxVideoBytes,
		"audio": u.MaxAudioBytes,
	}
}

// Timeouts returns the per-attempt detection timeout per media type name.
func (d DetectionConfig) Timeouts() map[string]time.Duration {
	return map[string]time.Duration{
		"image": d.ImageTimeout,
		"video": d.VideoTimeout,
		"audio": d.AudioTimeout,
	}
}
