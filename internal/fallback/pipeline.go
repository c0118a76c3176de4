package fallback

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/detection"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/thumbnail"
	"github.com/your-org/birdtag/pkg/logger"
	"github.com/your-org/birdtag/pkg/metrics"
)

// sniffLen covers the signatures mimetype inspects.
const sniffLen = 3072

type PipelineParams struct {
	Files           *LocalStore
	Aggregator      *results.Aggregator
	Detector        detection.Detector
	Limits          map[media.Type]int64
	ThumbnailPrefix string
	Thumbnail       thumbnail.Options
	Metrics         metrics.Metrics
	Logger          *zap.Logger
}

// Pipeline ingests an upload synchronously without any remote dependency.
type Pipeline struct {
	files       *LocalStore
	aggregator  *results.Aggregator
	detector    detection.Detector
	limits      map[media.Type]int64
	thumbPrefix string
	thumb       thumbnail.Options
	metrics     metrics.Metrics
	logger      *zap.Logger
}

func NewPipeline(p PipelineParams) *Pipeline {
	pl := &Pipeline{
		files:       p.Files,
		aggregator:  p.Aggregator,
		detector:    p.Detector,
		limits:      p.Limits,
		thumbPrefix: p.ThumbnailPrefix,
		thumb:       p.Thumbnail,
		metrics:     p.Metrics,
		logger:      p.Logger,
	}
	if pl.detector == nil {
		pl.detector = detection.StandIn{}
	}
	if pl.metrics == nil {
		pl.metrics = metrics.Noop{}
	}
	pl.logger = logger.OrNop(pl.logger).Named("fallback")
	return pl
}

// Ingest stores the bytes locally and records a stand-in result with source
// fallback. Disk, sniffing and thumbnail problems are logged and a result is
// still produced. Only an oversized body or a failed result write is
// returned as an error.
func (p *Pipeline) Ingest(ctx context.Context, key string, mediaType media.Type, r io.Reader) (media.Result, error) {
	log := p.logger.With(zap.String("key", key), zap.String("media_type", string(mediaType)))

	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)
	if detected := mimetype.Detect(head); !strings.HasPrefix(detected.String(), mediaType.ContentTypePrefix()) {
		log.Warn("content does not look like declared media type", zap.String("detected", detected.String()))
	}

	written := false
	if p.files != nil {
		_, err := p.files.Write(key, br, p.limits[mediaType])
		switch {
		case errors.Is(err, media.ErrPayloadTooLarge):
			return media.Result{}, err
		case err != nil:
			log.Error("store fallback upload", zap.Error(err))
		default:
			written = true
		}
	}

	tags, err := p.detector.Detect(ctx, detection.Handle{Key: key, MediaType: mediaType})
	if err != nil {
		log.Error("stand-in detection", zap.Error(err))
		tags = map[string]int{}
	}

	var opts []results.FinalizeOption
	if written && mediaType == media.TypeImage {
		if thumbKey := p.thumbnail(key, log); thumbKey != "" {
			opts = append(opts, results.WithThumbnail(thumbKey))
		}
	}

	result, err := p.aggregator.Finalize(ctx, key, tags, media.SourceFallback, opts...)
	if err != nil {
		return media.Result{}, fmt.Errorf("finalize fallback result: %w", err)
	}
	p.metrics.IncFallbackIngests(string(mediaType))
	log.Info("fallback ingest complete", zap.Int("labels", len(result.Tags)))
	return result, nil
}

func (p *Pipeline) thumbnail(key string, log *zap.Logger) string {
	if p.thumb.Width <= 0 {
		return ""
	}
	src, err := p.files.Open(key)
	if err != nil {
		log.Warn("thumbnail source", zap.Error(err))
		return ""
	}
	defer src.Close()

	data, err := thumbnail.Generate(src, p.thumb)
	if err != nil {
		log.Warn("thumbnail render", zap.Error(err))
		return ""
	}
	thumbKey := media.ThumbnailKey(p.thumbPrefix, key)
	if _, err := p.files.Write(thumbKey, bytes.NewReader(data), 0); err != nil {
		log.Warn("thumbnail write", zap.Error(err))
		return ""
	}
	return thumbKey
}

// Open returns a locally stored object or thumbnail.
func (p *Pipeline) Open(key string) (io.ReadCloser, error) {
	if p.files == nil {
		return nil, media.ErrNotFound
	}
	return p.files.Open(key)
}

// Remove deletes the local copy of key and its thumbnail.
func (p *Pipeline) Remove(key string) error {
	if p.files == nil {
		return nil
	}
	return errors.Join(
		p.files.Remove(key),
		p.files.Remove(media.ThumbnailKey(p.thumbPrefix, key)),
	)
}
