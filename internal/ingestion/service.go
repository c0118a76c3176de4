package ingestion

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/catalog"
	"github.com/your-org/birdtag/internal/fallback"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/status"
	"github.com/your-org/birdtag/internal/tasks"
	"github.com/your-org/birdtag/internal/upload"
	"github.com/your-org/birdtag/pkg/logger"
	"github.com/your-org/birdtag/pkg/storage/objectstore"
)

// Service wires the upload, query and fallback components behind the HTTP
// surface.
type Service struct {
	store       objectstore.Client
	catalog     catalog.Store
	tasks       tasks.Registry
	coordinator *upload.Coordinator
	probe       upload.ModeSelector
	pipeline    *fallback.Pipeline
	aggregator  *results.Aggregator
	searcher    *results.Searcher
	status      *status.Service
	logger      *zap.Logger

	thumbPrefix string
	linkExpiry  time.Duration
	publicBase  string
	closeHooks  []func(context.Context) error
}

type Params struct {
	Store       objectstore.Client
	Catalog     catalog.Store
	Tasks       tasks.Registry
	Results     results.Store
	Coordinator *upload.Coordinator
	Probe       upload.ModeSelector
	Pipeline    *fallback.Pipeline
	Aggregator  *results.Aggregator
	Logger      *zap.Logger

	ThumbnailPrefix string
	LinkExpiry      time.Duration
	PublicBaseURL   string
	// CloseHooks run in order on Close, after the object store is closed.
	CloseHooks []func(context.Context) error
}

// UploadOptions captures metadata about a direct upload.
type UploadOptions struct {
	Filename    string
	ContentType string
	MediaType   string
}

type UploadResult struct {
	Key        string        `json:"key"`
	MediaType  media.Type    `json:"media_type"`
	Mode       media.Mode    `json:"mode"`
	Checksum   string        `json:"checksum"`
	Size       int64         `json:"size_bytes"`
	UploadedAt time.Time     `json:"uploaded_at"`
	Status     status.Record `json:"status"`
}

// SearchHit is one result of a tag query with links to fetch the media.
type SearchHit struct {
	Key          string         `json:"key"`
	Tags         map[string]int `json:"tags"`
	Source       media.Source   `json:"source"`
	URL          string         `json:"url,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
}

// NewService constructs an ingestion Service.
func NewService(p Params) *Service {
	expiry := p.LinkExpiry
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	return &Service{
		store:       p.Store,
		catalog:     p.Catalog,
		tasks:       p.Tasks,
		coordinator: p.Coordinator,
		probe:       p.Probe,
		pipeline:    p.Pipeline,
		aggregator:  p.Aggregator,
		searcher:    results.NewSearcher(p.Results),
		status:      status.NewService(p.Catalog, p.Tasks, p.Results),
		logger:      logger.OrNop(p.Logger),
		thumbPrefix: p.ThumbnailPrefix,
		linkExpiry:  expiry,
		publicBase:  strings.TrimRight(p.PublicBaseURL, "/"),
		closeHooks:  p.CloseHooks,
	}
}

func (s *Service) RequestGrant(ctx context.Context, name, mediaType string, size int64) (media.Grant, error) {
	return s.coordinator.RequestUploadGrant(ctx, name, mediaType, size)
}

func (s *Service) Status(ctx context.Context, key string) (status.Record, error) {
	return s.status.GetStatus(ctx, key)
}

func (s *Service) mode(ctx context.Context) media.Mode {
	if s.probe == nil {
		return media.ModeRemote
	}
	return s.probe.Mode(ctx)
}

// ProcessUpload accepts a direct upload. In remote mode the bytes go to the
// object store and detection follows from its notification; in fallback
// mode the local pipeline runs before this returns. A seekable reader whose
// remote write fails is replayed through the local pipeline if the probe now
// selects fallback.
func (s *Service) ProcessUpload(ctx context.Context, reader io.Reader, size int64, opts UploadOptions) (*UploadResult, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", media.ErrInvalidSize, size)
	}

	buffered := bufio.NewReaderSize(reader, 64*1024)
	head, _ := buffered.Peek(3072)
	detected := mimetype.Detect(head)

	mediaType, err := resolveMediaType(opts, detected.String())
	if err != nil {
		return nil, err
	}
	if err := s.coordinator.CheckSize(mediaType, size); err != nil {
		return nil, err
	}

	contentType := opts.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = detected.String()
	}

	now := time.Now().UTC()
	obj := media.Object{
		Key:          media.NewKey(mediaType, opts.Filename, now),
		Type:         mediaType,
		DeclaredSize: size,
		Mode:         s.mode(ctx),
		CreatedAt:    now,
		WrittenAt:    now,
	}

	out := &UploadResult{Key: obj.Key, MediaType: mediaType, Size: size}

	if obj.Mode == media.ModeRemote {
		hasher := sha256.New()
		tee := io.TeeReader(buffered, hasher)
		if err := s.catalog.Register(ctx, obj); err != nil {
			return nil, fmt.Errorf("register object: %w", err)
		}
		metadata := map[string]string{
			"original_filename": opts.Filename,
			"media_type":        string(mediaType),
		}
		err := s.store.Put(ctx, obj.Key, tee, size, contentType, metadata)
		if err == nil {
			out.Mode = media.ModeRemote
			out.Checksum = hex.EncodeToString(hasher.Sum(nil))
			out.UploadedAt = time.Now().UTC()
			out.Status = status.Record{Key: obj.Key, State: status.StatePending}
			return out, nil
		}

		_ = s.catalog.Delete(ctx, obj.Key)
		seeker, ok := reader.(io.Seeker)
		if !ok {
			return nil, fmt.Errorf("%w: put object: %w", media.ErrStoreUnavailable, err)
		}
		if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
			return nil, fmt.Errorf("%w: put object: %w", media.ErrStoreUnavailable, err)
		}
		if r, ok := s.probe.(interface{ Reset() }); ok {
			r.Reset()
		}
		if s.mode(ctx) != media.ModeFallback {
			return nil, fmt.Errorf("%w: put object: %w", media.ErrStoreUnavailable, err)
		}
		s.logger.Warn("object store write failed, using local pipeline", zap.String("key", obj.Key), zap.Error(err))
		buffered = bufio.NewReaderSize(reader, 64*1024)
		obj.Mode = media.ModeFallback
	}

	if err := s.catalog.Register(ctx, obj); err != nil {
		return nil, fmt.Errorf("register object: %w", err)
	}

	hasher := sha256.New()
	result, err := s.pipeline.Ingest(ctx, obj.Key, mediaType, io.TeeReader(buffered, hasher))
	if err != nil {
		_ = s.catalog.Delete(ctx, obj.Key)
		return nil, err
	}
	out.Mode = media.ModeFallback
	out.Checksum = hex.EncodeToString(hasher.Sum(nil))
	out.UploadedAt = time.Now().UTC()
	out.Status = status.Record{Key: obj.Key, State: status.StateComplete, Result: &result}
	return out, nil
}

func resolveMediaType(opts UploadOptions, detected string) (media.Type, error) {
	if opts.MediaType != "" {
		return media.ParseType(opts.MediaType)
	}
	if t, ok := media.TypeFromContentType(opts.ContentType); ok {
		return t, nil
	}
	if t, ok := media.TypeFromContentType(detected); ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: cannot infer from %q", media.ErrInvalidMediaType, detected)
}

// WriteLocal completes a fallback grant: the grant must exist, be unexpired
// and unused. The object is ingested before this returns. A write that is
// rejected leaves the grant usable.
func (s *Service) WriteLocal(ctx context.Context, key string, reader io.Reader, size int64) (status.Record, error) {
	obj, err := s.catalog.Get(ctx, key)
	if err != nil {
		return status.Record{}, err
	}
	if obj.Mode != media.ModeFallback {
		return status.Record{}, fmt.Errorf("%w: no local grant for %s", media.ErrNotFound, key)
	}
	if size > 0 {
		if err := s.coordinator.CheckSize(obj.Type, size); err != nil {
			return status.Record{}, err
		}
	}
	if _, err := s.catalog.Consume(ctx, key, time.Now().UTC(), true); err != nil {
		return status.Record{}, err
	}

	result, err := s.pipeline.Ingest(ctx, key, obj.Type, reader)
	if err != nil {
		if rerr := s.catalog.Release(context.WithoutCancel(ctx), key); rerr != nil {
			s.logger.Warn("release local grant", zap.String("key", key), zap.Error(rerr))
		}
		return status.Record{}, err
	}
	return status.Record{Key: key, State: status.StateComplete, Result: &result}, nil
}

// OpenLocal streams a file kept by the fallback pipeline.
func (s *Service) OpenLocal(key string) (io.ReadCloser, error) {
	return s.pipeline.Open(key)
}

func (s *Service) SearchTags(ctx context.Context, min map[string]int) ([]SearchHit, error) {
	found, err := s.searcher.ByTags(ctx, min)
	if err != nil {
		return nil, fmt.Errorf("search tags: %w", err)
	}
	return s.hits(ctx, found), nil
}

func (s *Service) SearchSpecies(ctx context.Context, species string) ([]SearchHit, error) {
	found, err := s.searcher.BySpecies(ctx, species)
	if err != nil {
		return nil, fmt.Errorf("search species: %w", err)
	}
	return s.hits(ctx, found), nil
}

func (s *Service) hits(ctx context.Context, found []media.Result) []SearchHit {
	out := make([]SearchHit, 0, len(found))
	for _, r := range found {
		hit := SearchHit{Key: r.Key, Tags: r.Tags, Source: r.Source}
		hit.URL = s.link(ctx, r.Source, r.Key)
		if r.ThumbnailKey != "" {
			hit.ThumbnailURL = s.link(ctx, r.Source, r.ThumbnailKey)
		}
		out = append(out, hit)
	}
	return out
}

func (s *Service) link(ctx context.Context, source media.Source, key string) string {
	if source == media.SourceFallback {
		return s.publicBase + filesPath + key
	}
	if s.store == nil {
		return ""
	}
	u, err := s.store.PresignGet(ctx, key, s.linkExpiry)
	if err != nil {
		s.logger.Warn("presign link", zap.String("key", key), zap.Error(err))
		return ""
	}
	return u
}

func (s *Service) AdjustTags(ctx context.Context, keys []string, op results.Operation, entries []string) ([]string, error) {
	parsed, err := results.ParseTagEntries(entries)
	if err != nil {
		return nil, err
	}
	return s.aggregator.AdjustTags(ctx, keys, op, parsed)
}

// Delete removes every trace of key: stored bytes, thumbnail, local copies,
// catalog entry, task and result, in that order. A dispatcher that is still
// running for key notices the missing catalog entry and drops its result.
// Unknown keys yield media.ErrNotFound.
func (s *Service) Delete(ctx context.Context, key string) error {
	if _, err := s.status.GetStatus(ctx, key); err != nil {
		return err
	}

	var errs []error
	if s.store != nil {
		for _, k := range []string{key, media.ThumbnailKey(s.thumbPrefix, key)} {
			if err := s.store.Remove(ctx, k); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
				s.logger.Warn("remove stored object", zap.String("key", k), zap.Error(err))
			}
		}
	}
	if s.pipeline != nil {
		if err := s.pipeline.Remove(key); err != nil {
			s.logger.Warn("remove local copy", zap.String("key", key), zap.Error(err))
		}
	}
	errs = append(errs,
		s.catalog.Delete(ctx, key),
		s.tasks.Delete(ctx, key),
		s.aggregator.Delete(ctx, key),
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.logger.Info("media deleted", zap.String("key", key))
	return nil
}

// Close releases underlying resources.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	for _, hook := range s.closeHooks {
		errs = append(errs, hook(ctx))
	}
	return errors.Join(errs...)
}
