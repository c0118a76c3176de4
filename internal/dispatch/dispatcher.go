// Package dispatch reacts to finalized uploads by running detection exactly
// once per object and handing the outcome to the result aggregator.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/catalog"
	"github.com/your-org/birdtag/internal/detection"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/tasks"
	"github.com/your-org/birdtag/internal/thumbnail"
	"github.com/your-org/birdtag/pkg/logger"
	"github.com/your-org/birdtag/pkg/metrics"
	"github.com/your-org/birdtag/pkg/storage/objectstore"
	"github.com/your-org/birdtag/pkg/tracing"
)

const defaultTimeout = time.Minute

// errGone stops a dispatch whose object was deleted or whose claim passed to
// another dispatcher. It never reaches the caller.
var errGone = errors.New("dispatch abandoned")

// Params wires a Dispatcher.
type Params struct {
	Catalog    catalog.Store
	Tasks      tasks.Registry
	Detectors  detection.Set
	Aggregator *results.Aggregator
	Store      objectstore.Client
	Metrics    metrics.Metrics
	Logger     *zap.Logger

	MaxAttempts    int
	Timeouts       map[media.Type]time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	HandleExpiry   time.Duration

	// ThumbnailPrefix and Thumbnail control image previews. A zero Width
	// disables them.
	ThumbnailPrefix string
	Thumbnail       thumbnail.Options

	Now func() time.Time
}

// Dispatcher turns object-finalized notifications into detection results.
type Dispatcher struct {
	catalog    catalog.Store
	tasks      tasks.Registry
	detectors  detection.Set
	aggregator *results.Aggregator
	store      objectstore.Client
	metrics    metrics.Metrics
	logger     *zap.Logger

	maxAttempts    int
	timeouts       map[media.Type]time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	handleExpiry   time.Duration
	thumbPrefix    string
	thumb          thumbnail.Options
	now            func() time.Time
}

func New(p Params) *Dispatcher {
	d := &Dispatcher{
		catalog:        p.Catalog,
		tasks:          p.Tasks,
		detectors:      p.Detectors,
		aggregator:     p.Aggregator,
		store:          p.Store,
		metrics:        p.Metrics,
		logger:         p.Logger,
		maxAttempts:    p.MaxAttempts,
		timeouts:       p.Timeouts,
		backoffInitial: p.BackoffInitial,
		backoffMax:     p.BackoffMax,
		handleExpiry:   p.HandleExpiry,
		thumbPrefix:    p.ThumbnailPrefix,
		thumb:          p.Thumbnail,
		now:            p.Now,
	}
	if d.metrics == nil {
		d.metrics = metrics.Noop{}
	}
	d.logger = logger.OrNop(d.logger).Named("dispatcher")
	if d.maxAttempts <= 0 {
		d.maxAttempts = 3
	}
	if d.backoffInitial <= 0 {
		d.backoffInitial = time.Second
	}
	if d.backoffMax < d.backoffInitial {
		d.backoffMax = d.backoffInitial
	}
	if d.handleExpiry <= 0 {
		d.handleExpiry = 30 * time.Minute
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

func (d *Dispatcher) timeout(t media.Type) time.Duration {
	if v, ok := d.timeouts[t]; ok && v > 0 {
		return v
	}
	return defaultTimeout
}

// lease is how long a dispatched task may go without an update before
// another dispatcher may take it over. The owner writes the task when an
// attempt begins and when it ends, so the longest silence is one attempt or
// one randomized backoff sleep, which is at most 1.5x backoffMax.
func (d *Dispatcher) lease(t media.Type) time.Duration {
	return d.timeout(t) + 2*d.backoffMax
}

// OnObjectFinalized runs detection for a newly written object. Duplicate
// notifications for a key that is already dispatched or finished return nil
// without calling the detector. When every attempt fails the task is marked
// failed and the returned error wraps media.ErrTerminalDetectionFailure.
func (d *Dispatcher) OnObjectFinalized(ctx context.Context, key string, mediaType media.Type) (err error) {
	ctx, span := tracing.Start(ctx, "dispatch.OnObjectFinalized",
		attribute.String("birdtag.key", key),
		attribute.String("birdtag.media_type", string(mediaType)),
	)
	defer func() { tracing.End(span, err) }()

	if !media.ValidKey(key) {
		return fmt.Errorf("dispatch %q: invalid key", key)
	}
	if _, err := media.ParseType(string(mediaType)); err != nil {
		return fmt.Errorf("dispatch %s: %w", key, err)
	}

	if err := d.markWritten(ctx, key, mediaType); err != nil {
		if errors.Is(err, errGone) {
			d.metrics.IncNotifications("deleted")
			return nil
		}
		return err
	}

	task, claimed, err := d.tasks.Claim(ctx, key, mediaType, d.now().UTC(), d.lease(mediaType))
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		d.metrics.IncNotifications("duplicate")
		d.logger.Debug("notification ignored",
			zap.String("key", key),
			zap.String("state", string(task.State)),
		)
		return nil
	}
	d.metrics.IncNotifications("dispatched")

	tags, lastErr := d.detect(ctx, task)
	switch {
	case errors.Is(lastErr, errGone):
		d.logger.Info("dispatch abandoned", zap.String("key", key), zap.Error(lastErr))
		return nil
	case lastErr != nil && ctx.Err() != nil:
		// shutdown; the task stays dispatched and is reclaimed after its lease
		return fmt.Errorf("detect %s: %w", key, lastErr)
	case lastErr != nil:
		return d.fail(ctx, task, lastErr)
	}

	if err := d.stillExists(ctx, key); err != nil {
		if errors.Is(err, errGone) {
			return nil
		}
		return err
	}
	var opts []results.FinalizeOption
	if thumbKey := d.thumbnail(ctx, key, mediaType); thumbKey != "" {
		opts = append(opts, results.WithThumbnail(thumbKey))
	}
	if _, err := d.aggregator.Finalize(ctx, key, tags, media.SourceRemote, opts...); err != nil {
		// the task stays dispatched and is reclaimed once its lease runs out
		return fmt.Errorf("finalize %s: %w", key, err)
	}
	if err := d.stillExists(ctx, key); errors.Is(err, errGone) {
		// deleted while the result was written
		if derr := d.aggregator.Delete(ctx, key); derr != nil && !errors.Is(derr, media.ErrNotFound) {
			return fmt.Errorf("drop result of deleted %s: %w", key, derr)
		}
		return nil
	}
	if err := d.tasks.Complete(ctx, key, task.Generation, tasks.StateSucceeded, "", d.now().UTC()); err != nil {
		if errors.Is(err, tasks.ErrLeaseLost) || errors.Is(err, media.ErrNotFound) {
			d.logger.Info("task taken over before completion", zap.String("key", key), zap.Error(err))
			return nil
		}
		return fmt.Errorf("complete task: %w", err)
	}
	d.metrics.IncTasksCompleted(string(mediaType), string(tasks.StateSucceeded))
	d.logger.Info("detection complete", zap.String("key", key), zap.Int("labels", len(tags)))
	return nil
}

// stillExists reports errGone once the catalog entry of key was deleted.
func (d *Dispatcher) stillExists(ctx context.Context, key string) error {
	_, err := d.catalog.Get(ctx, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, media.ErrNotFound):
		d.logger.Info("object deleted during detection", zap.String("key", key))
		return errGone
	default:
		return fmt.Errorf("check catalog: %w", err)
	}
}

// markWritten consumes the catalog entry. Objects written without a grant
// issued by this deployment are adopted if they are still in the store.
func (d *Dispatcher) markWritten(ctx context.Context, key string, mediaType media.Type) error {
	now := d.now().UTC()
	_, err := d.catalog.Consume(ctx, key, now, false)
	switch {
	case err == nil, errors.Is(err, media.ErrGrantAlreadyUsed):
		return nil
	case errors.Is(err, media.ErrNotFound):
		if d.store != nil {
			if _, serr := d.store.Stat(ctx, key); errors.Is(serr, objectstore.ErrObjectNotFound) {
				d.logger.Info("skipping notification for removed object", zap.String("key", key))
				return errGone
			} else if serr != nil {
				return fmt.Errorf("stat object: %w", serr)
			}
		}
		err = d.catalog.Register(ctx, media.Object{
			Key:       key,
			Type:      mediaType,
			Mode:      media.ModeRemote,
			CreatedAt: now,
			WrittenAt: now,
		})
		if err != nil && !errors.Is(err, catalog.ErrExists) {
			return fmt.Errorf("adopt object: %w", err)
		}
		d.logger.Info("adopted object without grant", zap.String("key", key))
		return nil
	default:
		return fmt.Errorf("mark written: %w", err)
	}
}

func (d *Dispatcher) detect(ctx context.Context, task tasks.Task) (map[string]int, error) {
	remaining := d.maxAttempts - task.Attempts
	if remaining <= 0 {
		return nil, errors.New("no attempts left")
	}

	detector, err := d.detectors.For(task.MediaType)
	if err != nil {
		return nil, err
	}

	handle := detection.Handle{Key: task.Key, MediaType: task.MediaType}
	if d.store != nil {
		url, err := d.store.PresignGet(ctx, task.Key, d.handleExpiry)
		if err != nil {
			return nil, fmt.Errorf("presign handle: %w", err)
		}
		handle.URL = url
	}

	timeout := d.timeout(task.MediaType)
	attempt := task.Attempts

	// BeginAttempt and RecordAttempt carry the claim generation; once another
	// dispatcher reclaims the task both fail and this one stops.
	op := func() (map[string]int, error) {
		current, err := d.tasks.BeginAttempt(ctx, task.Key, task.Generation, d.now().UTC())
		switch {
		case errors.Is(err, tasks.ErrLeaseLost), errors.Is(err, media.ErrNotFound),
			errors.Is(err, tasks.ErrInvalidTransition):
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", errGone, err))
		case err != nil:
			return nil, fmt.Errorf("begin attempt: %w", err)
		}
		attempt = current.Attempts

		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		actx, span := tracing.Start(actx, "detection.Detect",
			attribute.String("birdtag.key", task.Key),
			attribute.Int("birdtag.attempt", attempt),
		)
		start := time.Now()
		tags, err := detector.Detect(actx, handle)
		tracing.End(span, err)
		d.metrics.ObserveDetection(string(task.MediaType), time.Since(start))

		var lastErr string
		outcome := "success"
		if err != nil {
			lastErr = err.Error()
			outcome = "error"
			if errors.Is(err, media.ErrDetectionTimeout) {
				outcome = "timeout"
			}
		}
		d.metrics.IncDetectionAttempts(string(task.MediaType), outcome)

		if rerr := d.tasks.RecordAttempt(ctx, task.Key, task.Generation, lastErr, d.now().UTC()); rerr != nil {
			if errors.Is(rerr, tasks.ErrLeaseLost) || errors.Is(rerr, media.ErrNotFound) {
				return nil, backoff.Permanent(fmt.Errorf("%w: %w", errGone, rerr))
			}
			d.logger.Warn("record attempt", zap.String("key", task.Key), zap.Error(rerr))
		}
		if errors.Is(err, detection.ErrRejected) {
			return nil, backoff.Permanent(err)
		}
		return tags, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoffInitial
	b.MaxInterval = d.backoffMax

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn("detection attempt failed",
				zap.String("key", task.Key),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
}

func (d *Dispatcher) fail(ctx context.Context, task tasks.Task, cause error) error {
	terminal := fmt.Errorf("%w: %w", media.ErrTerminalDetectionFailure, cause)
	if err := d.tasks.Complete(ctx, task.Key, task.Generation, tasks.StateFailed, terminal.Error(), d.now().UTC()); err != nil {
		if errors.Is(err, tasks.ErrLeaseLost) || errors.Is(err, media.ErrNotFound) {
			d.logger.Info("task taken over before failing", zap.String("key", task.Key), zap.Error(err))
			return nil
		}
		return fmt.Errorf("fail task: %w", err)
	}
	d.metrics.IncTasksCompleted(string(task.MediaType), string(tasks.StateFailed))
	d.logger.Error("detection failed", zap.String("key", task.Key), zap.Error(cause))
	return terminal
}

// thumbnail writes a preview for images and returns its key, or "" when none
// was written. Failures are logged only.
func (d *Dispatcher) thumbnail(ctx context.Context, key string, mediaType media.Type) string {
	if mediaType != media.TypeImage || d.store == nil || d.thumb.Width <= 0 {
		return ""
	}
	log := d.logger.With(zap.String("key", key))

	src, err := d.store.Get(ctx, key)
	if err != nil {
		log.Warn("thumbnail source", zap.Error(err))
		return ""
	}
	defer src.Close()

	data, err := thumbnail.Generate(src, d.thumb)
	if err != nil {
		log.Warn("thumbnail render", zap.Error(err))
		return ""
	}
	thumbKey := media.ThumbnailKey(d.thumbPrefix, key)
	if err := d.store.Put(ctx, thumbKey, bytes.NewReader(data), int64(len(data)), thumbnail.ContentType, nil); err != nil {
		log.Warn("thumbnail upload", zap.Error(err))
		return ""
	}
	return thumbKey
}
