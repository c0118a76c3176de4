// Package upload issues time-limited, single-use write grants.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/catalog"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/logger"
	"github.com/your-org/birdtag/pkg/metrics"
)

// Target is where and how a client writes the object.
type Target struct {
	URL    string
	Method string
	Fields map[string]string
}

// Signer produces the write target for a grant.
type Signer interface {
	Sign(ctx context.Context, obj media.Object, maxBytes int64) (Target, error)
}

// ModeSelector picks remote or fallback handling for a request.
type ModeSelector interface {
	Mode(ctx context.Context) media.Mode
}

type Params struct {
	Catalog  catalog.Store
	Remote   Signer
	Local    Signer
	Selector ModeSelector
	Limits   map[media.Type]int64
	Validity time.Duration
	Metrics  metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// Coordinator is the Upload Coordinator.
type Coordinator struct {
	catalog  catalog.Store
	remote   Signer
	local    Signer
	selector ModeSelector
	limits   map[media.Type]int64
	validity time.Duration
	metrics  metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewCoordinator(p Params) *Coordinator {
	c := &Coordinator{
		catalog:  p.Catalog,
		remote:   p.Remote,
		local:    p.Local,
		selector: p.Selector,
		limits:   p.Limits,
		validity: p.Validity,
		metrics:  p.Metrics,
		logger:   p.Logger,
		now:      p.Now,
	}
	if c.validity <= 0 {
		c.validity = 1000 * time.Second
	}
	if c.metrics == nil {
		c.metrics = metrics.Noop{}
	}
	c.logger = logger.OrNop(c.logger).Named("upload")
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Limit returns the byte limit for t; zero means unlimited.
func (c *Coordinator) Limit(t media.Type) int64 {
	return c.limits[t]
}

// CheckSize validates a declared or actual size against the limit for t.
func (c *Coordinator) CheckSize(t media.Type, size int64) error {
	if size <= 0 {
		return media.ErrInvalidSize
	}
	if limit := c.Limit(t); limit > 0 && size > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d for %s", media.ErrPayloadTooLarge, size, limit, t)
	}
	return nil
}

// RequestUploadGrant validates the request, picks remote or fallback mode,
// registers the object in the catalog and returns a signed grant. It never
// writes object bytes.
func (c *Coordinator) RequestUploadGrant(ctx context.Context, name, mediaType string, sizeHint int64) (media.Grant, error) {
	t, err := media.ParseType(mediaType)
	if err != nil {
		return media.Grant{}, err
	}
	if err := c.CheckSize(t, sizeHint); err != nil {
		return media.Grant{}, err
	}

	mode := media.ModeRemote
	if c.selector != nil {
		mode = c.selector.Mode(ctx)
	}
	signer := c.remote
	if mode == media.ModeFallback {
		signer = c.local
	}
	if signer == nil {
		return media.Grant{}, fmt.Errorf("%w: no signer for %s mode", media.ErrStoreUnavailable, mode)
	}

	now := c.now().UTC()
	obj := media.Object{
		Key:            media.NewKey(t, name, now),
		Type:           t,
		DeclaredSize:   sizeHint,
		Mode:           mode,
		CreatedAt:      now,
		GrantExpiresAt: now.Add(c.validity),
	}

	maxBytes := c.Limit(t)
	target, err := signer.Sign(ctx, obj, maxBytes)
	if err != nil {
		return media.Grant{}, fmt.Errorf("sign grant: %w", err)
	}

	if err := c.catalog.Register(ctx, obj); err != nil {
		if errors.Is(err, catalog.ErrExists) {
			return media.Grant{}, fmt.Errorf("register %s: key collision", obj.Key)
		}
		return media.Grant{}, fmt.Errorf("register object: %w", err)
	}

	c.metrics.IncGrantsIssued(string(t), string(mode))
	c.logger.Info("grant issued",
		zap.String("key", obj.Key),
		zap.String("media_type", string(t)),
		zap.String("mode", string(mode)),
		zap.Int64("size_hint", sizeHint),
	)

	return media.Grant{
		Key:                 obj.Key,
		WriteURL:            target.URL,
		Method:              target.Method,
		FormFields:          target.Fields,
		ExpiresAt:           obj.GrantExpiresAt,
		AllowedContentTypes: t.AllowedContentTypes(),
		MaxBytes:            maxBytes,
		Mode:                mode,
	}, nil
}
