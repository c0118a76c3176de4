// Package fallback keeps uploads working when the object store or the
// detection capability cannot be reached: it decides per request whether to
// route locally and runs the local ingest path.
package fallback

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/logger"
	"github.com/your-org/birdtag/pkg/storage/objectstore"
)

// Policy controls when fallback mode is used.
type Policy string

const (
	PolicyAuto   Policy = "auto"
	PolicyAlways Policy = "always"
	PolicyNever  Policy = "never"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case PolicyAuto, PolicyAlways, PolicyNever:
		return p, nil
	case "":
		return PolicyAuto, nil
	}
	return "", fmt.Errorf("unknown fallback mode %q", raw)
}

// Availability reports whether the detection breaker is closed.
type Availability interface {
	Available(ctx context.Context) bool
}

type ProbeParams struct {
	Policy    Policy
	Store     objectstore.Client
	HealthURL string
	Breaker   Availability
	Client    *http.Client
	Timeout   time.Duration
	TTL       time.Duration
	Logger    *zap.Logger
}

// Probe checks the remote dependencies and caches the verdict for a short
// TTL so request handling does not hammer them.
type Probe struct {
	policy    Policy
	store     objectstore.Client
	healthURL string
	breaker   Availability
	client    *http.Client
	timeout   time.Duration
	ttl       time.Duration
	cache     *cache.Cache
	logger    *zap.Logger
}

const verdictKey = "remote-healthy"

func NewProbe(p ProbeParams) *Probe {
	if p.Policy == "" {
		p.Policy = PolicyAuto
	}
	if p.Timeout <= 0 {
		p.Timeout = 2 * time.Second
	}
	if p.TTL <= 0 {
		p.TTL = 5 * time.Second
	}
	if p.Client == nil {
		p.Client = &http.Client{}
	}
	return &Probe{
		policy:    p.Policy,
		store:     p.Store,
		healthURL: p.HealthURL,
		breaker:   p.Breaker,
		client:    p.Client,
		timeout:   p.Timeout,
		ttl:       p.TTL,
		cache:     cache.New(p.TTL, 2*p.TTL),
		logger:    logger.OrNop(p.Logger).Named("probe"),
	}
}

// Mode picks remote or fallback handling according to the policy.
func (p *Probe) Mode(ctx context.Context) media.Mode {
	switch p.policy {
	case PolicyAlways:
		return media.ModeFallback
	case PolicyNever:
		return media.ModeRemote
	}
	if p.Healthy(ctx) {
		return media.ModeRemote
	}
	return media.ModeFallback
}

// Healthy reports whether the object store and the detection capability are
// reachable.
func (p *Probe) Healthy(ctx context.Context) bool {
	if v, ok := p.cache.Get(verdictKey); ok {
		return v.(bool)
	}
	err := p.check(ctx)
	healthy := err == nil
	if !healthy {
		p.logger.Warn("remote pipeline unavailable", zap.Error(err))
	}
	p.cache.Set(verdictKey, healthy, cache.DefaultExpiration)
	return healthy
}

// Reset drops the cached verdict.
func (p *Probe) Reset() {
	p.cache.Delete(verdictKey)
}

func (p *Probe) check(ctx context.Context) error {
	if p.breaker != nil && !p.breaker.Available(ctx) {
		return fmt.Errorf("%w: detection breaker open", media.ErrStoreUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.store == nil {
		return fmt.Errorf("%w: no object store configured", media.ErrStoreUnavailable)
	}
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: object store: %w", media.ErrStoreUnavailable, err)
	}

	if p.healthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: detection health: %w", media.ErrStoreUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: detection health status %d", media.ErrStoreUnavailable, resp.StatusCode)
	}
	return nil
}
