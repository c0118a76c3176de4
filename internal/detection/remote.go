package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/logger"
)

// RemoteParams configures the HTTP detection client.
type RemoteParams struct {
	Endpoint   string
	Confidence float64
	Client     *http.Client
	Breaker    *circuit.Breaker
	Logger     *zap.Logger
}

// Remote calls {endpoint}/v1/detect/{media type} on the detection service.
// All media types share one breaker since they share one service.
type Remote struct {
	endpoint   string
	confidence float64
	client     *http.Client
	breaker    *circuit.Breaker
	logger     *zap.Logger
}

// NewBreaker trips after threshold consecutive failures.
func NewBreaker(threshold int64) *circuit.Breaker {
	if threshold <= 0 {
		threshold = 10
	}
	return circuit.NewConsecutiveBreaker(threshold)
}

func NewRemote(p RemoteParams) *Remote {
	client := p.Client
	if client == nil {
		client = &http.Client{}
	}
	breaker := p.Breaker
	if breaker == nil {
		breaker = NewBreaker(0)
	}
	return &Remote{
		endpoint:   strings.TrimRight(p.Endpoint, "/"),
		confidence: p.Confidence,
		client:     client,
		breaker:    breaker,
		logger:     logger.OrNop(p.Logger).Named("detection"),
	}
}

// Set returns a Set that routes every media type to r.
func (r *Remote) Set() Set {
	out := make(Set, len(media.Types))
	for _, t := range media.Types {
		out[t] = r
	}
	return out
}

// Breaker exposes the shared breaker so its trips can be published.
func (r *Remote) Breaker() *circuit.Breaker {
	return r.breaker
}

// Available reports whether the breaker is closed. It does not use up the
// half-open retry the next Detect would get.
func (r *Remote) Available(context.Context) bool {
	return !r.breaker.Tripped()
}

type detectRequest struct {
	Key        string  `json:"key"`
	URL        string  `json:"url"`
	MediaType  string  `json:"media_type"`
	Confidence float64 `json:"confidence"`
}

type detectResponse struct {
	Tags map[string]int `json:"tags"`
}

func (r *Remote) Detect(ctx context.Context, h Handle) (map[string]int, error) {
	var tags map[string]int
	var rejected error
	start := time.Now()

	err := r.breaker.CallContext(ctx, func() error {
		out, err := r.call(ctx, h)
		if errors.Is(err, ErrRejected) {
			// the service answered; the object is the problem
			rejected = err
			return nil
		}
		tags = out
		return err
	}, 0)
	if err == nil && rejected != nil {
		return nil, fmt.Errorf("detect %s: %w", h.Key, rejected)
	}

	switch {
	case err == nil:
		r.logger.Debug("detection finished",
			zap.String("key", h.Key),
			zap.Int("labels", len(tags)),
			zap.Duration("elapsed", time.Since(start)),
		)
		return tags, nil
	case errors.Is(err, circuit.ErrBreakerOpen):
		return nil, fmt.Errorf("%w: breaker open", media.ErrDetectionCapability)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("detect %s: %w", h.Key, media.ErrDetectionTimeout)
	case errors.Is(err, media.ErrDetectionCapability):
		return nil, fmt.Errorf("detect %s: %w", h.Key, err)
	default:
		return nil, fmt.Errorf("detect %s: %w: %w", h.Key, media.ErrDetectionCapability, err)
	}
}

func (r *Remote) call(ctx context.Context, h Handle) (map[string]int, error) {
	body, err := json.Marshal(detectRequest{
		Key:        h.Key,
		URL:        h.URL,
		MediaType:  string(h.MediaType),
		Confidence: r.confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("encode detect request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/detect/%s", r.endpoint, h.MediaType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, readSnippet(resp.Body))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", media.ErrDetectionCapability, resp.StatusCode, readSnippet(resp.Body))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", media.ErrDetectionCapability, err)
	}
	if out.Tags == nil {
		out.Tags = map[string]int{}
	}
	return out.Tags, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
