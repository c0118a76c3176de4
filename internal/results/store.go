// Package results persists DetectionResults and owns every write to them.
package results

import (
	"context"

	"github.com/your-org/birdtag/internal/media"
)

// Store is the durable key-value store for results. Put is a full replace
// with last-writer-wins on CompletedAt: a result older than the stored one is
// dropped and Put reports false.
type Store interface {
	Put(ctx context.Context, result media.Result) (bool, error)
	Get(ctx context.Context, key string) (media.Result, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]media.Result, error)
}

func supersedes(incoming, existing media.Result) bool {
	return !incoming.CompletedAt.Before(existing.CompletedAt)
}

func clone(r media.Result) media.Result {
	tags := make(map[string]int, len(r.Tags))
	for k, v := range r.Tags {
		tags[k] = v
	}
	r.Tags = tags
	return r
}
