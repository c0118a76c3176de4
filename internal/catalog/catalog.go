// Package catalog records every media object a grant was issued for. It backs
// NotFound answers on status queries and enforces single use of local grants.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/your-org/birdtag/internal/media"
)

// ErrExists is returned by Register when the key is already catalogued.
var ErrExists = errors.New("catalog entry exists")

// Store is the media catalog.
type Store interface {
	Register(ctx context.Context, obj media.Object) error
	Get(ctx context.Context, key string) (media.Object, error)
	// Consume marks the object written. It fails with media.ErrGrantAlreadyUsed
	// on a second call, and with media.ErrGrantExpired when enforceExpiry is set
	// and now is past the grant expiry.
	Consume(ctx context.Context, key string, now time.Time, enforceExpiry bool) (media.Object, error)
	// Release undoes a Consume whose write was rejected, so the grant can be
	// used again until it expires.
	Release(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
}

func consume(obj media.Object, now time.Time, enforceExpiry bool) (media.Object, error) {
	if obj.Written() {
		return obj, media.ErrGrantAlreadyUsed
	}
	if enforceExpiry && !obj.GrantExpiresAt.IsZero() && now.After(obj.GrantExpiresAt) {
		return obj, media.ErrGrantExpired
	}
	obj.WrittenAt = now.UTC()
	return obj, nil
}
