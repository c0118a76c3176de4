// Package detection talks to the species detection capability. One Detector
// variant exists per media type; callers pick it through a Set.
package detection

import (
	"context"
	"fmt"

	"github.com/your-org/birdtag/internal/media"
)

// Handle points a detector at one stored object.
type Handle struct {
	Key       string
	URL       string
	MediaType media.Type
}

// Detector returns species label counts for an object. Errors wrap
// media.ErrDetectionTimeout or media.ErrDetectionCapability.
type Detector interface {
	Detect(ctx context.Context, h Handle) (map[string]int, error)
}

// ErrRejected marks a request the capability refused outright. Retrying it
// will not help.
var ErrRejected = fmt.Errorf("%w: request rejected", media.ErrDetectionCapability)

// Set maps each media type to its detector variant.
type Set map[media.Type]Detector

// For returns the detector registered for t.
func (s Set) For(t media.Type) (Detector, error) {
	d, ok := s[t]
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: no detector for %s", media.ErrDetectionCapability, t)
	}
	return d, nil
}
