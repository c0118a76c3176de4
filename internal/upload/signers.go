package upload

import (
	"context"
	"net/http"
	"strings"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/storage/objectstore"
)

// PostPolicySigner grants direct browser uploads to the object store through
// a presigned POST policy bounded by expiry, size and content type.
type PostPolicySigner struct {
	Store objectstore.Client
}

func (s PostPolicySigner) Sign(ctx context.Context, obj media.Object, maxBytes int64) (Target, error) {
	url, fields, err := s.Store.PresignPost(ctx, objectstore.PostPolicy{
		Key:               obj.Key,
		Expires:           obj.GrantExpiresAt,
		MaxBytes:          maxBytes,
		ContentTypePrefix: obj.Type.ContentTypePrefix(),
	})
	if err != nil {
		return Target{}, err
	}
	return Target{URL: url, Method: http.MethodPost, Fields: fields}, nil
}

// LocalPath is the route fallback grants write to.
const LocalPath = "/api/v1/uploads/local/"

// LocalSigner points fallback grants at this service's own upload endpoint.
type LocalSigner struct {
	BaseURL string
}

func (s LocalSigner) Sign(_ context.Context, obj media.Object, _ int64) (Target, error) {
	return Target{
		URL:    strings.TrimRight(s.BaseURL, "/") + LocalPath + obj.Key,
		Method: http.MethodPut,
	}, nil
}
