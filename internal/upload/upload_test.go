package upload

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/birdtag/internal/catalog"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/storage/objectstore"
)

type fixedMode media.Mode

func (m fixedMode) Mode(context.Context) media.Mode { return media.Mode(m) }

func newCoordinator(t *testing.T, mode media.Mode) (*Coordinator, *catalog.MemoryStore) {
	t.Helper()
	cat := catalog.NewMemoryStore()
	c := NewCoordinator(Params{
		Catalog:  cat,
		Remote:   PostPolicySigner{Store: objectstore.NewMemory()},
		Local:    LocalSigner{BaseURL: "http://api.local/"},
		Selector: fixedMode(mode),
		Limits: map[media.Type]int64{
			media.TypeImage: 1000,
			media.TypeVideo: 5000,
			media.TypeAudio: 2000,
		},
		Validity: 1000 * time.Second,
	})
	return c, cat
}

func TestGrantSizeBoundary(t *testing.T) {
	c, _ := newCoordinator(t, media.ModeRemote)
	ctx := context.Background()

	g, err := c.RequestUploadGrant(ctx, "bird.jpg", "image", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), g.MaxBytes)

	_, err = c.RequestUploadGrant(ctx, "bird.jpg", "image", 1001)
	require.ErrorIs(t, err, media.ErrPayloadTooLarge)

	_, err = c.RequestUploadGrant(ctx, "bird.jpg", "image", 0)
	require.ErrorIs(t, err, media.ErrInvalidSize)
}

func TestGrantRejectsUnknownMediaType(t *testing.T) {
	c, _ := newCoordinator(t, media.ModeRemote)
	_, err := c.RequestUploadGrant(context.Background(), "doc.pdf", "document", 10)
	require.ErrorIs(t, err, media.ErrInvalidMediaType)
}

func TestGrantExpiresInFuture(t *testing.T) {
	c, cat := newCoordinator(t, media.ModeRemote)
	before := time.Now()

	g, err := c.RequestUploadGrant(context.Background(), "Clip.MP4", "video", 10)
	require.NoError(t, err)
	assert.True(t, g.ExpiresAt.After(before))
	assert.True(t, strings.HasPrefix(g.Key, "videos/"))
	assert.True(t, strings.HasSuffix(g.Key, ".mp4"))
	assert.Equal(t, "POST", g.Method)
	assert.Equal(t, g.Key, g.FormFields["key"])
	assert.Equal(t, media.ModeRemote, g.Mode)
	assert.Contains(t, g.AllowedContentTypes, "video/mp4")

	obj, err := cat.Get(context.Background(), g.Key)
	require.NoError(t, err)
	assert.False(t, obj.Written())
	assert.True(t, obj.GrantExpiresAt.Equal(g.ExpiresAt))
}

func TestGrantKeysUniqueUnderConcurrency(t *testing.T) {
	c, _ := newCoordinator(t, media.ModeRemote)
	const n = 64

	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := c.RequestUploadGrant(context.Background(), "same.wav", "audio", 100)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[g.Key] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestFallbackGrantPointsAtLocalEndpoint(t *testing.T) {
	c, cat := newCoordinator(t, media.ModeFallback)

	g, err := c.RequestUploadGrant(context.Background(), "a.png", "image", 10)
	require.NoError(t, err)
	assert.Equal(t, media.ModeFallback, g.Mode)
	assert.Equal(t, "PUT", g.Method)
	assert.Equal(t, "http://api.local/api/v1/uploads/local/"+g.Key, g.WriteURL)

	obj, err := cat.Get(context.Background(), g.Key)
	require.NoError(t, err)
	assert.Equal(t, media.ModeFallback, obj.Mode)
}
