package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) Client {
	t.Helper()
	cl, err := New(Config{
		Provider:  "minio",
		Endpoint:  "http://localhost:9000",
		Region:    "us-east-1",
		Bucket:    "birdtag-media",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	require.NoError(t, err)
	return cl
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "ftp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported object store provider")
}

func TestPresignPostCarriesKeyAndPolicy(t *testing.T) {
	cl := testClient(t)

	u, form, err := cl.PresignPost(context.Background(), PostPolicy{
		Key:               "images/2026/10/16/abc.jpg",
		Expires:           time.Now().Add(1000 * time.Second),
		MaxBytes:          1024,
		ContentTypePrefix: "image/",
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(u, "birdtag-media"), u)
	assert.Equal(t, "images/2026/10/16/abc.jpg", form["key"])
	assert.NotEmpty(t, form["policy"])
}

func TestPresignGetIsSigned(t *testing.T) {
	cl := testClient(t)

	u, err := cl.PresignGet(context.Background(), "videos/x.mp4", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "videos/x.mp4")
	assert.Contains(t, u, "X-Amz-Signature")
}

func TestMapErrorNotFound(t *testing.T) {
	err := mapError(minio.ErrorResponse{Code: "NoSuchKey", Message: "gone"})
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	other := mapError(minio.ErrorResponse{Code: "AccessDenied"})
	assert.False(t, errors.Is(other, ErrObjectNotFound))
	assert.NoError(t, mapError(nil))
}

func TestMemoryRoundTrip(t *testing.T) {
	cl, err := New(Config{Provider: "memory"})
	require.NoError(t, err)
	mem := cl.(*Memory)
	ctx := context.Background()

	require.NoError(t, mem.Put(ctx, "audio/a.wav", strings.NewReader("RIFF"), 4, "audio/wav", nil))
	info, err := mem.Stat(ctx, "audio/a.wav")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.Equal(t, "audio/wav", info.ContentType)

	mem.SetAvailable(false)
	require.ErrorIs(t, mem.Ping(ctx), ErrUnavailable)
	mem.SetAvailable(true)

	require.NoError(t, mem.Remove(ctx, "audio/a.wav"))
	_, err = mem.Get(ctx, "audio/a.wav")
	require.ErrorIs(t, err, ErrObjectNotFound)
}
