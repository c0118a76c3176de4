package media

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	got, err := ParseType(" Image ")
	require.NoError(t, err)
	assert.Equal(t, TypeImage, got)

	_, err = ParseType("document")
	assert.ErrorIs(t, err, ErrInvalidMediaType)
}

func TestNewKeyLayout(t *testing.T) {
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

	key := NewKey(TypeVideo, "My Clip.MP4", now)
	assert.True(t, strings.HasPrefix(key, "videos/2026/10/16/"), key)
	assert.True(t, strings.HasSuffix(key, ".mp4"), key)

	typ, ok := TypeFromKey(key)
	require.True(t, ok)
	assert.Equal(t, TypeVideo, typ)
	assert.True(t, ValidKey(key))
}

func TestNewKeyDropsUnsafeExtensions(t *testing.T) {
	now := time.Now()
	assert.False(t, strings.Contains(NewKey(TypeImage, "x.j/../pg", now), ".."))
	assert.False(t, strings.Contains(NewKey(TypeImage, "noext", now), "."))
	assert.False(t, strings.HasSuffix(NewKey(TypeAudio, "a.verylongextension", now), "extension"))
}

func TestValidKey(t *testing.T) {
	assert.False(t, ValidKey(""))
	assert.False(t, ValidKey("/images/a.jpg"))
	assert.False(t, ValidKey("images/../../etc/passwd"))
	assert.False(t, ValidKey("docs/a.pdf"))
	assert.True(t, ValidKey("audio/2026/01/01/a.wav"))
}

func TestTypeFromContentType(t *testing.T) {
	typ, ok := TypeFromContentType("audio/x-wav")
	require.True(t, ok)
	assert.Equal(t, TypeAudio, typ)

	_, ok = TypeFromContentType("application/pdf")
	assert.False(t, ok)
}

func TestThumbnailKey(t *testing.T) {
	assert.Equal(t, "thumbnails/images/a.jpg", ThumbnailKey("thumbnails/", "images/a.jpg"))
	assert.Equal(t, "thumbnails/images/a.jpg", ThumbnailKey("", "images/a.jpg"))
	assert.Equal(t, "previews/audio/b.wav", ThumbnailKey("/previews/", "audio/b.wav"))
}
