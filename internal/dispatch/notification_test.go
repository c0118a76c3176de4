package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/birdtag/internal/media"
)

func TestDecodeNotification(t *testing.T) {
	raw := []byte(`{"Records":[
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"videos%2Fclip.mp4","size":1024}}},
		{"eventName":"s3:ObjectRemoved:Delete","s3":{"object":{"key":"videos%2Fgone.mp4"}}},
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"thumbnails%2Fimages%2Fa.jpg"}}},
		{"eventName":"s3:ObjectCreated:CompleteMultipartUpload","s3":{"object":{"key":"audio/song.flac"}}},
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"images%2F..%2Fetc"}}}
	]}`)

	got, err := DecodeNotification(raw)
	require.NoError(t, err)
	assert.Equal(t, []Finalized{
		{Key: "videos/clip.mp4", MediaType: media.TypeVideo, Size: 1024},
		{Key: "audio/song.flac", MediaType: media.TypeAudio},
	}, got)
}

func TestDecodeNotificationRejectsGarbage(t *testing.T) {
	_, err := DecodeNotification([]byte("{"))
	assert.Error(t, err)
}
