package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/birdtag/internal/media"
)

type capturePublisher struct {
	key     string
	payload any
	headers map[string]string
	err     error
}

func (p *capturePublisher) PublishJSON(_ context.Context, key string, payload any, headers map[string]string) error {
	p.key, p.payload, p.headers = key, payload, headers
	return p.err
}

func (p *capturePublisher) Close(context.Context) error { return nil }

func TestResultStoredPublishesEvent(t *testing.T) {
	pub := &capturePublisher{}
	n := New(pub)
	now := time.Now().UTC()

	err := n.ResultStored(context.Background(), media.Result{
		Key:         "images/2026/10/16/a.jpg",
		Tags:        map[string]int{"galah": 2},
		Source:      media.SourceRemote,
		CompletedAt: now,
	})
	require.NoError(t, err)

	assert.Equal(t, "images/2026/10/16/a.jpg", pub.key)
	assert.Equal(t, EventType, pub.headers["event_type"])
	event, ok := pub.payload.(DetectionCompleted)
	require.True(t, ok)
	assert.Equal(t, media.TypeImage, event.MediaType)
	assert.Equal(t, map[string]int{"galah": 2}, event.Tags)
	assert.Equal(t, event.ID, pub.headers["event_id"])
	assert.NotEmpty(t, event.ID)
}

func TestResultStoredWrapsPublishError(t *testing.T) {
	n := New(&capturePublisher{err: errors.New("no brokers")})
	err := n.ResultStored(context.Background(), media.Result{Key: "audio/a.wav"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EventType)
}
