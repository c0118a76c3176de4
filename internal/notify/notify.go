// Package notify publishes detection.completed events to Kafka.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/kafka"
)

// EventType is set on the event_type header of every message.
const EventType = "detection.completed"

// DetectionCompleted is emitted whenever a result is stored or edited.
type DetectionCompleted struct {
	ID           string         `json:"id"`
	Key          string         `json:"key"`
	MediaType    media.Type     `json:"media_type,omitempty"`
	Tags         map[string]int `json:"tags"`
	Source       media.Source   `json:"source"`
	ThumbnailKey string         `json:"thumbnail_key,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Notifier adapts a Kafka publisher to results.Notifier.
type Notifier struct {
	publisher kafka.Publisher
}

func New(publisher kafka.Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

func (n *Notifier) ResultStored(ctx context.Context, r media.Result) error {
	mediaType, _ := media.TypeFromKey(r.Key)
	event := DetectionCompleted{
		ID:           uuid.NewString(),
		Key:          r.Key,
		MediaType:    mediaType,
		Tags:         r.Tags,
		Source:       r.Source,
		ThumbnailKey: r.ThumbnailKey,
		CompletedAt:  r.CompletedAt,
	}
	headers := map[string]string{
		"event_id":   event.ID,
		"event_type": EventType,
	}
	if err := n.publisher.PublishJSON(ctx, r.Key, event, headers); err != nil {
		return fmt.Errorf("publish %s: %w", EventType, err)
	}
	return nil
}
