package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7/pkg/notification"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/kafka"
)

// Finalized is one object-created record from a bucket notification.
type Finalized struct {
	Key       string
	MediaType media.Type
	Size      int64
}

// DecodeNotification extracts object-created records from a MinIO bucket
// notification. Records for other event types, or for keys outside the
// media namespaces, are dropped.
func DecodeNotification(raw []byte) ([]Finalized, error) {
	var info notification.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode bucket notification: %w", err)
	}

	out := make([]Finalized, 0, len(info.Records))
	for _, rec := range info.Records {
		if !strings.HasPrefix(rec.EventName, "s3:ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			continue
		}
		if !media.ValidKey(key) {
			continue
		}
		t, _ := media.TypeFromKey(key)
		out = append(out, Finalized{Key: key, MediaType: t, Size: rec.S3.Object.Size})
	}
	return out, nil
}

// Handler adapts the dispatcher to a Kafka consumer. Malformed payloads and
// terminal detection failures are logged and committed; other errors leave
// the offset uncommitted.
func (d *Dispatcher) Handler() kafka.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		records, err := DecodeNotification(msg.Value)
		if err != nil {
			d.metrics.IncNotifications("malformed")
			d.logger.Warn("dropping malformed notification",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return nil
		}
		if len(records) == 0 {
			d.metrics.IncNotifications("skipped")
			return nil
		}

		var errs []error
		for _, rec := range records {
			err := d.OnObjectFinalized(ctx, rec.Key, rec.MediaType)
			if err == nil || errors.Is(err, media.ErrTerminalDetectionFailure) {
				continue
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
}
