package results

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/pkg/logger"
)

// Notifier is told about every result the Aggregator stores.
type Notifier interface {
	ResultStored(ctx context.Context, result media.Result) error
}

// Operation selects what AdjustTags does with the given counts.
type Operation int

const (
	OpRemove Operation = 0
	OpAdd    Operation = 1
)

// ParseOperation accepts the numeric form used by the tag edit endpoint.
func ParseOperation(v int) (Operation, error) {
	switch Operation(v) {
	case OpAdd, OpRemove:
		return Operation(v), nil
	}
	return 0, fmt.Errorf("unknown tag operation %d", v)
}

// AggregatorParams configures an Aggregator.
type AggregatorParams struct {
	Store    Store
	Notifier Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// Aggregator normalizes detection output and is the only writer of results.
type Aggregator struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewAggregator(p AggregatorParams) *Aggregator {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		store:    p.Store,
		notifier: p.Notifier,
		logger:   logger.OrNop(p.Logger).Named("aggregator"),
		now:      now,
		locks:    make(map[string]*keyLock),
	}
}

// FinalizeOption adjusts the stored result.
type FinalizeOption func(*media.Result)

// WithThumbnail records where the object's thumbnail was written.
func WithThumbnail(key string) FinalizeOption {
	return func(r *media.Result) { r.ThumbnailKey = key }
}

// Finalize normalizes tags and stores them as the result for key, replacing
// any earlier result.
func (a *Aggregator) Finalize(ctx context.Context, key string, tags map[string]int, source media.Source, opts ...FinalizeOption) (media.Result, error) {
	result := media.Result{
		Key:         key,
		Tags:        Normalize(tags),
		Source:      source,
		CompletedAt: a.now().UTC(),
	}
	for _, opt := range opts {
		opt(&result)
	}

	unlock := a.lock(key)
	applied, err := a.store.Put(ctx, result)
	unlock()
	if err != nil {
		return media.Result{}, fmt.Errorf("store result: %w", err)
	}
	if !applied {
		a.logger.Info("newer result already stored", zap.String("key", key))
		return a.store.Get(ctx, key)
	}
	// published outside the key lock; consumers order by completed_at
	a.notify(ctx, result)
	return result, nil
}

// AdjustTags adds or removes manual tag counts on existing results. Counts
// never go below zero and labels that reach zero are removed. Keys without a
// result are skipped. It returns the keys that were updated.
func (a *Aggregator) AdjustTags(ctx context.Context, keys []string, op Operation, entries map[string]int) ([]string, error) {
	delta := Normalize(entries)
	updated := make([]string, 0, len(keys))

	for _, key := range keys {
		result, ok, err := a.adjustOne(ctx, key, op, delta)
		if err != nil {
			return updated, err
		}
		if ok {
			a.notify(ctx, result)
			updated = append(updated, key)
		}
	}
	return updated, nil
}

func (a *Aggregator) adjustOne(ctx context.Context, key string, op Operation, delta map[string]int) (media.Result, bool, error) {
	unlock := a.lock(key)
	defer unlock()

	current, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return media.Result{}, false, nil
		}
		return media.Result{}, false, fmt.Errorf("load result: %w", err)
	}

	tags := current.Tags
	if tags == nil {
		tags = map[string]int{}
	}
	for label, n := range delta {
		switch op {
		case OpAdd:
			tags[label] += n
		case OpRemove:
			tags[label] -= n
		}
		if tags[label] <= 0 {
			delete(tags, label)
		}
	}
	current.Tags = tags
	now := a.now().UTC()
	if now.Before(current.CompletedAt) {
		now = current.CompletedAt
	}
	current.CompletedAt = now

	if _, err := a.store.Put(ctx, current); err != nil {
		return media.Result{}, false, fmt.Errorf("store result: %w", err)
	}
	return current, true, nil
}

// Delete removes the stored result for key.
func (a *Aggregator) Delete(ctx context.Context, key string) error {
	unlock := a.lock(key)
	defer unlock()
	if err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

func (a *Aggregator) notify(ctx context.Context, result media.Result) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.ResultStored(ctx, result); err != nil {
		a.logger.Warn("publish result notification", zap.String("key", result.Key), zap.Error(err))
	}
}

func (a *Aggregator) lock(key string) func() {
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &keyLock{}
		a.locks[key] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}

// Normalize lower-cases and trims labels, drops empty labels and non-positive
// counts, and sums duplicates that collapse to the same label.
func Normalize(tags map[string]int) map[string]int {
	out := make(map[string]int, len(tags))
	for label, n := range tags {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" || n <= 0 {
			continue
		}
		out[label] += n
	}
	return out
}

// ErrInvalidTagEntry marks a malformed "label,count" entry.
var ErrInvalidTagEntry = errors.New("invalid tag entry")

// ParseTagEntries parses "label,count" pairs such as "crow,2". A missing count
// means one.
func ParseTagEntries(entries []string) (map[string]int, error) {
	out := make(map[string]int, len(entries))
	for _, entry := range entries {
		label, rawCount, hasCount := strings.Cut(entry, ",")
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, fmt.Errorf("%w %q: empty label", ErrInvalidTagEntry, entry)
		}
		count := 1
		if hasCount {
			n, err := strconv.Atoi(strings.TrimSpace(rawCount))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w %q: invalid count", ErrInvalidTagEntry, entry)
			}
			count = n
		}
		out[label] += count
	}
	return out, nil
}
