package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/birdtag/pkg/logger"
)

// Message is the subset of a Kafka record handlers care about.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Time      time.Time
}

// Handler processes one message. A message is committed only after its
// handler returns nil; errors are retried with backoff until the consumer
// stops, and later messages of the same partition wait behind it.
type Handler func(ctx context.Context, msg Message) error

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Workers int
	MaxWait time.Duration
	// RetryInitial and RetryMax bound the backoff between handler retries.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads a topic as part of a consumer group. Messages are routed to
// a fixed number of workers by partition, so each partition is handled and
// committed in offset order.
type Consumer struct {
	reader       reader
	workers      int
	retryInitial time.Duration
	retryMax     time.Duration
	logger       *zap.Logger
}

// NewConsumer constructs a group Consumer.
func NewConsumer(cfg ConsumerConfig, log *zap.Logger) *Consumer {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return newConsumer(kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  maxWait,
	}), cfg, log)
}

func newConsumer(r reader, cfg ConsumerConfig, log *zap.Logger) *Consumer {
	c := &Consumer{
		reader:       r,
		workers:      cfg.Workers,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
		logger:       logger.OrNop(log),
	}
	if c.workers <= 0 {
		c.workers = 1
	}
	if c.retryInitial <= 0 {
		c.retryInitial = time.Second
	}
	if c.retryMax < c.retryInitial {
		c.retryMax = 30 * c.retryInitial
	}
	return c
}

// Run blocks until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queues := make([]chan kafkago.Message, c.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafkago.Message)
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, worker, queues[worker], handle)
		}(i)
	}

	err := c.fetch(ctx, queues)
	for _, q := range queues {
		close(q)
	}
	cancel()
	wg.Wait()
	return err
}

func (c *Consumer) fetch(ctx context.Context, queues []chan kafkago.Message) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		select {
		case queues[m.Partition%len(queues)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) work(ctx context.Context, worker int, queue <-chan kafkago.Message, handle Handler) {
	for m := range queue {
		if ctx.Err() != nil {
			return
		}
		if err := c.handle(ctx, worker, m, handle); err != nil {
			// stopping; the offset stays uncommitted and is redelivered
			c.logger.Warn("message left uncommitted",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			return
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, worker int, m kafkago.Message, handle Handler) error {
	msg := Message{
		Key:       m.Key,
		Value:     m.Value,
		Headers:   make(map[string]string, len(m.Headers)),
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
	}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, handle(ctx, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Error("message handler failed",
				zap.Int("worker", worker),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
