package kafka

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// Retry bounds for a message whose handling failed.
const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
	commitTimeout     = 5 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message. A nil error commits the message; an error
// means a transient failure and the same message is handled again.
type Handler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg kafka.Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg kafka.Message) error { return f(ctx, msg) }

// NewReader builds a consumer-group reader for the telemetry topic. Offsets
// are committed explicitly by the Consumer.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	minBytes, maxBytes := cfg.MinBytes, cfg.MaxBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		StartOffset:    kafka.FirstOffset,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		CommitInterval: 0,
		Dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
}

// Consumer runs the single fetch, handle, commit loop. Messages are handled
// one at a time in fetch order.
type Consumer struct {
	reader     MessageReader
	handler    Handler
	minBackoff time.Duration
	maxBackoff time.Duration
	log        zerolog.Logger

	handled   atomic.Uint64
	retries   atomic.Uint64
	committed atomic.Uint64
	panics    atomic.Uint64
}

// NewConsumer creates a consumer over reader.
func NewConsumer(reader MessageReader, handler Handler) *Consumer {
	return &Consumer{
		reader:     reader,
		handler:    handler,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		log:        logger.WithComponent("kafka_consumer"),
	}
}

// Run consumes until ctx is cancelled. The message in flight at
// cancellation is finished and committed unless it is waiting for a retry,
// in which case it is left uncommitted for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("consumer started")
	defer c.log.Info().Msg("consumer stopped")

	backoff := c.minBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Dur("backoff", backoff).Msg("fetch failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff

		if !c.process(ctx, msg) {
			return nil
		}
	}
}

// process handles msg until it succeeds and commits it. It returns false
// when ctx ended before the message could be handled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	log := c.log.With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	backoff := c.minBackoff
	for attempt := 1; ; attempt++ {
		err := c.safeHandle(context.WithoutCancel(ctx), msg)
		if err == nil {
			break
		}

		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("message handling failed, retrying")
		if !sleep(ctx, backoff) {
			log.Warn().Msg("shutdown while retrying, leaving message uncommitted")
			return false
		}
		c.retries.Add(1)
		metrics.MessageRetries.Inc()
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
	c.handled.Add(1)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		metrics.CommitFailures.Inc()
		log.Error().Err(err).Msg("commit failed")
		return true
	}
	c.committed.Add(1)
	return true
}

// safeHandle turns a handler panic into a logged skip so one poisoned
// message cannot stall its partition.
func (c *Consumer) safeHandle(ctx context.Context, msg kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			metrics.PanicsRecovered.WithLabelValues("consumer").Inc()
			c.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("panic while handling message, skipping")
			err = nil
		}
	}()
	return c.handler.Handle(ctx, msg)
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close reader: %w", err)
	}
	return nil
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	Handled   uint64 `json:"handled"`
	Retries   uint64 `json:"retries"`
	Committed uint64 `json:"committed"`
	Panics    uint64 `json:"panics"`
}

// Stats returns consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:   c.handled.Load(),
		Retries:   c.retries.Load(),
		Committed: c.committed.Load(),
		Panics:    c.panics.Load(),
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
