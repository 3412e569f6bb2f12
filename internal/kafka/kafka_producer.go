package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes persisted alert events to the fan-out topic. One
// writer is shared by all callers; writes retry with exponential backoff.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string
	writer  messageWriter
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates a producer for topic on brokers.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  getCompression(cfg.Compression),
		// Retries are ours so every attempt is logged and counted.
		MaxAttempts: 1,
	}
	return newProducer(brokers, topic, cfg, writer), nil
}

func newProducer(brokers []string, topic string, cfg config.ProducerConfig, w messageWriter) *Producer {
	return &Producer{cfg: cfg, brokers: brokers, topic: topic, writer: w}
}

func alertMessage(envelope *models.AlertEnvelope, data []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(envelope.PartitionKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(envelope.Event.EventID)},
			{Key: "alert_id", Value: []byte(envelope.Event.AlertID)},
			{Key: "event_type", Value: []byte(envelope.Event.EventType)},
			{Key: "worker_node", Value: []byte(envelope.WorkerNode)},
		},
		Time: envelope.Event.CreatedAt,
	}
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// Publish sends one alert envelope.
func (p *Producer) Publish(ctx context.Context, envelope *models.AlertEnvelope) error {
	return p.PublishBatch(ctx, []*models.AlertEnvelope{envelope})
}

// PublishBatch sends envelopes in one write. Envelopes that fail to encode
// are dropped and counted; the rest are still written.
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.AlertEnvelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	log := logger.WithComponent("alert_producer")
	messages := make([]kafka.Message, 0, len(envelopes))
	var encodeErr error
	for _, envelope := range envelopes {
		data, err := json.Marshal(envelope)
		if err != nil {
			log.Error().
				Err(err).
				Str("event_id", envelope.Event.EventID).
				Str("rule_id", envelope.Event.RuleID).
				Msg("failed to serialize envelope")
			p.recordFailed(1)
			encodeErr = fmt.Errorf("%w: %v", ErrSerializeFailed, err)
			continue
		}
		messages = append(messages, alertMessage(envelope, data))
	}
	if len(messages) == 0 {
		return encodeErr
	}

	start := time.Now()
	err := p.writeWithRetry(ctx, messages)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish to kafka")
		p.recordFailed(len(messages))
		return err
	}

	var bytesTotal uint64
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
	}
	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(bytesTotal)
	metrics.FanoutTotal.WithLabelValues("published").Add(float64(len(messages)))

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("published to kafka")
	return nil
}

func (p *Producer) recordFailed(n int) {
	p.messagesFailed.Add(uint64(n))
	metrics.FanoutTotal.WithLabelValues("failed").Add(float64(n))
}

// writeWithRetry writes messages, retrying with exponential backoff up to
// MaxRetries times. Context errors are not retried.
func (p *Producer) writeWithRetry(ctx context.Context, messages []kafka.Message) error {
	log := logger.WithComponent("alert_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")
			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := p.writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// HealthCheck reports whether a broker answers and knows the alerts topic.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var lastErr error
	for _, broker := range p.brokers {
		lastErr = p.checkBroker(ctx, broker)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka health check: %w", lastErr)
}

func (p *Producer) checkBroker(ctx context.Context, broker string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	partitions, err := conn.ReadPartitions(p.topic)
	if err != nil {
		return err
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", p.topic)
	}
	return nil
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}
