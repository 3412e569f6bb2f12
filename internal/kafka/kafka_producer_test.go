package kafka

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func testEnvelope(eventID string) *models.AlertEnvelope {
	return models.NewAlertEnvelope(&models.AlertEvent{
		EventID:   eventID,
		AlertID:   "alert-1",
		EventType: models.EventTrigger,
		RuleID:    "R1",
		DeviceID:  "pump-7",
		Severity:  models.SeverityHigh,
		CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}, "node-a")
}

func TestNewProducerValidates(t *testing.T) {
	_, err := NewProducer(nil, "alerts", config.ProducerConfig{})
	assert.Error(t, err)

	_, err = NewProducer([]string{"localhost:9092"}, "", config.ProducerConfig{})
	assert.Error(t, err)
}

func TestAlertMessage(t *testing.T) {
	msg := alertMessage(testEnvelope("evt-1"), []byte(`{}`))

	assert.Equal(t, "R1:pump-7", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"event_id":    "evt-1",
		"alert_id":    "alert-1",
		"event_type":  "TRIGGER",
		"worker_node": "node-a",
	}, headers)
	assert.True(t, msg.Time.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))
}

func TestGetCompression(t *testing.T) {
	assert.Equal(t, compress.Snappy, getCompression("snappy"))
	assert.Equal(t, compress.Zstd, getCompression("zstd"))
	assert.Equal(t, compress.None, getCompression("bogus"))
}

func TestPublishAfterClose(t *testing.T) {
	p, err := NewProducer([]string{"localhost:9092"}, "alerts", config.Default().Kafka.Producer)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	err = p.Publish(context.Background(), testEnvelope("evt-1"))
	assert.ErrorIs(t, err, ErrProducerClosed)
}

type flakyWriter struct {
	mu       sync.Mutex
	failures int
	err      error
	writes   [][]kafka.Message
	attempts int
	closed   bool
}

func (w *flakyWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failures > 0 {
		w.failures--
		return w.err
	}
	w.writes = append(w.writes, msgs)
	return nil
}

func (w *flakyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testProducer(w messageWriter, maxRetries int) *Producer {
	cfg := config.ProducerConfig{MaxRetries: maxRetries, RetryBackoff: time.Millisecond}
	return newProducer([]string{"localhost:9092"}, "alerts", cfg, w)
}

func TestPublishRetries(t *testing.T) {
	unavailable := errors.New("leader not available")

	tests := []struct {
		name         string
		failures     int
		maxRetries   int
		wantErr      bool
		wantAttempts int
	}{
		{"first try", 0, 3, false, 1},
		{"recovers after two failures", 2, 3, false, 3},
		{"gives up after max retries", 5, 2, true, 3},
		{"no retries configured", 1, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &flakyWriter{failures: tt.failures, err: unavailable}
			p := testProducer(w, tt.maxRetries)

			err := p.Publish(context.Background(), testEnvelope("evt-1"))
			assert.Equal(t, tt.wantAttempts, w.attempts)
			if tt.wantErr {
				assert.ErrorIs(t, err, unavailable)
				assert.Equal(t, uint64(1), p.Stats().MessagesFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint64(1), p.Stats().MessagesSent)
			assert.Positive(t, p.Stats().BytesWritten)
		})
	}
}

func TestPublishBatchWritesOnce(t *testing.T) {
	w := &flakyWriter{}
	p := testProducer(w, 3)

	err := p.PublishBatch(context.Background(), []*models.AlertEnvelope{testEnvelope("evt-1"), testEnvelope("evt-2")})
	require.NoError(t, err)
	require.Len(t, w.writes, 1)
	assert.Len(t, w.writes[0], 2)
	assert.Equal(t, uint64(2), p.Stats().MessagesSent)

	require.NoError(t, p.PublishBatch(context.Background(), nil))
	assert.Len(t, w.writes, 1)
}

func TestPublishStopsOnCancelledContext(t *testing.T) {
	w := &flakyWriter{failures: 1, err: context.Canceled}
	p := testProducer(w, 3)

	err := p.Publish(context.Background(), testEnvelope("evt-1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, w.attempts)
}

func TestCloseIsIdempotent(t *testing.T) {
	w := &flakyWriter{}
	p := testProducer(w, 0)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, p.PublishBatch(context.Background(), []*models.AlertEnvelope{testEnvelope("evt-1")}), ErrProducerClosed)
	assert.ErrorIs(t, p.HealthCheck(context.Background()), ErrProducerClosed)
}

func TestHealthCheckUnreachableBroker(t *testing.T) {
	cfg := config.ProducerConfig{}
	p := newProducer([]string{"127.0.0.1:1"}, "alerts", cfg, &flakyWriter{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.HealthCheck(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka health check")
}

func TestProducerPublishBatch(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	topic := os.Getenv("KAFKA_ALERTS_TOPIC")
	if topic == "" {
		topic = "vigil-alerts-test"
	}
	producer, err := NewProducer(cfg.Kafka.Brokers, topic, cfg.Kafka.Producer)
	require.NoError(t, err)
	defer producer.Close()

	envelopes := []*models.AlertEnvelope{testEnvelope("evt-1"), testEnvelope("evt-2")}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, producer.HealthCheck(ctx))
	require.NoError(t, producer.PublishBatch(ctx, envelopes))
	assert.Equal(t, uint64(2), producer.Stats().MessagesSent)
}
