// Package worker fans persisted alert events out to Kafka off the consume
// loop. Delivery is best effort: the database row is the record.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Publisher defines the interface for publishing alert envelopes
type Publisher interface {
	Publish(ctx context.Context, envelope *models.AlertEnvelope) error
	PublishBatch(ctx context.Context, envelopes []*models.AlertEnvelope) error
}

// Pool batches envelopes from a bounded queue and publishes them.
type Pool struct {
	publisher      Publisher
	queue          chan *models.AlertEnvelope
	workers        int
	batchSize      int
	batchTimeout   time.Duration
	publishTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  atomic.Bool
	mu       sync.RWMutex

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher      Publisher
	QueueSize      int
	Workers        int
	BatchSize      int
	BatchTimeout   time.Duration
	PublishTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	return &Pool{
		publisher:      cfg.Publisher,
		queue:          make(chan *models.AlertEnvelope, cfg.QueueSize),
		workers:        cfg.Workers,
		batchSize:      cfg.BatchSize,
		batchTimeout:   cfg.BatchTimeout,
		publishTimeout: cfg.PublishTimeout,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Enqueue hands an envelope to the pool without blocking. It returns false
// and counts a drop when the queue is full or the pool is stopped.
func (p *Pool) Enqueue(envelope *models.AlertEnvelope) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped.Load() {
		p.drop()
		return false
	}
	select {
	case p.queue <- envelope:
		return true
	default:
		p.drop()
		return false
	}
}

func (p *Pool) drop() {
	p.dropped.Add(1)
	metrics.FanoutTotal.WithLabelValues("dropped").Inc()
}

// Stop closes the queue and waits until every queued envelope was handed to
// the publisher.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		log := logger.WithComponent("worker_pool")
		log.Info().Int("queued", len(p.queue)).Msg("stopping worker pool")

		p.mu.Lock()
		p.stopped.Store(true)
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		log.Info().Msg("worker pool stopped")
	})
}

// worker processes envelopes from the queue until it is closed
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]*models.AlertEnvelope, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case envelope, ok := <-p.queue:
			if !ok {
				p.publishSafely(batch)
				return
			}

			batch = append(batch, envelope)
			if len(batch) >= p.batchSize {
				p.publishSafely(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishSafely(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// publishSafely publishes batch and recovers a publisher panic, counting the
// batch as failed so the worker keeps draining the queue.
func (p *Pool) publishSafely(batch []*models.AlertEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("worker")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Int("batch_size", len(batch)).
				Msg("publisher panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.failed.Add(uint64(len(batch)))
		}
	}()
	p.publishBatch(batch)
}

// publishBatch publishes a batch of envelopes
func (p *Pool) publishBatch(batch []*models.AlertEnvelope) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish batch")

		// Fallback: try publishing individually
		p.publishIndividually(batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch published")
	p.processed.Add(uint64(len(batch)))
}

// publishIndividually tries to publish each envelope separately (fallback)
func (p *Pool) publishIndividually(batch []*models.AlertEnvelope) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, envelope := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout/2)
		err := p.publisher.Publish(ctx, envelope)
		cancel()

		if err != nil {
			p.failed.Add(1)
			log.Error().
				Err(err).
				Str("event_id", envelope.Event.EventID).
				Str("rule_id", envelope.Event.RuleID).
				Str("device_id", envelope.Event.DeviceID).
				Msg("failed to publish alert event")
			continue
		}
		p.processed.Add(1)
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}
