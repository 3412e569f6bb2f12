package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"vigil/internal/alerts"
	"vigil/internal/bus"
	"vigil/internal/config"
	"vigil/internal/handlers"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/middleware"
	"vigil/internal/rules"
	"vigil/internal/scope"
	"vigil/internal/state"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	statsInterval   = 30 * time.Second
)

// Processor wires the rule engine worker together and owns its lifecycle.
type Processor struct {
	cfg        *config.Config
	store      storage.Store
	cache      *rules.Cache
	resolver   *scope.Resolver
	pipeline   *Pipeline
	consumer   *kafka.Consumer
	producer   *kafka.Producer
	workerPool *worker.Pool
	subscriber *bus.Subscriber
	httpServer *http.Server
	startedAt  time.Time
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// Run connects every dependency, then consumes telemetry until ctx is
// cancelled or a component fails. The in-flight message is finished before
// the store pool closes.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")
	p.startedAt = time.Now()

	if err := p.initStore(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize store")
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := p.initFanout(); err != nil {
		p.store.Close()
		log.Error().Err(err).Msg("failed to initialize alert fan-out")
		return fmt.Errorf("failed to initialize alert fan-out: %w", err)
	}

	p.initPipeline()

	if _, err := p.cache.RefreshIfDue(ctx); err != nil {
		// Not fatal: the next message retries the refresh.
		log.Warn().Err(err).Msg("initial rule load failed")
	}

	p.initBus()
	p.initHTTPServer()
	p.consumer = kafka.NewConsumer(kafka.NewReader(p.cfg.Kafka), p.pipeline)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Strs("brokers", p.cfg.Kafka.Brokers).
			Str("topic", p.cfg.Kafka.Topic).
			Str("group_id", p.cfg.Kafka.GroupID).
			Msg("consuming telemetry")
		if err := p.consumer.Run(gctx); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", p.httpServer.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})

	<-gctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	err := g.Wait()
	p.shutdown()
	return err
}

func (p *Processor) initStore(ctx context.Context) error {
	log := logger.WithComponent("processor")
	store, err := storage.NewPostgres(ctx, p.cfg.Postgres)
	if err != nil {
		return err
	}
	if p.cfg.Postgres.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return err
		}
		log.Info().Msg("schema ensured")
	}
	p.store = store
	log.Info().
		Int32("max_conns", p.cfg.Postgres.MaxConns).
		Msg("postgres pool initialized")
	return nil
}

// initFanout builds the producer and worker pool when an alerts topic is set.
func (p *Processor) initFanout() error {
	log := logger.WithComponent("processor")
	kcfg := p.cfg.Kafka
	if kcfg.AlertsTopic == "" {
		log.Info().Msg("alert fan-out disabled")
		return nil
	}

	producer, err := kafka.NewProducer(kcfg.Brokers, kcfg.AlertsTopic, kcfg.Producer)
	if err != nil {
		return err
	}
	p.producer = producer

	p.workerPool = worker.NewPool(worker.Config{
		Publisher:      producer,
		QueueSize:      kcfg.Producer.QueueSize,
		Workers:        kcfg.Producer.PoolSize,
		BatchSize:      kcfg.Producer.BatchSize,
		BatchTimeout:   kcfg.Producer.BatchTimeout,
		PublishTimeout: kcfg.Producer.WriteTimeout,
	})
	p.workerPool.Start()

	log.Info().
		Str("topic", kcfg.AlertsTopic).
		Int("workers", kcfg.Producer.PoolSize).
		Msg("alert fan-out initialized")
	return nil
}

func (p *Processor) initPipeline() {
	ecfg := p.cfg.Engine
	p.cache = rules.NewCache(p.store, ecfg.RuleRefreshInterval)
	p.resolver = scope.NewResolver(p.store, ecfg.DeviceScopeTTL, ecfg.DeviceScopeCapacity)

	nodeID, _ := os.Hostname()
	pcfg := PipelineConfig{
		Rules:   p.cache,
		Scope:   p.resolver,
		Windows: state.NewWindowStore(ecfg.MaxPointsPerRule),
		History: state.NewSensorHistory(ecfg.SensorHistoryPoints, ecfg.SensorHistoryMaxAge),
		Alerts:  alerts.NewEngine(p.store, ecfg.CooldownEnforced),
		NodeID:  nodeID,
	}
	if p.workerPool != nil {
		pcfg.Fanout = p.workerPool
	}
	p.pipeline = NewPipeline(pcfg)
}

// initBus subscribes to rule-change notifications. Polling still runs, so a
// connection failure only loses push invalidation.
func (p *Processor) initBus() {
	log := logger.WithComponent("processor")
	if p.cfg.NATS.URL == "" {
		return
	}
	sub, err := bus.NewSubscriber(p.cfg.NATS.URL, p.cfg.Kafka.ClientID)
	if err != nil {
		log.Warn().Err(err).Msg("rule change notifications unavailable")
		return
	}
	if _, err := sub.InvalidateOn(p.cfg.NATS.RulesSubject, p.cache); err != nil {
		log.Warn().Err(err).Str("subject", p.cfg.NATS.RulesSubject).Msg("subscribe to rule changes failed")
		sub.Close()
		return
	}
	p.subscriber = sub
	log.Info().Str("subject", p.cfg.NATS.RulesSubject).Msg("listening for rule changes")
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recovery, middleware.Logging)

	r.Get("/health", p.healthHandler)
	r.Get("/stats", p.statsHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/rules", handlers.RulesHandler(p.cache.Snapshot))
	r.Method(http.MethodPost, "/rules/check", handlers.NewCheckHandler(handlers.CheckConfig{}))

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown releases everything Run acquired once the consume loop has exited.
func (p *Processor) shutdown() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	if p.workerPool != nil {
		log.Info().Msg("draining alert fan-out")
		p.workerPool.Stop()
	}
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if err := p.consumer.Close(); err != nil {
		log.Error().Err(err).Msg("consumer close error")
	}
	if p.subscriber != nil {
		p.subscriber.Close()
	}
	p.resolver.Close()
	p.store.Close()

	log.Info().Msg("processor stopped gracefully")
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps := p.pipeline.Stats()
			cs := p.consumer.Stats()
			event := log.Info().
				Uint64("processed", ps.Processed).
				Uint64("malformed", ps.Malformed).
				Uint64("failed", ps.Failed).
				Uint64("alert_events", ps.Emitted).
				Int("window_keys", ps.WindowKeys).
				Uint64("retries", cs.Retries)
			if p.workerPool != nil {
				ws := p.workerPool.Stats()
				event = event.
					Uint64("fanout_published", ws.Processed).
					Uint64("fanout_dropped", ws.Dropped)
			}
			event.Msg("stats")
		}
	}
}

// Health is the body of /health. Fan-out is best effort, so a failing
// producer check reports degraded without failing the probe.
type Health struct {
	Status    string `json:"status"`
	Fanout    string `json:"fanout,omitempty"`
	Timestamp string `json:"timestamp"`
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := p.store.Ping(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	out := Health{Status: "healthy", Timestamp: time.Now().Format(time.RFC3339)}
	if p.producer != nil {
		out.Fanout = "ok"
		if err := p.producer.HealthCheck(ctx); err != nil {
			out.Status = "degraded"
			out.Fanout = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

// Stats is the body of /stats.
type Stats struct {
	Uptime   string               `json:"uptime"`
	Pipeline PipelineStats        `json:"pipeline"`
	Consumer kafka.ConsumerStats  `json:"consumer"`
	Rules    *RulesStats          `json:"rules,omitempty"`
	Fanout   *worker.Stats        `json:"fanout,omitempty"`
	Producer *kafka.ProducerStats `json:"producer,omitempty"`
}

// RulesStats summarizes the current snapshot.
type RulesStats struct {
	Active   int       `json:"active"`
	Invalid  int       `json:"invalid"`
	LoadedAt time.Time `json:"loaded_at"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	out := Stats{
		Uptime:   time.Since(p.startedAt).Round(time.Second).String(),
		Pipeline: p.pipeline.Stats(),
		Consumer: p.consumer.Stats(),
	}
	if snap := p.cache.Snapshot(); snap != nil {
		out.Rules = &RulesStats{Active: len(snap.Rules), Invalid: snap.Invalid, LoadedAt: snap.LoadedAt}
	}
	if p.workerPool != nil {
		ws := p.workerPool.Stats()
		out.Fanout = &ws
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		out.Producer = &ps
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}
