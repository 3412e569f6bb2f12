package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"vigil/internal/alerts"
	"vigil/internal/dsl"
	"vigil/internal/eval"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/rules"
	"vigil/internal/scope"
	"vigil/internal/state"
)

// RuleProvider yields the current rule snapshot, reloading it when due.
type RuleProvider interface {
	RefreshIfDue(ctx context.Context) (*rules.Snapshot, error)
}

// ScopeResolver maps a device to its station.
type ScopeResolver interface {
	Resolve(ctx context.Context, deviceID string) (scope.Entry, error)
}

// AlertApplier decides and persists lifecycle transitions.
type AlertApplier interface {
	Apply(ctx context.Context, ev alerts.Evaluation) (*models.AlertEvent, error)
}

// Fanout accepts persisted events for best-effort publication.
type Fanout interface {
	Enqueue(envelope *models.AlertEnvelope) bool
}

// PipelineConfig wires the pipeline collaborators. Fanout may be nil.
type PipelineConfig struct {
	Rules   RuleProvider
	Scope   ScopeResolver
	Windows *state.WindowStore
	History *state.SensorHistory
	Alerts  AlertApplier
	Fanout  Fanout
	NodeID  string
}

// Pipeline evaluates every matching rule for one telemetry message.
// It is driven by a single consume loop and is not safe for concurrent
// Handle calls on the same device.
type Pipeline struct {
	rules   RuleProvider
	scope   ScopeResolver
	windows *state.WindowStore
	history *state.SensorHistory
	alerts  AlertApplier
	fanout  Fanout
	nodeID  string
	log     zerolog.Logger

	processed atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
	emitted   atomic.Uint64
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		rules:   cfg.Rules,
		scope:   cfg.Scope,
		windows: cfg.Windows,
		history: cfg.History,
		alerts:  cfg.Alerts,
		fanout:  cfg.Fanout,
		nodeID:  cfg.NodeID,
		log:     logger.WithComponent("pipeline"),
	}
}

// Handle decodes msg and runs it through the rules. Malformed messages are
// logged and return nil so the offset advances. A non-nil error is a
// transient failure and the message should be handled again.
func (p *Pipeline) Handle(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	defer func() { metrics.MessageHandleDuration.Observe(time.Since(start).Seconds()) }()

	log := p.log.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	event, err := models.DecodeTelemetry(msg.Value)
	if err != nil {
		p.malformed.Add(1)
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Msg("skipping malformed telemetry message")
		return nil
	}

	if _, err := p.HandleEvent(ctx, event); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).Str("device_id", event.DeviceID).Msg("telemetry handling failed")
		return err
	}

	p.processed.Add(1)
	metrics.MessagesTotal.WithLabelValues("processed").Inc()
	return nil
}

// HandleEvent evaluates every rule matching event and returns the alert
// events written. Failures of single rules are joined; the other rules still
// run.
func (p *Pipeline) HandleEvent(ctx context.Context, event *models.TelemetryEvent) ([]*models.AlertEvent, error) {
	snap, err := p.rules.RefreshIfDue(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	entry, err := p.scope.Resolve(ctx, event.DeviceID)
	if err != nil {
		return nil, err
	}

	p.history.Record(event.DeviceID, event.ReceivedAt, event.Metrics)
	series := p.history.Lookup(event.DeviceID, event.ReceivedAt)

	var (
		written []*models.AlertEvent
		errs    []error
	)
	for _, rule := range snap.Matching(event.DeviceID, entry.StationID) {
		out, err := p.evaluate(ctx, rule, event, entry.StationID, series)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s v%d: %w", rule.ID, rule.Version, err))
			continue
		}
		if out != nil {
			written = append(written, out)
		}
	}

	for _, out := range written {
		p.emitted.Add(1)
		if p.fanout != nil {
			p.fanout.Enqueue(models.NewAlertEnvelope(out, p.nodeID))
		}
	}
	return written, errors.Join(errs...)
}

func (p *Pipeline) evaluate(ctx context.Context, rule rules.Rule, event *models.TelemetryEvent, stationID string, series eval.SeriesLookup) (*models.AlertEvent, error) {
	doc := rule.DSL
	at := event.ReceivedAt
	if doc.TimeField == dsl.TimeEvent {
		at = event.EventTime()
	}

	result := eval.Evaluate(doc.When, event.Metrics, series)
	metrics.RuleEvaluations.WithLabelValues(result.String()).Inc()

	// Missing data is neither a hit nor a recovery, so the window is left as is.
	key := state.Key{RuleID: rule.ID, DeviceID: event.DeviceID}
	var window []state.Point
	if result == eval.Indeterminate {
		window = p.windows.Window(key)
	} else {
		window = p.windows.Record(key, doc.Window, at, result == eval.True)
	}
	ready := state.Ready(window, doc.Window)

	ev := alerts.Evaluation{
		Rule:      rule,
		Event:     event,
		StationID: stationID,
		At:        at,
		Result:    result,
		Window:    window,
		Ready:     ready,
		Triggered: state.Triggered(window),
	}
	if result == eval.Indeterminate || !ready {
		log := logger.WithRule("pipeline", rule.ID, rule.Version, event.DeviceID)
		log.Debug().
			Str("result", result.String()).
			Int("window_points", len(window)).
			Msg("no lifecycle decision this tick")
		return nil, nil
	}

	ev.Explain = eval.Explain(doc.When, event.Metrics, series)
	return p.alerts.Apply(ctx, ev)
}

// PipelineStats holds pipeline counters.
type PipelineStats struct {
	Processed  uint64 `json:"processed"`
	Malformed  uint64 `json:"malformed"`
	Failed     uint64 `json:"failed"`
	Emitted    uint64 `json:"alert_events"`
	WindowKeys int    `json:"window_keys"`
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Processed:  p.processed.Load(),
		Malformed:  p.malformed.Load(),
		Failed:     p.failed.Load(),
		Emitted:    p.emitted.Load(),
		WindowKeys: p.windows.Len(),
	}
}
