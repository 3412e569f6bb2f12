package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store over a bounded pgx pool. Every statement is a
// single autocommit round trip.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres opens the pool and pings it once.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}

	log := logger.WithComponent("storage")
	log.Info().
		Int32("max_conns", poolCfg.MaxConns).
		Int32("min_conns", poolCfg.MinConns).
		Msg("postgres pool ready")

	return &Postgres{Pool: pool}, nil
}

// EnsureSchema applies the embedded CREATE IF NOT EXISTS schema.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks store connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

func observe(query string, start time.Time) {
	metrics.StoreDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

const listActiveRulesSQL = `
SELECT r.id, r.name, r.scope, COALESCE(r.device_id, ''), COALESCE(r.station_id, ''), v.version, v.dsl
FROM rules r
JOIN LATERAL (
    SELECT rv.version, rv.dsl
    FROM rule_versions rv
    WHERE rv.rule_id = r.id
    ORDER BY rv.version DESC
    LIMIT 1
) v ON TRUE
WHERE r.is_active = TRUE
ORDER BY r.id`

// ListActiveRules returns every active rule with its highest version.
func (p *Postgres) ListActiveRules(ctx context.Context) ([]RuleRow, error) {
	defer observe("list_active_rules", time.Now())

	rows, err := p.Pool.Query(ctx, listActiveRulesSQL)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	out := []RuleRow{}
	for rows.Next() {
		var r RuleRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Scope, &r.DeviceID, &r.StationID, &r.Version, &r.DSL); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return out, nil
}

// StationForDevice returns the device's station, or "" when the device is
// unknown or has none.
func (p *Postgres) StationForDevice(ctx context.Context, deviceID string) (string, error) {
	defer observe("station_for_device", time.Now())

	var station *string
	err := p.Pool.QueryRow(ctx, `SELECT station_id FROM devices WHERE id = $1`, deviceID).Scan(&station)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("station for device: %w", err)
	}
	if station == nil {
		return "", nil
	}
	return *station, nil
}

const latestAlertEventSQL = `
SELECT id::text, alert_id::text, event_type, rule_id, rule_version, device_id, COALESCE(station_id, ''),
       severity, title, message, evidence, explain, created_at
FROM alert_events
WHERE rule_id = $1 AND device_id = $2
ORDER BY created_at DESC
LIMIT 1`

// LatestAlertEvent returns the newest event for the pair, or nil.
func (p *Postgres) LatestAlertEvent(ctx context.Context, ruleID, deviceID string) (*models.AlertEvent, error) {
	defer observe("latest_alert_event", time.Now())

	var (
		e        models.AlertEvent
		evidence []byte
	)
	err := p.Pool.QueryRow(ctx, latestAlertEventSQL, ruleID, deviceID).Scan(
		&e.EventID, &e.AlertID, &e.EventType, &e.RuleID, &e.RuleVersion, &e.DeviceID, &e.StationID,
		&e.Severity, &e.Title, &e.Message, &evidence, &e.Explain, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest alert event: %w", err)
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &e.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

const insertAlertEventSQL = `
INSERT INTO alert_events
    (id, alert_id, event_type, rule_id, rule_version, device_id, station_id,
     severity, title, message, evidence, explain, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// InsertAlertEvent appends one alert event.
func (p *Postgres) InsertAlertEvent(ctx context.Context, e *models.AlertEvent) error {
	defer observe("insert_alert_event", time.Now())

	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	if e.Evidence == nil {
		evidence = []byte("{}")
	}

	var station *string
	if e.StationID != "" {
		station = &e.StationID
	}

	_, err = p.Pool.Exec(ctx, insertAlertEventSQL,
		e.EventID, e.AlertID, string(e.EventType), e.RuleID, e.RuleVersion, e.DeviceID, station,
		string(e.Severity), e.Title, e.Message, evidence, e.Explain, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	return nil
}
