// Package rules keeps the process-wide snapshot of active, validated rules.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/dsl"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/storage"
)

// ErrNoSnapshot is returned when no refresh has ever succeeded.
var ErrNoSnapshot = errors.New("rule snapshot not loaded")

// Source lists active rules joined to their latest version.
type Source interface {
	ListActiveRules(ctx context.Context) ([]storage.RuleRow, error)
}

// Rule is one active rule with its parsed latest version.
type Rule struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Version int          `json:"version"`
	Scope   dsl.Scope    `json:"scope"`
	DSL     *dsl.RuleDsl `json:"-"`
}

// Snapshot is an immutable set of rules ordered by ID.
type Snapshot struct {
	Rules    []Rule    `json:"rules"`
	Invalid  int       `json:"invalid"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Matching returns the rules whose scope covers the device.
func (s *Snapshot) Matching(deviceID, stationID string) []Rule {
	if s == nil {
		return nil
	}
	var out []Rule
	for _, r := range s.Rules {
		if r.Scope.Matches(deviceID, stationID) {
			out = append(out, r)
		}
	}
	return out
}

// Cache swaps whole snapshots atomically. Readers never block; refreshes are
// serialized.
type Cache struct {
	source   Source
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	snap        atomic.Pointer[Snapshot]
	invalidated atomic.Bool

	mu          sync.Mutex
	lastAttempt time.Time
}

// NewCache creates a cache that refreshes from source every interval.
func NewCache(source Source, interval time.Duration) *Cache {
	return &Cache{
		source:   source,
		interval: interval,
		log:      logger.WithComponent("rules"),
		now:      time.Now,
	}
}

// Snapshot returns the current snapshot, or nil before the first refresh.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Invalidate marks the snapshot due so the next RefreshIfDue reloads it.
func (c *Cache) Invalidate() {
	c.invalidated.Store(true)
}

// RefreshIfDue reloads the snapshot when the interval elapsed, when it was
// invalidated, or when none is loaded. A failed reload keeps serving the
// previous snapshot; it only returns an error when there is none.
func (c *Cache) RefreshIfDue(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.snap.Load()
	now := c.now()
	due := current == nil || c.invalidated.Load() || now.Sub(c.lastAttempt) >= c.interval
	if !due {
		return current, nil
	}
	return c.refreshLocked(ctx, now, current)
}

// Refresh reloads the snapshot unconditionally.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx, c.now(), c.snap.Load())
}

func (c *Cache) refreshLocked(ctx context.Context, now time.Time, current *Snapshot) (*Snapshot, error) {
	c.lastAttempt = now
	// Cleared before loading so a change notified mid-load is not lost.
	c.invalidated.Store(false)

	rows, err := c.source.ListActiveRules(ctx)
	if err != nil {
		metrics.RuleCacheRefreshes.WithLabelValues("failed").Inc()
		if current == nil {
			return nil, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
		}
		c.log.Warn().Err(err).
			Time("loaded_at", current.LoadedAt).
			Msg("rule refresh failed, serving previous snapshot")
		return current, nil
	}

	next := c.build(rows, now)
	c.snap.Store(next)

	metrics.RuleCacheRefreshes.WithLabelValues("success").Inc()
	metrics.RulesActive.Set(float64(len(next.Rules)))
	c.log.Debug().
		Int("rules", len(next.Rules)).
		Int("invalid", next.Invalid).
		Msg("rule snapshot refreshed")
	return next, nil
}

func (c *Cache) build(rows []storage.RuleRow, now time.Time) *Snapshot {
	snap := &Snapshot{Rules: make([]Rule, 0, len(rows)), LoadedAt: now}
	for _, row := range rows {
		doc, err := dsl.Parse(row.DSL)
		if err != nil {
			snap.Invalid++
			metrics.RulesInvalid.Inc()
			event := c.log.Warn().Str("rule_id", row.ID).Int("rule_version", row.Version)
			var verr *dsl.ValidationError
			if errors.As(err, &verr) {
				event = event.Interface("details", verr.Details)
			}
			event.Err(err).Msg("skipping rule with invalid dsl")
			continue
		}
		if !doc.Enabled {
			continue
		}
		snap.Rules = append(snap.Rules, Rule{
			ID:      row.ID,
			Name:    row.Name,
			Version: row.Version,
			Scope:   rowScope(row, doc.Scope),
			DSL:     doc,
		})
	}
	sort.Slice(snap.Rules, func(i, j int) bool { return snap.Rules[i].ID < snap.Rules[j].ID })
	return snap
}

// rowScope prefers the scope stored on the rule row and falls back to the
// DSL scope when the row does not carry a complete one.
func rowScope(row storage.RuleRow, fallback dsl.Scope) dsl.Scope {
	switch dsl.ScopeKind(row.Scope) {
	case dsl.ScopeDevice:
		if row.DeviceID != "" {
			return dsl.Scope{Kind: dsl.ScopeDevice, DeviceID: row.DeviceID}
		}
	case dsl.ScopeStation:
		if row.StationID != "" {
			return dsl.Scope{Kind: dsl.ScopeStation, StationID: row.StationID}
		}
	case dsl.ScopeGlobal:
		return dsl.Scope{Kind: dsl.ScopeGlobal}
	}
	return fallback
}
