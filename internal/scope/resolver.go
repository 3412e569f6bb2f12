// Package scope resolves the station a device belongs to, with a short TTL
// cache in front of the device registry.
package scope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"vigil/internal/metrics"
)

// DefaultCapacity bounds the number of cached devices. The least recently
// used entry is evicted past it.
const DefaultCapacity = 100_000

// StationLookup reads the device registry. An unknown device, or one without
// a station, returns an empty stationID and a nil error.
type StationLookup interface {
	StationForDevice(ctx context.Context, deviceID string) (string, error)
}

// Entry is one cached resolution.
type Entry struct {
	DeviceID  string
	StationID string
	ExpiresAt time.Time
}

// Resolver caches StationLookup results for a fixed TTL. Expired entries are
// evicted in the background until Close.
type Resolver struct {
	lookup    StationLookup
	cache     *ttlcache.Cache[string, Entry]
	closeOnce sync.Once
}

// NewResolver creates a resolver over lookup holding at most capacity
// devices. A non-positive capacity means DefaultCapacity.
func NewResolver(lookup StationLookup, ttl time.Duration, capacity int) *Resolver {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache := ttlcache.New[string, Entry](
		ttlcache.WithTTL[string, Entry](ttl),
		ttlcache.WithCapacity[string, Entry](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[string, Entry](),
	)
	go cache.Start()
	return &Resolver{lookup: lookup, cache: cache}
}

// Resolve returns the device's scope entry. A failed lookup is returned to
// the caller and nothing is cached.
func (r *Resolver) Resolve(ctx context.Context, deviceID string) (Entry, error) {
	if item := r.cache.Get(deviceID); item != nil {
		metrics.ScopeLookups.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}

	stationID, err := r.lookup.StationForDevice(ctx, deviceID)
	if err != nil {
		metrics.ScopeLookups.WithLabelValues("error").Inc()
		return Entry{}, fmt.Errorf("resolve station for device %s: %w", deviceID, err)
	}
	metrics.ScopeLookups.WithLabelValues("miss").Inc()

	entry := Entry{DeviceID: deviceID, StationID: stationID}
	item := r.cache.Set(deviceID, entry, ttlcache.DefaultTTL)
	entry.ExpiresAt = item.ExpiresAt()
	return entry, nil
}

// Len returns the number of cached entries not yet evicted.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Close stops background eviction. It is safe to call more than once.
func (r *Resolver) Close() {
	r.closeOnce.Do(r.cache.Stop)
}
