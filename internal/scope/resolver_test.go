package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	mu       sync.Mutex
	stations map[string]string
	err      error
	calls    int
}

func (f *fakeLookup) StationForDevice(_ context.Context, deviceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.stations[deviceID], nil
}

func (f *fakeLookup) set(deviceID, stationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stations[deviceID] = stationID
}

func (f *fakeLookup) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestResolver(t *testing.T, lookup StationLookup, ttl time.Duration, capacity int) *Resolver {
	t.Helper()
	r := NewResolver(lookup, ttl, capacity)
	t.Cleanup(r.Close)
	return r
}

func TestResolveCachesForTTL(t *testing.T) {
	lookup := &fakeLookup{stations: map[string]string{"d1": "st-1"}}
	r := newTestResolver(t, lookup, 50*time.Millisecond, 0)
	ctx := context.Background()

	entry, err := r.Resolve(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "st-1", entry.StationID)
	assert.False(t, entry.ExpiresAt.IsZero())

	_, err = r.Resolve(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.callCount())

	lookup.set("d1", "st-2")
	assert.Eventually(t, func() bool {
		entry, err := r.Resolve(ctx, "d1")
		return err == nil && entry.StationID == "st-2"
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, lookup.callCount(), 2)
}

func TestResolveEvictsExpiredEntries(t *testing.T) {
	lookup := &fakeLookup{stations: map[string]string{}}
	r := newTestResolver(t, lookup, 20*time.Millisecond, 0)

	for i := 0; i < 10; i++ {
		_, err := r.Resolve(context.Background(), fmt.Sprintf("d%d", i))
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestResolveRespectsCapacity(t *testing.T) {
	lookup := &fakeLookup{stations: map[string]string{}}
	r := newTestResolver(t, lookup, time.Hour, 3)

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(context.Background(), fmt.Sprintf("d%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.Len())
}

func TestResolveUnknownDeviceIsStationless(t *testing.T) {
	lookup := &fakeLookup{stations: map[string]string{}}
	r := newTestResolver(t, lookup, time.Minute, 0)

	entry, err := r.Resolve(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, entry.StationID)
	assert.Equal(t, 1, r.Len())
}

func TestResolvePropagatesLookupFailure(t *testing.T) {
	boom := errors.New("registry unavailable")
	lookup := &fakeLookup{err: boom}
	r := newTestResolver(t, lookup, time.Minute, 0)

	_, err := r.Resolve(context.Background(), "d1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.Len())

	lookup.err = nil
	lookup.stations = map[string]string{"d1": "st-1"}
	entry, err := r.Resolve(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "st-1", entry.StationID)
}
