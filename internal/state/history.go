package state

import (
	"sync"
	"time"

	"vigil/internal/dsl"
	"vigil/internal/eval"
	"vigil/internal/models"
)

type sensorKey struct {
	deviceID string
	sensor   string
}

// SensorHistory keeps the recent numeric readings of every (device, sensor)
// pair. It backs the per-metric windows of MetricLeaf conditions.
type SensorHistory struct {
	mu        sync.Mutex
	maxPoints int
	maxAge    time.Duration
	series    map[sensorKey][]eval.Sample
}

// NewSensorHistory bounds each series to maxPoints samples no older than
// maxAge. A zero bound is unlimited.
func NewSensorHistory(maxPoints int, maxAge time.Duration) *SensorHistory {
	return &SensorHistory{
		maxPoints: maxPoints,
		maxAge:    maxAge,
		series:    make(map[sensorKey][]eval.Sample),
	}
}

// Record stores every numeric metric of one telemetry event at time at.
// Non-numeric values are skipped. A sample with the same timestamp as the
// newest one replaces it.
func (h *SensorHistory) Record(deviceID string, at time.Time, metrics map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name := range metrics {
		v, ok := models.NumericValue(metrics, name)
		if !ok {
			continue
		}
		k := sensorKey{deviceID: deviceID, sensor: name}
		samples := h.series[k]
		s := eval.Sample{At: at, Value: v}
		if n := len(samples); n > 0 && samples[n-1].At.Equal(at) {
			samples[n-1] = s
		} else {
			samples = append(samples, s)
		}
		h.series[k] = h.bound(samples, at)
	}
}

func (h *SensorHistory) bound(samples []eval.Sample, now time.Time) []eval.Sample {
	if h.maxAge > 0 {
		cutoff := now.Add(-h.maxAge)
		drop := 0
		for drop < len(samples) && samples[drop].At.Before(cutoff) {
			drop++
		}
		samples = samples[drop:]
	}
	if h.maxPoints > 0 && len(samples) > h.maxPoints {
		samples = samples[len(samples)-h.maxPoints:]
	}
	return samples
}

// Lookup returns a SeriesLookup for one device evaluated at now. A minutes
// window keeps samples no older than now minus the span, a points window
// keeps the newest N, and a nil window returns the whole retained series.
func (h *SensorHistory) Lookup(deviceID string, now time.Time) eval.SeriesLookup {
	return func(sensor string, w *dsl.MetricWindow) []eval.Sample {
		h.mu.Lock()
		defer h.mu.Unlock()

		samples := h.series[sensorKey{deviceID: deviceID, sensor: sensor}]
		switch {
		case w == nil:
		case w.Minutes > 0:
			cutoff := now.Add(-time.Duration(w.Minutes) * time.Minute)
			drop := 0
			for drop < len(samples) && samples[drop].At.Before(cutoff) {
				drop++
			}
			samples = samples[drop:]
		case w.Points > 0:
			if len(samples) > w.Points {
				samples = samples[len(samples)-w.Points:]
			}
		}
		out := make([]eval.Sample, len(samples))
		copy(out, samples)
		return out
	}
}
