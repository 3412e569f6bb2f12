// Package state holds the in-memory per-key evaluation state of the worker:
// rule windows of condition outcomes and per-device raw sensor history.
package state

import (
	"sync"
	"time"

	"vigil/internal/dsl"
	"vigil/internal/metrics"
)

// Key identifies one rule window.
type Key struct {
	RuleID   string
	DeviceID string
}

// Point is one condition outcome in a rule window.
type Point struct {
	At   time.Time `json:"ts"`
	Held bool      `json:"held"`
}

// WindowStore keeps the rule window for every (rule, device) seen since
// start. Keys are never removed; each window is bounded by maxPoints.
type WindowStore struct {
	mu        sync.Mutex
	maxPoints int
	windows   map[Key][]Point
}

// NewWindowStore creates a store whose windows never exceed maxPoints.
func NewWindowStore(maxPoints int) *WindowStore {
	if maxPoints < 1 {
		maxPoints = 1
	}
	return &WindowStore{
		maxPoints: maxPoints,
		windows:   make(map[Key][]Point),
	}
}

// Record appends the outcome at time at to the window for key, trims it
// under w and returns a copy of the result. A point with the same timestamp
// as the newest one replaces it, so a redelivered message is not counted
// twice.
func (s *WindowStore) Record(key Key, w *dsl.Window, at time.Time, held bool) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	points, existed := s.windows[key]
	p := Point{At: at, Held: held}
	if n := len(points); n > 0 && points[n-1].At.Equal(at) {
		points[n-1] = p
	} else {
		points = append(points, p)
	}
	points = Trim(points, w, at, s.maxPoints)
	s.windows[key] = points

	if !existed {
		metrics.WindowKeys.Set(float64(len(s.windows)))
	}

	out := make([]Point, len(points))
	copy(out, points)
	return out
}

// Window returns a copy of the current window for key.
func (s *WindowStore) Window(key Key) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := s.windows[key]
	out := make([]Point, len(points))
	copy(out, points)
	return out
}

// Len returns the number of tracked keys.
func (s *WindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Trim applies the window policy relative to now and then the hard cap.
// Without a window only the newest point is kept. Trim is idempotent.
func Trim(points []Point, w *dsl.Window, now time.Time, maxPoints int) []Point {
	switch {
	case w == nil:
		if len(points) > 1 {
			points = points[len(points)-1:]
		}
	case w.Kind == dsl.WindowDuration:
		cutoff := now.Add(-w.Span())
		drop := 0
		for drop < len(points) && points[drop].At.Before(cutoff) {
			drop++
		}
		points = points[drop:]
	case w.Kind == dsl.WindowPoints:
		if len(points) > w.Points {
			points = points[len(points)-w.Points:]
		}
	}
	if maxPoints > 0 && len(points) > maxPoints {
		points = points[len(points)-maxPoints:]
	}
	return points
}

// Ready reports whether the window holds enough points to decide.
func Ready(points []Point, w *dsl.Window) bool {
	switch {
	case w == nil:
		return len(points) > 0
	case w.Kind == dsl.WindowDuration:
		return len(points) >= w.MinPoints
	case w.Kind == dsl.WindowPoints:
		return len(points) >= w.Points
	default:
		return len(points) > 0
	}
}

// Triggered reports whether every point in a non-empty window held.
func Triggered(points []Point) bool {
	if len(points) == 0 {
		return false
	}
	for _, p := range points {
		if !p.Held {
			return false
		}
	}
	return true
}
