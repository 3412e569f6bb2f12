// Package eval evaluates a condition tree with three-valued logic.
package eval

import (
	"strconv"
	"strings"
	"time"

	"vigil/internal/dsl"
	"vigil/internal/models"
)

// Result is the tri-state outcome of a condition.
type Result int8

const (
	False Result = iota
	True
	Indeterminate
)

func (r Result) String() string {
	switch r {
	case False:
		return "false"
	case True:
		return "true"
	default:
		return "indeterminate"
	}
}

// Sample is one raw reading of a sensor.
type Sample struct {
	At    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// SeriesLookup returns the ordered samples for sensorKey bounded by w. A nil
// window means every retained sample.
type SeriesLookup func(sensorKey string, w *dsl.MetricWindow) []Sample

// Evaluate computes c against the instantaneous metrics and the windowed
// series. And stops at the first False child and Or at the first True child.
func Evaluate(c dsl.Condition, metrics map[string]any, series SeriesLookup) Result {
	switch n := c.(type) {
	case dsl.And:
		out := True
		for _, item := range n.Items {
			switch Evaluate(item, metrics, series) {
			case False:
				return False
			case Indeterminate:
				out = Indeterminate
			}
		}
		return out
	case dsl.Or:
		out := False
		for _, item := range n.Items {
			switch Evaluate(item, metrics, series) {
			case True:
				return True
			case Indeterminate:
				out = Indeterminate
			}
		}
		return out
	case dsl.Not:
		switch Evaluate(n.Item, metrics, series) {
		case True:
			return False
		case False:
			return True
		default:
			return Indeterminate
		}
	case dsl.SensorLeaf:
		v, ok := models.NumericValue(metrics, n.SensorKey)
		if !ok {
			return Indeterminate
		}
		return compare(n.Operator, v, n.Threshold)
	case dsl.MetricLeaf:
		v, ok := metricValue(n.Metric, series)
		if !ok {
			return Indeterminate
		}
		return compare(n.Operator, v, n.Threshold)
	default:
		return Indeterminate
	}
}

func compare(op dsl.Operator, v float64, t dsl.Threshold) Result {
	if op.Compare(v, t) {
		return True
	}
	return False
}

func metricValue(ref dsl.MetricRef, series SeriesLookup) (float64, bool) {
	if series == nil {
		return 0, false
	}
	return Aggregate(ref.Agg, series(ref.SensorKey, ref.Window))
}

// Aggregate reduces samples with agg. It reports false for an empty series
// and for a slope whose elapsed time is not positive.
func Aggregate(agg dsl.Aggregation, samples []Sample) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	first, last := samples[0], samples[len(samples)-1]

	switch agg {
	case dsl.AggLast:
		return last.Value, true
	case dsl.AggMin:
		m := first.Value
		for _, s := range samples[1:] {
			if s.Value < m {
				m = s.Value
			}
		}
		return m, true
	case dsl.AggMax:
		m := first.Value
		for _, s := range samples[1:] {
			if s.Value > m {
				m = s.Value
			}
		}
		return m, true
	case dsl.AggAvg:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return sum / float64(len(samples)), true
	case dsl.AggDelta:
		return last.Value - first.Value, true
	case dsl.AggSlope:
		elapsed := last.At.Sub(first.At).Minutes()
		if elapsed <= 0 {
			return 0, false
		}
		return (last.Value - first.Value) / elapsed, true
	default:
		return 0, false
	}
}

// Explain renders c with the value and outcome of every node, for example
// "(vibration=120 > 100 -> true)". Unlike Evaluate it visits every child.
func Explain(c dsl.Condition, metrics map[string]any, series SeriesLookup) string {
	var b strings.Builder
	explain(&b, c, metrics, series)
	return b.String()
}

func explain(b *strings.Builder, c dsl.Condition, metrics map[string]any, series SeriesLookup) {
	switch n := c.(type) {
	case dsl.And:
		explainGroup(b, "AND", n.Items, metrics, series)
	case dsl.Or:
		explainGroup(b, "OR", n.Items, metrics, series)
	case dsl.Not:
		b.WriteString("NOT ")
		explain(b, n.Item, metrics, series)
		b.WriteString(" -> ")
		b.WriteString(Evaluate(n, metrics, series).String())
	case dsl.SensorLeaf:
		v, ok := models.NumericValue(metrics, n.SensorKey)
		explainLeaf(b, n.SensorKey, v, ok, n.Operator, n.Threshold)
	case dsl.MetricLeaf:
		v, ok := metricValue(n.Metric, series)
		label := string(n.Metric.Agg) + "(" + n.Metric.SensorKey + windowLabel(n.Metric.Window) + ")"
		explainLeaf(b, label, v, ok, n.Operator, n.Threshold)
	default:
		b.WriteString("(?)")
	}
}

func explainGroup(b *strings.Builder, name string, items []dsl.Condition, metrics map[string]any, series SeriesLookup) {
	b.WriteString(name)
	b.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		explain(b, item, metrics, series)
	}
	b.WriteString("] -> ")
	var group dsl.Condition = dsl.And{Items: items}
	if name == "OR" {
		group = dsl.Or{Items: items}
	}
	b.WriteString(Evaluate(group, metrics, series).String())
}

func explainLeaf(b *strings.Builder, label string, v float64, ok bool, op dsl.Operator, t dsl.Threshold) {
	b.WriteByte('(')
	b.WriteString(label)
	b.WriteByte('=')
	result := Indeterminate
	if ok {
		b.WriteString(FormatValue(v))
		result = compare(op, v, t)
	} else {
		b.WriteByte('?')
	}
	b.WriteByte(' ')
	b.WriteString(string(op))
	b.WriteByte(' ')
	if op == dsl.OpBetween {
		b.WriteString("[" + FormatValue(t.Min) + "," + FormatValue(t.Max) + "]")
	} else {
		b.WriteString(FormatValue(t.Value))
	}
	b.WriteString(" -> ")
	b.WriteString(result.String())
	b.WriteByte(')')
}

func windowLabel(w *dsl.MetricWindow) string {
	switch {
	case w == nil:
		return ""
	case w.Minutes > 0:
		return "," + strconv.Itoa(w.Minutes) + "m"
	default:
		return "," + strconv.Itoa(w.Points) + "pts"
	}
}

// FormatValue prints v with the fewest digits that round-trip.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
