package dsl

// Condition is a node of the condition tree. The set of implementations is
// closed: And, Or, Not, SensorLeaf and MetricLeaf.
type Condition interface {
	condition()
}

// And holds when every item holds.
type And struct {
	Items []Condition
}

// Or holds when any item holds.
type Or struct {
	Items []Condition
}

// Not negates its item.
type Not struct {
	Item Condition
}

// SensorLeaf compares the instantaneous value of one sensor.
type SensorLeaf struct {
	SensorKey string
	Operator  Operator
	Threshold Threshold
}

// MetricLeaf compares an aggregate over a per-metric window of raw samples.
type MetricLeaf struct {
	Metric    MetricRef
	Operator  Operator
	Threshold Threshold
}

func (And) condition()        {}
func (Or) condition()         {}
func (Not) condition()        {}
func (SensorLeaf) condition() {}
func (MetricLeaf) condition() {}

// Operator is a leaf comparison.
type Operator string

const (
	OpGT      Operator = ">"
	OpGTE     Operator = ">="
	OpLT      Operator = "<"
	OpLTE     Operator = "<="
	OpEQ      Operator = "=="
	OpNEQ     Operator = "!="
	OpBetween Operator = "between"
)

// IsValid reports whether op is a supported operator.
func (op Operator) IsValid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ, OpBetween:
		return true
	default:
		return false
	}
}

// Threshold holds Value for binary operators and Min/Max for between.
type Threshold struct {
	Value float64
	Min   float64
	Max   float64
}

// Compare applies op to v. between is inclusive on both ends.
func (op Operator) Compare(v float64, t Threshold) bool {
	switch op {
	case OpGT:
		return v > t.Value
	case OpGTE:
		return v >= t.Value
	case OpLT:
		return v < t.Value
	case OpLTE:
		return v <= t.Value
	case OpEQ:
		return v == t.Value
	case OpNEQ:
		return v != t.Value
	case OpBetween:
		return v >= t.Min && v <= t.Max
	default:
		return false
	}
}

// Aggregation reduces a series of samples to one value.
type Aggregation string

const (
	AggLast  Aggregation = "last"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggAvg   Aggregation = "avg"
	AggDelta Aggregation = "delta"
	AggSlope Aggregation = "slope"
)

// IsValid reports whether agg is a supported aggregation.
func (agg Aggregation) IsValid() bool {
	switch agg {
	case AggLast, AggMin, AggMax, AggAvg, AggDelta, AggSlope:
		return true
	default:
		return false
	}
}

// MetricRef names the sensor and aggregation of a MetricLeaf.
type MetricRef struct {
	SensorKey string
	Agg       Aggregation
	Window    *MetricWindow
}

// MetricWindow bounds the raw samples an aggregate is computed over. At most
// one of Minutes and Points is set; a nil window means all retained samples.
type MetricWindow struct {
	Minutes int
	Points  int
}

// Walk visits the tree in pre-order until fn returns false.
func Walk(c Condition, fn func(Condition) bool) bool {
	if c == nil {
		return true
	}
	if !fn(c) {
		return false
	}
	switch n := c.(type) {
	case And:
		for _, item := range n.Items {
			if !Walk(item, fn) {
				return false
			}
		}
	case Or:
		for _, item := range n.Items {
			if !Walk(item, fn) {
				return false
			}
		}
	case Not:
		return Walk(n.Item, fn)
	}
	return true
}

// FirstSensorLeaf returns the first SensorLeaf in pre-order.
func FirstSensorLeaf(c Condition) (SensorLeaf, bool) {
	var (
		leaf  SensorLeaf
		found bool
	)
	Walk(c, func(n Condition) bool {
		if s, ok := n.(SensorLeaf); ok {
			leaf, found = s, true
			return false
		}
		return true
	})
	return leaf, found
}
