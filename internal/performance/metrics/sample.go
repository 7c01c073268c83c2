// Package metrics records load-test observations and aggregates them into
// per-metric statistics.
//
// The Recorder is the authoritative store used for thresholds and the final
// summary. Live is a lighter HDR-histogram view used for progress output and
// the per-second time series.
package metrics

import (
	"errors"
	"fmt"
	"time"
)

// MetricType is the kind of aggregation a metric uses.
type MetricType int

const (
	// Counter sums every value it receives.
	Counter MetricType = iota

	// Gauge keeps the latest value (plus min and max).
	Gauge

	// Rate tracks the fraction of non-zero values.
	Rate

	// Trend keeps every value for statistical aggregation.
	Trend
)

var metricTypeNames = map[MetricType]string{
	Counter: "counter",
	Gauge:   "gauge",
	Rate:    "rate",
	Trend:   "trend",
}

// String returns the lowercase metric type name.
func (t MetricType) String() string {
	if name, ok := metricTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MetricType(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t MetricType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MetricType) UnmarshalText(b []byte) error {
	for mt, name := range metricTypeNames {
		if name == string(b) {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown metric type %q", b)
}

// ValueType describes what the values of a metric represent.
type ValueType int

const (
	// Default values are plain numbers.
	Default ValueType = iota

	// Time values are durations expressed in milliseconds.
	Time

	// Data values are byte counts.
	Data
)

// String returns the value type name.
func (v ValueType) String() string {
	switch v {
	case Time:
		return "time"
	case Data:
		return "data"
	default:
		return "default"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v ValueType) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *ValueType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "time":
		*v = Time
	case "data":
		*v = Data
	case "default", "":
		*v = Default
	default:
		return fmt.Errorf("unknown value type %q", b)
	}
	return nil
}

// Errors returned by aggregation lookups.
var (
	ErrUnknownMetric    = errors.New("unknown metric")
	ErrUnsupportedStat  = errors.New("unsupported statistic")
	ErrMetricTypeClash  = errors.New("metric already registered with a different type")
	ErrInvalidStatToken = errors.New("invalid statistic")
)

// Metric describes a named series.
type Metric struct {
	Name     string
	Type     MetricType
	Contains ValueType
}

// Tags are the key/value labels attached to a sample.
type Tags map[string]string

// Clone returns a copy of the tag set.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Sample is a single observation of a metric.
type Sample struct {
	Metric *Metric
	Time   time.Time
	Value  float64
	Tags   Tags
}

// DurationToMillis converts a duration to fractional milliseconds, the unit
// every Time metric is stored in.
func DurationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// BoolValue converts a boolean to a Rate value.
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
