package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Sink aggregates the values of a single metric.
//
// Sinks are safe for concurrent use.
type Sink interface {
	// Add folds a value into the aggregate.
	Add(value float64)

	// Count returns the number of values added.
	Count() int64

	// Stat computes a statistic. elapsed is the run time used by per-second
	// rates. Non-count statistics of an empty sink are NaN.
	Stat(s Stat, elapsed time.Duration) (float64, error)

	// clone returns an independent copy for snapshots.
	clone() Sink
}

// NewSink returns an empty sink for the metric type.
func NewSink(t MetricType) Sink {
	switch t {
	case Counter:
		return &CounterSink{}
	case Gauge:
		return &GaugeSink{}
	case Rate:
		return &RateSink{}
	default:
		return &TrendSink{}
	}
}

func unsupported(t MetricType, s Stat) error {
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedStat, s, t)
}

// CounterSink sums values.
type CounterSink struct {
	mu    sync.Mutex
	sum   float64
	count int64
}

func (c *CounterSink) Add(value float64) {
	c.mu.Lock()
	c.sum += value
	c.count++
	c.mu.Unlock()
}

func (c *CounterSink) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Stat supports "count" (the sum of values) and "rate" (sum per second).
func (c *CounterSink) Stat(s Stat, elapsed time.Duration) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s.Name {
	case StatCount:
		return c.sum, nil
	case StatRate:
		if c.count == 0 || elapsed <= 0 {
			return math.NaN(), nil
		}
		return c.sum / elapsed.Seconds(), nil
	}
	return 0, unsupported(Counter, s)
}

func (c *CounterSink) clone() Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &CounterSink{sum: c.sum, count: c.count}
}

// GaugeSink keeps the latest value along with its extremes and mean.
type GaugeSink struct {
	mu       sync.Mutex
	value    float64
	min, max float64
	sum      float64
	count    int64
}

func (g *GaugeSink) Add(value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count == 0 || value < g.min {
		g.min = value
	}
	if g.count == 0 || value > g.max {
		g.max = value
	}
	g.value = value
	g.sum += value
	g.count++
}

func (g *GaugeSink) Count() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

func (g *GaugeSink) Stat(s Stat, _ time.Duration) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !Supports(Gauge, s) {
		return 0, unsupported(Gauge, s)
	}
	if g.count == 0 {
		return math.NaN(), nil
	}
	switch s.Name {
	case StatMin:
		return g.min, nil
	case StatMax:
		return g.max, nil
	case StatAvg:
		return g.sum / float64(g.count), nil
	default:
		return g.value, nil
	}
}

func (g *GaugeSink) clone() Sink {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &GaugeSink{value: g.value, min: g.min, max: g.max, sum: g.sum, count: g.count}
}

// RateSink tracks how many values were non-zero.
type RateSink struct {
	mu    sync.Mutex
	trues int64
	total int64
}

func (r *RateSink) Add(value float64) {
	r.mu.Lock()
	r.total++
	if value != 0 {
		r.trues++
	}
	r.mu.Unlock()
}

func (r *RateSink) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *RateSink) Stat(s Stat, _ time.Duration) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch s.Name {
	case StatPasses:
		return float64(r.trues), nil
	case StatFails:
		return float64(r.total - r.trues), nil
	case StatCount:
		return float64(r.total), nil
	case StatRate:
		if r.total == 0 {
			return math.NaN(), nil
		}
		return float64(r.trues) / float64(r.total), nil
	}
	return 0, unsupported(Rate, s)
}

func (r *RateSink) clone() Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &RateSink{trues: r.trues, total: r.total}
}

// TrendSink retains every value in arrival order.
//
// Percentiles use the nearest-rank method: for n sorted values, p(N) is the
// value at 1-based rank ceil(N/100 * n), and p(0) is the minimum. The result
// is always an observed value, so repeated aggregation of the same data is
// reproducible.
type TrendSink struct {
	mu       sync.Mutex
	values   []float64
	sorted   []float64
	sum      float64
	min, max float64
}

func (t *TrendSink) Add(value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.values) == 0 || value < t.min {
		t.min = value
	}
	if len(t.values) == 0 || value > t.max {
		t.max = value
	}
	t.values = append(t.values, value)
	t.sum += value
	t.sorted = nil
}

func (t *TrendSink) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.values))
}

// Values returns a copy of the values in arrival order.
func (t *TrendSink) Values() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float64, len(t.values))
	copy(out, t.values)
	return out
}

func (t *TrendSink) Stat(s Stat, _ time.Duration) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !Supports(Trend, s) {
		return 0, unsupported(Trend, s)
	}

	n := len(t.values)
	if s.Name == StatCount {
		return float64(n), nil
	}
	if n == 0 {
		return math.NaN(), nil
	}

	switch s.Name {
	case StatSum:
		return t.sum, nil
	case StatMin:
		return t.min, nil
	case StatMax:
		return t.max, nil
	case StatAvg:
		return t.sum / float64(n), nil
	case StatMed:
		return nearestRank(t.sortedLocked(), 50), nil
	default:
		return nearestRank(t.sortedLocked(), s.Percentile), nil
	}
}

// sortedLocked returns the cached sorted copy, rebuilding it after writes.
func (t *TrendSink) sortedLocked() []float64 {
	if t.sorted == nil {
		t.sorted = make([]float64, len(t.values))
		copy(t.sorted, t.values)
		sort.Float64s(t.sorted)
	}
	return t.sorted
}

func (t *TrendSink) clone() Sink {
	t.mu.Lock()
	defer t.mu.Unlock()

	values := make([]float64, len(t.values))
	copy(values, t.values)
	return &TrendSink{values: values, sum: t.sum, min: t.min, max: t.max}
}

// nearestRank returns the p-th percentile of an ascending slice.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sorted[0]
	}
	rank := int(math.Ceil(p * float64(n) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
