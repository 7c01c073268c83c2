package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Recorder is the per-run metric registry.
//
// # Thread Safety
//
// Record may be called from any number of goroutines. Each Record holds the
// registry read lock while it updates a sink, and Snapshot takes the write
// lock, so a snapshot never observes a half-applied Record.
type Recorder struct {
	mu     sync.RWMutex
	series map[string]*series

	subscribers []func(Sample)

	timeMu  sync.RWMutex
	started time.Time
	stopped time.Time

	now func() time.Time
}

type series struct {
	metric *Metric
	sink   Sink
}

// NewRecorder creates a Recorder holding the built-in metrics.
func NewRecorder() *Recorder {
	r := &Recorder{
		series: make(map[string]*series, len(Builtins)),
		now:    time.Now,
	}
	for _, m := range Builtins {
		m := m
		r.series[m.Name] = &series{metric: &m, sink: NewSink(m.Type)}
	}
	return r
}

// Register adds a metric. Registering an existing name with the same type is
// a no-op; a different type is an error.
func (r *Recorder) Register(name string, t MetricType, contains ValueType) (*Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.series[name]; ok {
		if s.metric.Type != t {
			return nil, fmt.Errorf("%w: %s is a %s", ErrMetricTypeClash, name, s.metric.Type)
		}
		return s.metric, nil
	}

	m := &Metric{Name: name, Type: t, Contains: contains}
	r.series[name] = &series{metric: m, sink: NewSink(t)}
	return m, nil
}

// Subscribe attaches fn to every future sample. Subscribers run on the
// recording goroutine after the sample has been aggregated and must not
// block. Subscribe before the run starts.
func (r *Recorder) Subscribe(fn func(Sample)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// Record adds an observation. An unknown name is registered as a Trend.
// NaN and infinite values are dropped. Record never fails.
func (r *Recorder) Record(name string, value float64, tags Tags) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	r.mu.RLock()
	s, ok := r.series[name]
	if !ok {
		r.mu.RUnlock()
		if _, err := r.Register(name, Trend, Default); err != nil {
			return
		}
		r.mu.RLock()
		s = r.series[name]
	}
	s.sink.Add(value)
	subs := r.subscribers
	r.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	sample := Sample{Metric: s.metric, Time: r.now(), Value: value, Tags: tags}
	for _, fn := range subs {
		fn(sample)
	}
}

// RecordDuration records d in milliseconds.
func (r *Recorder) RecordDuration(name string, d time.Duration, tags Tags) {
	r.Record(name, DurationToMillis(d), tags)
}

// Start marks the beginning of the run for rate calculations.
func (r *Recorder) Start() {
	r.timeMu.Lock()
	r.started = r.now()
	r.stopped = time.Time{}
	r.timeMu.Unlock()
}

// Stop freezes the elapsed time used for rates.
func (r *Recorder) Stop() {
	r.timeMu.Lock()
	if r.stopped.IsZero() {
		r.stopped = r.now()
	}
	r.timeMu.Unlock()
}

// Elapsed is the time between Start and Stop, or until now while running.
func (r *Recorder) Elapsed() time.Duration {
	r.timeMu.RLock()
	defer r.timeMu.RUnlock()

	if r.started.IsZero() {
		return 0
	}
	if !r.stopped.IsZero() {
		return r.stopped.Sub(r.started)
	}
	return r.now().Sub(r.started)
}

// Metric returns the definition for name.
func (r *Recorder) Metric(name string) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.series[name]
	if !ok {
		return Metric{}, false
	}
	return *s.metric, true
}

// Aggregate computes stat over the named series. Non-count statistics of an
// empty series are NaN.
func (r *Recorder) Aggregate(name, stat string) (float64, error) {
	st, err := ParseStat(stat)
	if err != nil {
		return 0, err
	}
	return r.AggregateStat(name, st)
}

// AggregateStat is Aggregate with a parsed Stat.
func (r *Recorder) AggregateStat(name string, st Stat) (float64, error) {
	elapsed := r.Elapsed()

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.series[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return s.sink.Stat(st, elapsed)
}

// Snapshot returns a consistent copy of every series.
func (r *Recorder) Snapshot() *Snapshot {
	elapsed := r.Elapsed()

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		Taken:   r.now(),
		Elapsed: elapsed,
		Metrics: make(map[string]*MetricSnapshot, len(r.series)),
	}
	for name, s := range r.series {
		snap.Metrics[name] = &MetricSnapshot{Metric: *s.metric, sink: s.sink.clone()}
	}
	return snap
}

// Snapshot is an immutable view of a Recorder at one instant.
type Snapshot struct {
	Taken   time.Time
	Elapsed time.Duration
	Metrics map[string]*MetricSnapshot
}

// MetricSnapshot is a frozen series.
type MetricSnapshot struct {
	Metric
	sink Sink
}

// Count returns the number of observations.
func (m *MetricSnapshot) Count() int64 {
	return m.sink.Count()
}

// Empty reports whether the series has no observations.
func (m *MetricSnapshot) Empty() bool {
	return m.sink.Count() == 0
}

// Stat computes st using elapsed for per-second rates.
func (m *MetricSnapshot) Stat(st Stat, elapsed time.Duration) (float64, error) {
	return m.sink.Stat(st, elapsed)
}

// Names returns the metric names in lexical order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregate computes stat over the frozen series.
func (s *Snapshot) Aggregate(name, stat string) (float64, error) {
	st, err := ParseStat(stat)
	if err != nil {
		return 0, err
	}
	return s.AggregateStat(name, st)
}

// AggregateStat is Aggregate with a parsed Stat.
func (s *Snapshot) AggregateStat(name string, st Stat) (float64, error) {
	m, ok := s.Metrics[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return m.sink.Stat(st, s.Elapsed)
}
