// Package summary builds the end-of-run report handed to reporters.
package summary

import (
	"math"
	"sort"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

// Reporter consumes a finished run's summary.
type Reporter interface {
	Report(s *Summary) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(s *Summary) error

// Report implements Reporter.
func (f ReporterFunc) Report(s *Summary) error { return f(s) }

// Summary is the final aggregate snapshot of a run.
type Summary struct {
	RunID     string        `json:"runId"`
	Name      string        `json:"name"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	// Passed is the run status: every threshold passed, no iteration
	// crashed and the run was not aborted.
	Passed      bool   `json:"passed"`
	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abortReason,omitempty"`

	Iterations      int64 `json:"iterations"`
	IterationErrors int64 `json:"iterationErrors"`

	Checks     CheckTotals            `json:"checks"`
	Metrics    map[string]Metric      `json:"metrics"`
	Thresholds []Threshold            `json:"thresholds,omitempty"`
	TimeSeries []*metrics.TimeBucket  `json:"timeSeries,omitempty"`
	Live       *metrics.LiveStats     `json:"live,omitempty"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

// Metric is the computed statistics of one series. Statistics that are
// undefined for the observations (NaN) are left out of Values.
type Metric struct {
	Type     metrics.MetricType `json:"type"`
	Contains metrics.ValueType  `json:"contains"`
	Count    int64              `json:"count"`
	Values   map[string]float64 `json:"values"`
}

// Value returns a statistic and whether it is defined.
func (m Metric) Value(stat string) (float64, bool) {
	v, ok := m.Values[stat]
	return v, ok
}

// Threshold is the JSON-friendly form of a threshold result.
type Threshold struct {
	Metric      string   `json:"metric"`
	Expression  string   `json:"expression"`
	OK          bool     `json:"ok"`
	Actual      *float64 `json:"actual,omitempty"`
	Vacuous     bool     `json:"vacuous,omitempty"`
	AbortOnFail bool     `json:"abortOnFail,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// Input collects what Build needs.
type Input struct {
	RunID      string
	Name       string
	StartTime  time.Time
	EndTime    time.Time
	Snapshot   *metrics.Snapshot
	Thresholds threshold.Report
	Checks     *CheckTally

	// TrendStats are computed for every trend in addition to the fixed set.
	TrendStats []string

	Aborted     bool
	AbortReason string

	TimeSeries []*metrics.TimeBucket
	Live       *metrics.LiveStats
	Options    map[string]interface{}
}

// Stats computed for every trend, whatever the display configuration.
var baseTrendStats = []string{"count", "avg", "min", "med", "max", "p(90)", "p(95)", "p(99)"}

// Build computes the summary from a final snapshot.
func Build(in Input) *Summary {
	s := &Summary{
		RunID:       in.RunID,
		Name:        in.Name,
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
		Duration:    in.EndTime.Sub(in.StartTime),
		Aborted:     in.Aborted,
		AbortReason: in.AbortReason,
		Metrics:     make(map[string]Metric),
		TimeSeries:  in.TimeSeries,
		Live:        in.Live,
		Options:     in.Options,
	}

	if in.Snapshot != nil {
		for _, name := range in.Snapshot.Names() {
			s.Metrics[name] = buildMetric(in.Snapshot.Metrics[name], in.Snapshot.Elapsed, in.TrendStats)
		}
	}

	if m, ok := s.Metrics[metrics.Iterations]; ok {
		s.Iterations = int64(m.Values["count"])
	}
	if m, ok := s.Metrics[metrics.IterationErrors]; ok {
		s.IterationErrors = int64(m.Values["count"])
	}

	if in.Checks != nil {
		s.Checks = in.Checks.Totals()
	}

	for _, r := range in.Thresholds.Results {
		t := Threshold{
			Metric:      r.Metric,
			Expression:  r.Expression,
			OK:          r.Passed,
			Vacuous:     r.Vacuous,
			AbortOnFail: r.AbortOnFail,
			Message:     r.Message,
		}
		if !r.Vacuous && !math.IsNaN(r.Actual) && !math.IsInf(r.Actual, 0) {
			actual := r.Actual
			t.Actual = &actual
		}
		s.Thresholds = append(s.Thresholds, t)
	}

	s.Passed = in.Thresholds.Passed && s.IterationErrors == 0 && !in.Aborted
	return s
}

func buildMetric(ms *metrics.MetricSnapshot, elapsed time.Duration, trendStats []string) Metric {
	m := Metric{
		Type:     ms.Type,
		Contains: ms.Contains,
		Count:    ms.Count(),
		Values:   make(map[string]float64),
	}

	var stats []string
	switch ms.Type {
	case metrics.Trend:
		stats = append(append(stats, baseTrendStats...), trendStats...)
	case metrics.Counter:
		stats = []string{"count", "rate"}
	case metrics.Rate:
		stats = []string{"rate", "passes", "fails"}
	case metrics.Gauge:
		stats = []string{"value", "min", "max"}
	}

	for _, name := range stats {
		st, err := metrics.ParseStat(name)
		if err != nil {
			continue
		}
		v, err := ms.Stat(st, elapsed)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		m.Values[st.String()] = v
	}
	return m
}

// MetricNames returns the metric names in display order.
func (s *Summary) MetricNames() []string {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailedThresholds returns the thresholds that did not pass.
func (s *Summary) FailedThresholds() []Threshold {
	var out []Threshold
	for _, t := range s.Thresholds {
		if !t.OK {
			out = append(out, t)
		}
	}
	return out
}
