package threshold

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Threshold binds an expression to a metric.
type Threshold struct {
	Metric string
	Expression

	// AbortOnFail stops the run as soon as the threshold is breached during
	// continuous evaluation.
	AbortOnFail bool

	// DelayAbortEval postpones abort decisions until the run is this old.
	DelayAbortEval time.Duration
}

// New parses expr for metric.
func New(metric, expr string) (*Threshold, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return &Threshold{Metric: metric, Expression: e}, nil
}

// Result is the outcome of one threshold.
type Result struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Passed     bool    `json:"passed"`
	Actual     float64 `json:"actual"`

	// Vacuous is set when the metric had no observations. Such thresholds
	// pass.
	Vacuous bool   `json:"vacuous,omitempty"`
	Message string `json:"message,omitempty"`

	AbortOnFail bool `json:"abortOnFail,omitempty"`
}

// Report is the outcome of every threshold of a run.
type Report struct {
	Results []Result `json:"results"`
	Passed  bool     `json:"passed"`
}

// Failed returns the results that did not pass.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Evaluator checks a fixed set of thresholds against metric snapshots.
type Evaluator struct {
	thresholds []*Threshold
	logger     *zap.Logger
}

// NewEvaluator creates an evaluator. A nil logger discards output.
func NewEvaluator(thresholds []*Threshold, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{thresholds: thresholds, logger: logger}
}

// Thresholds returns the configured thresholds.
func (e *Evaluator) Thresholds() []*Threshold {
	return e.thresholds
}

// Evaluate checks every threshold against snap. The report passes only when
// every threshold passes; an empty set passes.
func (e *Evaluator) Evaluate(snap *metrics.Snapshot) Report {
	report := Report{Passed: true, Results: make([]Result, 0, len(e.thresholds))}
	for _, t := range e.thresholds {
		res := e.evaluateOne(t, snap)
		if !res.Passed {
			report.Passed = false
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (e *Evaluator) evaluateOne(t *Threshold, snap *metrics.Snapshot) Result {
	res := Result{
		Metric:      t.Metric,
		Expression:  t.Source,
		AbortOnFail: t.AbortOnFail,
	}

	series, ok := snap.Metrics[t.Metric]
	if !ok {
		res.Message = fmt.Sprintf("metric %s was never registered", t.Metric)
		e.logger.Warn("threshold references unknown metric", zap.String("metric", t.Metric))
		return res
	}

	if series.Empty() {
		res.Passed = true
		res.Vacuous = true
		res.Message = "no observations"
		return res
	}

	actual, err := series.Stat(t.Stat, snap.Elapsed)
	if err != nil {
		res.Message = err.Error()
		return res
	}

	res.Actual = actual
	res.Passed = Compare(actual, t.Op, t.Bound)
	if !res.Passed {
		res.Message = fmt.Sprintf("%s is %g, want %s %g", t.Stat, actual, t.Op, t.Bound)
	}
	return res
}

// Monitor re-evaluates the abortable thresholds every interval until ctx is
// done. When one of them fails after its DelayAbortEval, onAbort is called
// once with that result and Monitor returns.
func (e *Evaluator) Monitor(ctx context.Context, interval time.Duration, snapshot func() *metrics.Snapshot, onAbort func(Result)) {
	var abortable []*Threshold
	for _, t := range e.thresholds {
		if t.AbortOnFail {
			abortable = append(abortable, t)
		}
	}
	if len(abortable) == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := snapshot()
			for _, t := range abortable {
				if snap.Elapsed < t.DelayAbortEval {
					continue
				}
				res := e.evaluateOne(t, snap)
				if res.Passed {
					continue
				}
				e.logger.Error("threshold crossed, aborting run",
					zap.String("metric", t.Metric),
					zap.String("threshold", t.Source),
					zap.Float64("actual", res.Actual),
				)
				onAbort(res)
				return
			}
		}
	}
}
