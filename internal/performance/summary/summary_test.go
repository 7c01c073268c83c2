package summary_test

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/summary"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

func recordRun(t *testing.T) (*metrics.Recorder, *summary.CheckTally) {
	t.Helper()
	rec := metrics.NewRecorder()
	tally := summary.NewCheckTally()
	rec.Subscribe(tally.Observe)
	rec.Start()

	for _, v := range []float64{10, 20, 30} {
		rec.Record(metrics.HTTPReqDuration, v, nil)
		rec.Record(metrics.HTTPReqs, 1, nil)
		rec.Record(metrics.HTTPReqFailed, 0, nil)
	}
	rec.Record(metrics.Iterations, 1, nil)
	rec.Record(metrics.Iterations, 1, nil)
	rec.Record(metrics.Checks, 1, metrics.Tags{"check": "status is 200"})
	rec.Record(metrics.Checks, 1, metrics.Tags{"check": "status is 200"})
	rec.Record(metrics.Checks, 0, metrics.Tags{"check": "response body not empty"})
	rec.Stop()
	return rec, tally
}

func evaluate(t *testing.T, snap *metrics.Snapshot, exprs map[string]string) threshold.Report {
	t.Helper()
	var ts []*threshold.Threshold
	for metric, expr := range exprs {
		th, err := threshold.New(metric, expr)
		require.NoError(t, err)
		ts = append(ts, th)
	}
	return threshold.NewEvaluator(ts, nil).Evaluate(snap)
}

func TestBuild(t *testing.T) {
	rec, tally := recordRun(t)
	snap := rec.Snapshot()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s := summary.Build(summary.Input{
		RunID:      "run-1",
		Name:       "staging",
		StartTime:  start,
		EndTime:    start.Add(90 * time.Second),
		Snapshot:   snap,
		Thresholds: evaluate(t, snap, map[string]string{"http_req_duration": "p(95)<200"}),
		Checks:     tally,
		TrendStats: []string{"p(75)"},
	})

	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 90*time.Second, s.Duration)
	assert.True(t, s.Passed)
	assert.Equal(t, int64(2), s.Iterations)
	assert.Zero(t, s.IterationErrors)

	d := s.Metrics[metrics.HTTPReqDuration]
	assert.Equal(t, metrics.Trend, d.Type)
	assert.Equal(t, metrics.Time, d.Contains)
	assert.Equal(t, int64(3), d.Count)
	assert.Equal(t, 20.0, d.Values["avg"])
	assert.Equal(t, 10.0, d.Values["min"])
	assert.Equal(t, 20.0, d.Values["med"])
	assert.Equal(t, 30.0, d.Values["max"])
	assert.Equal(t, 30.0, d.Values["p(75)"])

	// Trends with no observations have no values but are still listed.
	wait, ok := s.Metrics[metrics.HTTPReqWaiting]
	require.True(t, ok)
	_, defined := wait.Value("avg")
	assert.False(t, defined)
	assert.Equal(t, 0.0, wait.Values["count"])

	assert.Equal(t, int64(2), s.Checks.Passes)
	assert.Equal(t, int64(1), s.Checks.Fails)
	require.Len(t, s.Checks.ByName, 2)
	assert.Equal(t, "status is 200", s.Checks.ByName[0].Name)
	assert.InDelta(t, 2.0/3.0, s.Checks.Rate(), 1e-9)

	require.Len(t, s.Thresholds, 1)
	assert.True(t, s.Thresholds[0].OK)
	require.NotNil(t, s.Thresholds[0].Actual)
	assert.Equal(t, 30.0, *s.Thresholds[0].Actual)
}

func TestBuild_RunStatus(t *testing.T) {
	rec, _ := recordRun(t)

	tests := []struct {
		name    string
		exprs   map[string]string
		crash   bool
		aborted bool
		want    bool
	}{
		{name: "all pass", exprs: map[string]string{"http_req_failed": "rate<0.01"}, want: true},
		{name: "threshold fails", exprs: map[string]string{"http_req_duration": "max<25"}, want: false},
		{name: "iteration crashed", crash: true, want: false},
		{name: "aborted", aborted: true, want: false},
		{name: "vacuous pass", exprs: map[string]string{"http_req_waiting": "p(95)<1"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rec
			if tt.crash {
				r, _ = recordRun(t)
				r.Record(metrics.IterationErrors, 1, nil)
			}
			snap := r.Snapshot()
			s := summary.Build(summary.Input{
				Snapshot:   snap,
				Thresholds: evaluate(t, snap, tt.exprs),
				Aborted:    tt.aborted,
			})
			assert.Equal(t, tt.want, s.Passed)
		})
	}
}

func TestBuild_VacuousThresholdHasNoActual(t *testing.T) {
	rec := metrics.NewRecorder()
	snap := rec.Snapshot()
	s := summary.Build(summary.Input{
		Snapshot:   snap,
		Thresholds: evaluate(t, snap, map[string]string{"http_req_duration": "p(95)<200"}),
	})

	require.Len(t, s.Thresholds, 1)
	assert.True(t, s.Thresholds[0].OK)
	assert.True(t, s.Thresholds[0].Vacuous)
	assert.Nil(t, s.Thresholds[0].Actual)
}

func TestWriteJSON_RoundTrip(t *testing.T) {
	rec, tally := recordRun(t)
	snap := rec.Snapshot()
	s := summary.Build(summary.Input{
		RunID:      "abc",
		Snapshot:   snap,
		Thresholds: evaluate(t, snap, map[string]string{"http_req_duration": "p(95)<200"}),
		Checks:     tally,
	})

	var buf bytes.Buffer
	require.NoError(t, summary.WriteJSON(&buf, s))

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	m := raw["metrics"].(map[string]interface{})["http_req_duration"].(map[string]interface{})
	assert.Equal(t, "trend", m["type"])
	assert.Equal(t, "time", m["contains"])

	path := filepath.Join(t.TempDir(), "out", "summary.json")
	require.NoError(t, summary.JSONFile{Path: path}.Report(s))

	back, err := summary.ReadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, s.RunID, back.RunID)
	assert.Equal(t, s.Checks, back.Checks)
	assert.Equal(t, s.Metrics[metrics.HTTPReqDuration], back.Metrics[metrics.HTTPReqDuration])
}

func TestCheckTally_Concurrent(t *testing.T) {
	tally := summary.NewCheckTally()
	checks := &metrics.Metric{Name: metrics.Checks, Type: metrics.Rate}
	other := &metrics.Metric{Name: metrics.HTTPReqs, Type: metrics.Counter}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tally.Observe(metrics.Sample{Metric: checks, Value: float64(j % 2), Tags: metrics.Tags{"check": "a"}})
				tally.Observe(metrics.Sample{Metric: other, Value: 1})
			}
		}()
	}
	wg.Wait()

	cc, ok := tally.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(400), cc.Passes)
	assert.Equal(t, int64(400), cc.Fails)

	_, ok = tally.Get("missing")
	assert.False(t, ok)
}

func TestReporterFunc(t *testing.T) {
	var got *summary.Summary
	r := summary.ReporterFunc(func(s *summary.Summary) error {
		got = s
		return nil
	})
	s := &summary.Summary{RunID: "x"}
	require.NoError(t, r.Report(s))
	assert.Same(t, s, got)
}
