package metrics

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestNewRecorder_HasBuiltins(t *testing.T) {
	r := NewRecorder()

	for _, m := range Builtins {
		got, ok := r.Metric(m.Name)
		if !ok {
			t.Errorf("builtin %s not registered", m.Name)
			continue
		}
		if got.Type != m.Type {
			t.Errorf("%s type = %s, want %s", m.Name, got.Type, m.Type)
		}
	}
}

func TestRecorder_RecordCreatesTrend(t *testing.T) {
	r := NewRecorder()
	r.Record("staging_api_trend", 12.5, nil)

	m, ok := r.Metric("staging_api_trend")
	if !ok {
		t.Fatal("Record() did not create the series")
	}
	if m.Type != Trend {
		t.Errorf("auto-created type = %s, want trend", m.Type)
	}

	got, err := r.Aggregate("staging_api_trend", "max")
	if err != nil || got != 12.5 {
		t.Errorf("Aggregate(max) = %v, %v; want 12.5, nil", got, err)
	}
}

func TestRecorder_Register(t *testing.T) {
	r := NewRecorder()

	if _, err := r.Register("custom", Trend, Time); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register("custom", Trend, Time); err != nil {
		t.Errorf("Register() same type error = %v, want nil", err)
	}
	if _, err := r.Register("custom", Rate, Default); !errors.Is(err, ErrMetricTypeClash) {
		t.Errorf("Register() clash error = %v, want ErrMetricTypeClash", err)
	}
}

func TestRecorder_AggregateErrors(t *testing.T) {
	r := NewRecorder()

	if _, err := r.Aggregate("missing", "avg"); !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("unknown metric error = %v, want ErrUnknownMetric", err)
	}
	if _, err := r.Aggregate(HTTPReqFailed, "p(95)"); !errors.Is(err, ErrUnsupportedStat) {
		t.Errorf("unsupported stat error = %v, want ErrUnsupportedStat", err)
	}
	if _, err := r.Aggregate(HTTPReqDuration, "bogus"); !errors.Is(err, ErrInvalidStatToken) {
		t.Errorf("invalid stat error = %v, want ErrInvalidStatToken", err)
	}
}

func TestRecorder_GaugeAverage(t *testing.T) {
	r := NewRecorder()
	for _, v := range []float64{2, 4, 6, 0} {
		r.Record(VUs, v, nil)
	}

	got, err := r.Aggregate(VUs, "avg")
	if err != nil {
		t.Fatalf("Aggregate(vus, avg) error = %v", err)
	}
	if got != 3 {
		t.Errorf("Aggregate(vus, avg) = %v, want 3", got)
	}
}

func TestRecorder_EmptySeriesIsNaN(t *testing.T) {
	r := NewRecorder()

	got, err := r.Aggregate(HTTPReqDuration, "avg")
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if !math.IsNaN(got) {
		t.Errorf("avg of empty series = %v, want NaN", got)
	}
}

func TestRecorder_DropsNaN(t *testing.T) {
	r := NewRecorder()
	r.Record(HTTPReqDuration, math.NaN(), nil)
	r.Record(HTTPReqDuration, math.Inf(1), nil)
	r.Record(HTTPReqDuration, 4, nil)

	count, _ := r.Aggregate(HTTPReqDuration, "count")
	if count != 1 {
		t.Errorf("count = %v, want 1", count)
	}
}

func TestRecorder_Subscribe(t *testing.T) {
	r := NewRecorder()

	var got []Sample
	r.Subscribe(func(s Sample) { got = append(got, s) })
	r.Record(HTTPReqs, 1, Tags{"name": "health"})

	if len(got) != 1 {
		t.Fatalf("subscriber saw %d samples, want 1", len(got))
	}
	if got[0].Metric.Name != HTTPReqs || got[0].Tags["name"] != "health" {
		t.Errorf("sample = %+v, want http_reqs tagged name=health", got[0])
	}
}

func TestRecorder_CounterRateUsesFrozenElapsed(t *testing.T) {
	r := NewRecorder()
	base := time.Unix(1_700_000_000, 0)
	now := base
	r.now = func() time.Time { return now }

	r.Start()
	for i := 0; i < 10; i++ {
		r.Record(Iterations, 1, nil)
	}
	now = base.Add(2 * time.Second)
	r.Stop()
	now = base.Add(time.Hour)

	rate, err := r.Aggregate(Iterations, "rate")
	if err != nil {
		t.Fatalf("Aggregate(rate) error = %v", err)
	}
	if rate != 5 {
		t.Errorf("rate = %v, want 5", rate)
	}
}

func TestRecorder_Snapshot(t *testing.T) {
	r := NewRecorder()
	r.Record(HTTPReqDuration, 10, nil)

	snap := r.Snapshot()
	r.Record(HTTPReqDuration, 20, nil)

	count, err := snap.Aggregate(HTTPReqDuration, "count")
	if err != nil {
		t.Fatalf("Snapshot.Aggregate() error = %v", err)
	}
	if count != 1 {
		t.Errorf("snapshot count = %v, want 1 (frozen)", count)
	}
	if !snap.Metrics[HTTPReqSending].Empty() {
		t.Error("http_req_sending should be empty in snapshot")
	}

	names := snap.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names() not sorted: %v", names)
		}
	}
}

// Concurrent records are never lost: the count equals the number of calls
// regardless of interleaving.
func TestProperty_RecorderConcurrentCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		workers := rapid.IntRange(1, 16).Draw(t, "workers")
		perWorker := rapid.IntRange(0, 200).Draw(t, "perWorker")

		r := NewRecorder()
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					r.Record(HTTPReqDuration, float64(w*perWorker+i), nil)
					r.Record(HTTPReqs, 1, nil)
				}
			}(w)
		}
		wg.Wait()

		want := float64(workers * perWorker)
		trendCount, _ := r.Aggregate(HTTPReqDuration, "count")
		counter, _ := r.Aggregate(HTTPReqs, "count")
		if trendCount != want || counter != want {
			t.Fatalf("counts = %v/%v, want %v", trendCount, counter, want)
		}
	})
}

// Every percentile is an observed value bounded by min and max, and
// percentiles are monotonic in p.
func TestProperty_PercentileBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Float64Range(0, 1e6), 1, 500).Draw(t, "values")
		p1 := rapid.Float64Range(0, 100).Draw(t, "p1")
		p2 := rapid.Float64Range(p1, 100).Draw(t, "p2")

		r := NewRecorder()
		seen := make(map[float64]bool, len(values))
		for _, v := range values {
			r.Record("latency", v, nil)
			seen[v] = true
		}

		lo, _ := r.AggregateStat("latency", Stat{Name: StatPercentile, Percentile: p1})
		hi, _ := r.AggregateStat("latency", Stat{Name: StatPercentile, Percentile: p2})
		minV, _ := r.Aggregate("latency", "min")
		maxV, _ := r.Aggregate("latency", "max")

		if !seen[lo] || !seen[hi] {
			t.Fatalf("percentiles %v/%v are not observed values", lo, hi)
		}
		if lo > hi {
			t.Fatalf("p(%v)=%v > p(%v)=%v", p1, lo, p2, hi)
		}
		if lo < minV || hi > maxV {
			t.Fatalf("percentiles [%v,%v] outside [%v,%v]", lo, hi, minV, maxV)
		}
	})
}

// Snapshots taken during concurrent recording are internally consistent and
// never go backwards.
func TestRecorder_SnapshotDuringWrites(t *testing.T) {
	r := NewRecorder()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Record(HTTPReqDuration, 1, nil)
				}
			}
		}()
	}

	prev := float64(0)
	for i := 0; i < 50; i++ {
		snap := r.Snapshot()
		count, _ := snap.Aggregate(HTTPReqDuration, "count")
		sum, _ := snap.Aggregate(HTTPReqDuration, "sum")
		if count > 0 && sum != count {
			t.Fatalf("snapshot sum %v != count %v", sum, count)
		}
		if count < prev {
			t.Fatalf("snapshot count went backwards: %v < %v", count, prev)
		}
		prev = count
	}
	close(stop)
	wg.Wait()
}
