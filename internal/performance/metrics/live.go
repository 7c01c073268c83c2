package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Live is a running view of the load test for progress output.
//
// It keeps request latency in an HDR histogram (1µs to 1h, 3 significant
// figures) and emits a TimeBucket every interval, even when no requests
// complete. It is fed from Recorder samples through Observe and is not used
// for thresholds.
//
// # Thread Safety
//
// Live is safe for concurrent use. Counters are atomic, the histogram is
// guarded by a mutex and the emitter runs in its own goroutine.
type Live struct {
	hist   *hdrhistogram.Histogram
	histMu sync.Mutex

	requests   atomic.Int64
	failures   atomic.Int64
	iterations atomic.Int64
	bytes      atomic.Int64
	activeVUs  atomic.Int32

	phase   Phase
	phaseMu sync.RWMutex

	buckets *bucketStore
	start   time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	cfg LiveConfig
}

// LiveConfig configures a Live tracker.
type LiveConfig struct {
	// BucketInterval is the time-series resolution (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets bounds the retained series (default: 3600)
	MaxBuckets int
}

// DefaultLiveConfig returns one-second buckets retained for an hour.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{BucketInterval: time.Second, MaxBuckets: 3600}
}

const (
	histMinMicros = 1
	histMaxMicros = 3_600_000_000
	histSigFigs   = 3
)

// NewLive creates a tracker and starts its bucket emitter.
func NewLive(cfg LiveConfig) *Live {
	if cfg.BucketInterval <= 0 {
		cfg.BucketInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	l := &Live{
		hist:    hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs),
		phase:   PhaseInit,
		buckets: newBucketStore(cfg.MaxBuckets),
		start:   time.Now(),
		cancel:  cancel,
		cfg:     cfg,
	}

	l.wg.Add(1)
	go l.runEmitter(ctx)
	return l
}

// Observe folds a Recorder sample into the live view.
func (l *Live) Observe(s Sample) {
	switch s.Metric.Name {
	case HTTPReqDuration:
		l.recordLatency(time.Duration(s.Value * float64(time.Millisecond)))
	case HTTPReqFailed:
		failed := s.Value != 0
		l.requests.Add(1)
		if failed {
			l.failures.Add(1)
		}
		l.buckets.addRequest(failed)
	case DataReceived:
		l.bytes.Add(int64(s.Value))
	case Iterations:
		l.iterations.Add(int64(s.Value))
	case VUs:
		l.activeVUs.Store(int32(s.Value))
	}
}

func (l *Live) recordLatency(d time.Duration) {
	micros := d.Microseconds()
	if micros < histMinMicros {
		micros = histMinMicros
	}
	if micros > histMaxMicros {
		micros = histMaxMicros
	}

	l.histMu.Lock()
	_ = l.hist.RecordValue(micros)
	l.histMu.Unlock()
}

// SetPhase records the executor's current phase.
func (l *Live) SetPhase(p Phase) {
	l.phaseMu.Lock()
	l.phase = p
	l.phaseMu.Unlock()
}

// Phase returns the current phase.
func (l *Live) Phase() Phase {
	l.phaseMu.RLock()
	defer l.phaseMu.RUnlock()
	return l.phase
}

// Percentiles returns the current HDR latency percentiles.
func (l *Live) Percentiles() LatencyPercentiles {
	l.histMu.Lock()
	defer l.histMu.Unlock()

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencyPercentiles{
		Min: us(l.hist.Min()),
		Max: us(l.hist.Max()),
		P50: us(l.hist.ValueAtQuantile(50)),
		P90: us(l.hist.ValueAtQuantile(90)),
		P95: us(l.hist.ValueAtQuantile(95)),
		P99: us(l.hist.ValueAtQuantile(99)),
	}
}

// LiveStats is a point-in-time progress view.
type LiveStats struct {
	Requests   int64              `json:"requests"`
	Failures   int64              `json:"failures"`
	Iterations int64              `json:"iterations"`
	Bytes      int64              `json:"bytes"`
	ActiveVUs  int                `json:"activeVUs"`
	Phase      Phase              `json:"phase"`
	Elapsed    time.Duration      `json:"elapsed"`
	RPS        float64            `json:"rps"`
	SteadyRPS  float64            `json:"steadyRps"`
	ErrorRate  float64            `json:"errorRate"`
	Latency    LatencyPercentiles `json:"latency"`
}

// Stats returns the current progress view. RPS is the recent interval rate
// when a bucket exists, otherwise the overall average.
func (l *Live) Stats() LiveStats {
	elapsed := time.Since(l.start)
	reqs := l.requests.Load()
	fails := l.failures.Load()

	st := LiveStats{
		Requests:   reqs,
		Failures:   fails,
		Iterations: l.iterations.Load(),
		Bytes:      l.bytes.Load(),
		ActiveVUs:  int(l.activeVUs.Load()),
		Phase:      l.Phase(),
		Elapsed:    elapsed,
		Latency:    l.Percentiles(),
	}
	if reqs > 0 {
		st.ErrorRate = float64(fails) / float64(reqs)
	}
	if b := l.buckets.latest(); b != nil {
		st.RPS = b.IntervalRPS
	} else if elapsed > 0 {
		st.RPS = float64(reqs) / elapsed.Seconds()
	}
	st.SteadyRPS, _ = l.buckets.steadyRPS()
	return st
}

// TimeSeries returns the emitted buckets in order.
func (l *Live) TimeSeries() []*TimeBucket {
	return l.buckets.all()
}

func (l *Live) runEmitter(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.emit()
		}
	}
}

func (l *Live) emit() {
	l.buckets.emit(TimeBucket{
		Timestamp:       time.Now(),
		TotalRequests:   l.requests.Load(),
		TotalFailures:   l.failures.Load(),
		TotalIterations: l.iterations.Load(),
		TotalBytes:      l.bytes.Load(),
		Latency:         l.Percentiles(),
		ActiveVUs:       int(l.activeVUs.Load()),
		Phase:           l.Phase(),
	})
}

// Stop halts the emitter and writes a final bucket. It is idempotent.
func (l *Live) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.emit()
	})
}
