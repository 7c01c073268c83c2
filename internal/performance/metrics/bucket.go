package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the load shape the executor is currently in.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// LatencyPercentiles holds HDR latency percentiles.
type LatencyPercentiles struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// TimeBucket is one interval of the run's time series.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	// Cumulative totals since the run started.
	TotalRequests   int64 `json:"totalRequests"`
	TotalFailures   int64 `json:"totalFailures"`
	TotalIterations int64 `json:"totalIterations"`
	TotalBytes      int64 `json:"totalBytes"`

	// Deltas for this interval only.
	IntervalRequests  int64   `json:"intervalRequests"`
	IntervalRPS       float64 `json:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate"`

	Latency   LatencyPercentiles `json:"latency"`
	ActiveVUs int                `json:"activeVUs"`
	Phase     Phase              `json:"phase"`
}

// bucketStore keeps time buckets in a ring buffer, dropping the oldest once
// full. Interval accumulators are updated lock-free.
type bucketStore struct {
	mu         sync.RWMutex
	buckets    []*TimeBucket
	head       int
	count      int
	maxBuckets int
	lastEmit   time.Time

	intervalRequests atomic.Int64
	intervalFailures atomic.Int64
}

func newBucketStore(maxBuckets int) *bucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}
	return &bucketStore{
		buckets:    make([]*TimeBucket, maxBuckets),
		maxBuckets: maxBuckets,
		lastEmit:   time.Now(),
	}
}

func (bs *bucketStore) addRequest(failed bool) {
	bs.intervalRequests.Add(1)
	if failed {
		bs.intervalFailures.Add(1)
	}
}

// emit closes the current interval into a bucket. b carries the cumulative
// fields; the interval fields are filled in here.
func (bs *bucketStore) emit(b TimeBucket) *TimeBucket {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	reqs := bs.intervalRequests.Swap(0)
	fails := bs.intervalFailures.Swap(0)

	secs := b.Timestamp.Sub(bs.lastEmit).Seconds()
	if secs <= 0 {
		secs = 1
	}
	b.IntervalRequests = reqs
	b.IntervalRPS = float64(reqs) / secs
	if reqs > 0 {
		b.IntervalErrorRate = float64(fails) / float64(reqs)
	}

	bucket := &b
	bs.buckets[bs.head] = bucket
	bs.head = (bs.head + 1) % bs.maxBuckets
	if bs.count < bs.maxBuckets {
		bs.count++
	}
	bs.lastEmit = b.Timestamp
	return bucket
}

// all returns the buckets in chronological order.
func (bs *bucketStore) all() []*TimeBucket {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if bs.count == 0 {
		return nil
	}
	out := make([]*TimeBucket, bs.count)
	start := 0
	if bs.count == bs.maxBuckets {
		start = bs.head
	}
	for i := 0; i < bs.count; i++ {
		out[i] = bs.buckets[(start+i)%bs.maxBuckets]
	}
	return out
}

func (bs *bucketStore) latest() *TimeBucket {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.count == 0 {
		return nil
	}
	return bs.buckets[(bs.head-1+bs.maxBuckets)%bs.maxBuckets]
}

// steadyRPS averages the per-interval rate over steady-phase buckets.
func (bs *bucketStore) steadyRPS() (float64, int) {
	var sum float64
	n := 0
	for _, b := range bs.all() {
		if b.Phase == PhaseSteady {
			sum += b.IntervalRPS
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
