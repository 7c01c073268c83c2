// Package performance runs virtual users against a fixed list of endpoints
// and feeds every observation into a per-run metrics.Recorder.
package performance

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	surgehttp "github.com/wesleyorama2/surge/internal/http"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Doer issues the GET requests of an iteration. *http.Client from
// internal/http satisfies it.
type Doer interface {
	Get(ctx context.Context, url string, timeout time.Duration) (*surgehttp.Response, error)
}

// Endpoint is a URL requested once per iteration.
type Endpoint struct {
	Name       string
	URL        string
	Tags       map[string]string
	Timeout    time.Duration
	Trend      string
	ExpectJSON map[string]string
}

// IterationConfig is the read-only description of one iteration.
type IterationConfig struct {
	// WaitMin and WaitMax bound the randomized wait, drawn from
	// [WaitMin, WaitMax).
	WaitMin time.Duration
	WaitMax time.Duration

	// MaxDuration is the bound of the response time check.
	MaxDuration time.Duration

	WaitTrend     string
	ResponseTrend string

	Endpoints []Endpoint
}

// NewIterationConfig builds the iteration description from a loaded test
// configuration. Defaults must already be applied.
func NewIterationConfig(cfg *config.TestConfig) IterationConfig {
	ic := IterationConfig{
		WaitMin:       time.Duration(cfg.Wait.Min),
		WaitMax:       time.Duration(cfg.Wait.Max),
		MaxDuration:   cfg.Checks.MaxDuration.GetDuration(config.DefaultMaxDuration),
		WaitTrend:     cfg.Metrics.WaitTrend,
		ResponseTrend: cfg.Metrics.ResponseTrend,
	}
	if ic.WaitTrend == "" {
		ic.WaitTrend = metrics.DefaultWaitTrend
	}
	if ic.ResponseTrend == "" {
		ic.ResponseTrend = metrics.DefaultRespTrend
	}
	for _, ep := range cfg.Endpoints {
		trend := ep.Trend
		if trend == "" {
			trend = config.TrendName(ep.Name)
		}
		ic.Endpoints = append(ic.Endpoints, Endpoint{
			Name:       ep.Name,
			URL:        ep.URL,
			Tags:       ep.Tags,
			Timeout:    ep.Timeout.GetDuration(cfg.HTTP.Timeout.GetDuration(config.DefaultTimeout)),
			Trend:      trend,
			ExpectJSON: ep.ExpectJSON,
		})
	}
	return ic
}

// Iteration is the unit of work of a virtual user: a randomized wait
// followed by one GET per endpoint, in order. It is shared by all virtual
// users of a run and holds no per-user state.
type Iteration struct {
	cfg      IterationConfig
	client   Doer
	recorder *metrics.Recorder
	logger   *zap.Logger
	checks   []Check
}

// NewIteration creates an iteration bound to a client and a recorder.
func NewIteration(cfg IterationConfig, client Doer, recorder *metrics.Recorder, logger *zap.Logger) *Iteration {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Iteration{
		cfg:      cfg,
		client:   client,
		recorder: recorder,
		logger:   logger,
		checks:   DefaultChecks(cfg.MaxDuration),
	}
}

// Config returns the iteration description.
func (it *Iteration) Config() IterationConfig {
	return it.cfg
}

// Client returns the client requests are issued with.
func (it *Iteration) Client() Doer {
	return it.client
}

// Recorder returns the recorder observations go to.
func (it *Iteration) Recorder() *metrics.Recorder {
	return it.recorder
}

// Run executes one iteration. A failed request or check is recorded, never
// returned; Run only returns an error when ctx ends before the iteration
// completes, in which case the iteration is not counted.
func (it *Iteration) Run(ctx context.Context, rng *rand.Rand, logger *zap.Logger) error {
	if logger == nil {
		logger = it.logger
	}
	start := time.Now()

	wait := it.drawWait(rng)
	it.recorder.RecordDuration(it.cfg.WaitTrend, wait, nil)
	if err := sleep(ctx, wait); err != nil {
		return err
	}

	for i := range it.cfg.Endpoints {
		if err := it.request(ctx, &it.cfg.Endpoints[i], logger); err != nil {
			return err
		}
	}

	it.recorder.Record(metrics.Iterations, 1, nil)
	it.recorder.RecordDuration(metrics.IterationDuration, time.Since(start), nil)
	return nil
}

func (it *Iteration) drawWait(rng *rand.Rand) time.Duration {
	lo, hi := it.cfg.WaitMin, it.cfg.WaitMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

// request issues one GET and records its metrics and checks.
func (it *Iteration) request(ctx context.Context, ep *Endpoint, logger *zap.Logger) error {
	resp, err := it.client.Get(ctx, ep.URL, ep.Timeout)
	if err != nil && ctx.Err() != nil {
		// Cancelled by the run, not a failure of the target.
		return ctx.Err()
	}

	tags := requestTags(ep, resp)
	it.recorder.Record(metrics.HTTPReqs, 1, tags)

	if err != nil {
		kind := surgehttp.ErrorKind(err)
		failedTags := tags.Clone()
		failedTags["error"] = kind
		it.recorder.Record(metrics.HTTPReqFailed, 1, failedTags)
		logger.Error("request failed",
			zap.String("endpoint", ep.Name),
			zap.String("url", ep.URL),
			zap.String("kind", kind),
			zap.Error(err),
		)
	} else {
		t := resp.Timings
		it.recorder.Record(metrics.HTTPReqFailed, metrics.BoolValue(isFailedStatus(resp.StatusCode)), tags)
		it.recorder.RecordDuration(metrics.HTTPReqDuration, t.Duration, tags)
		it.recorder.RecordDuration(metrics.HTTPReqBlocked, t.Blocked, tags)
		it.recorder.RecordDuration(metrics.HTTPReqConnecting, t.Connecting, tags)
		it.recorder.RecordDuration(metrics.HTTPReqSending, t.Sending, tags)
		it.recorder.RecordDuration(metrics.HTTPReqWaiting, t.Waiting, tags)
		it.recorder.RecordDuration(metrics.HTTPReqReceiving, t.Receiving, tags)
		it.recorder.Record(metrics.DataReceived, float64(len(resp.Body)), tags)
		it.recorder.RecordDuration(it.cfg.ResponseTrend, t.Duration, tags)
		it.recorder.RecordDuration(ep.Trend, t.Duration, tags)
	}

	results := RunChecks(it.checks, ep, resp, err, logger)
	var failed []string
	for _, r := range results {
		it.recorder.Record(metrics.Checks, metrics.BoolValue(r.Passed), metrics.Tags{
			"check": r.Name,
			"name":  ep.Name,
		})
		if !r.Passed {
			failed = append(failed, r.Name)
		}
	}
	if len(failed) > 0 {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logger.Warn("endpoint checks failed",
			zap.String("endpoint", ep.Name),
			zap.String("url", ep.URL),
			zap.Int("status", status),
			zap.Strings("failed", failed),
		)
	}
	return nil
}

func requestTags(ep *Endpoint, resp *surgehttp.Response) metrics.Tags {
	tags := make(metrics.Tags, len(ep.Tags)+4)
	for k, v := range ep.Tags {
		tags[k] = v
	}
	if tags["name"] == "" {
		tags["name"] = ep.Name
	}
	tags["endpoint"] = ep.URL
	tags["method"] = "GET"
	if resp != nil {
		tags["status"] = strconv.Itoa(resp.StatusCode)
	} else {
		tags["status"] = "0"
	}
	return tags
}

func isFailedStatus(code int) bool {
	return code < 200 || code >= 400
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
