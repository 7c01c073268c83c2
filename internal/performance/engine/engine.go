// Package engine runs a load test end to end: it wires the recorder, the
// virtual users, the ramping executor, thresholds, exporters and reporters.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	surgehttp "github.com/wesleyorama2/surge/internal/http"
	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/executor"
	"github.com/wesleyorama2/surge/internal/performance/export"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/summary"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

var (
	// ErrAlreadyRunning is returned by Run while another run is in progress.
	ErrAlreadyRunning = errors.New("engine is already running")

	// ErrThresholdAbort is returned when an abortOnFail threshold stopped
	// the run. The summary is still produced.
	ErrThresholdAbort = errors.New("run aborted by threshold")
)

// DefaultAbortEvalInterval is how often abortOnFail thresholds are checked.
const DefaultAbortEvalInterval = 2 * time.Second

// Options are the collaborators of an Engine. The zero value is usable.
type Options struct {
	// Logger receives structured run events (default: no-op)
	Logger *zap.Logger

	// Reporters receive the final summary, in order
	Reporters []summary.Reporter

	// Exporters receive every sample in addition to the configured outputs
	Exporters []export.Exporter

	// Client overrides the HTTP client built from the configuration
	Client performance.Doer

	// Seed seeds the VU random sources (default: time based)
	Seed int64

	// AbortEvalInterval overrides DefaultAbortEvalInterval
	AbortEvalInterval time.Duration

	// OnProgress, when set, is called every ProgressInterval while the run
	// is in progress
	OnProgress       func(Progress)
	ProgressInterval time.Duration
}

// Progress is a point-in-time view handed to Options.OnProgress.
type Progress struct {
	RunID    string
	Name     string
	Fraction float64
	Stage    int
	Stages   int
	Stats    metrics.LiveStats
}

// Engine is the orchestrator of a single test configuration.
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	eng, _ := engine.NewEngine(cfg, engine.Options{Logger: log})
//	sum, err := eng.Run(ctx)
//	fmt.Printf("Test passed: %v\n", sum.Passed)
type Engine struct {
	cfg    *config.TestConfig
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	running  bool
	runID    string
	exec     executor.Executor
	live     *metrics.Live
	recorder *metrics.Recorder
}

// NewEngine applies defaults to cfg and validates it.
func NewEngine(cfg *config.TestConfig, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("invalid configuration: nil")
	}
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AbortEvalInterval <= 0 {
		opts.AbortEvalInterval = DefaultAbortEvalInterval
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}

	return &Engine{cfg: cfg, opts: opts, logger: logger}, nil
}

// run holds the per-run collaborators.
type run struct {
	id        string
	logger    *zap.Logger
	recorder  *metrics.Recorder
	live      *metrics.Live
	checks    *summary.CheckTally
	exporters []export.Exporter
	evaluator *threshold.Evaluator
	scheduler *performance.VUScheduler
	exec      *executor.RampingVUs
}

// Run executes the test and returns its summary. Reporters are called
// before Run returns, also when the run was aborted.
//
// Cancelling ctx ends the stage timeline early; in-flight iterations still
// get the graceful stop period.
func (e *Engine) Run(ctx context.Context) (*summary.Summary, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	r, err := e.setup(ctx)
	if err != nil {
		return nil, err
	}
	defer r.live.Stop()
	defer r.scheduler.Close()

	e.mu.Lock()
	e.runID = r.id
	e.exec = r.exec
	e.live = r.live
	e.recorder = r.recorder
	e.mu.Unlock()

	r.logger.Info("run starting",
		zap.String("name", e.cfg.Name),
		zap.Int("stages", len(e.cfg.Stages)),
		zap.Int("endpoints", len(e.cfg.Endpoints)),
		zap.Duration("duration", e.cfg.TotalDuration()),
		zap.Duration("gracefulStop", e.cfg.GracefulStopDuration()),
	)

	startTime := time.Now()
	r.recorder.Start()

	runCtx, cancel := context.WithCancel(ctx)
	var (
		bg    sync.WaitGroup
		abort *threshold.Result
	)

	bg.Add(1)
	go func() {
		defer bg.Done()
		r.evaluator.Monitor(runCtx, e.opts.AbortEvalInterval, r.recorder.Snapshot, func(res threshold.Result) {
			abort = &res
			_ = r.exec.Stop(context.Background())
		})
	}()

	if e.opts.OnProgress != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			e.reportProgress(runCtx, r)
		}()
	}

	runErr := r.exec.Run(runCtx, r.scheduler, r.recorder, r.live)
	cancel()
	bg.Wait()

	r.recorder.Stop()
	r.live.Stop()
	endTime := time.Now()

	e.stopExporters(r)

	if ctx.Err() != nil {
		r.logger.Warn("run interrupted", zap.Error(ctx.Err()))
	}

	snap := r.recorder.Snapshot()
	report := r.evaluator.Evaluate(snap)

	in := summary.Input{
		RunID:      r.id,
		Name:       e.cfg.Name,
		StartTime:  startTime,
		EndTime:    endTime,
		Snapshot:   snap,
		Thresholds: report,
		Checks:     r.checks,
		TrendStats: e.cfg.Summary.TrendStats,
		TimeSeries: r.live.TimeSeries(),
		Options:    e.summaryOptions(),
	}
	stats := r.live.Stats()
	in.Live = &stats
	if abort != nil {
		in.Aborted = true
		in.AbortReason = fmt.Sprintf("threshold %s on %s crossed", abort.Expression, abort.Metric)
	}
	sum := summary.Build(in)

	e.logFinished(r, sum)
	e.report(r, sum)

	if runErr != nil {
		return sum, fmt.Errorf("executor failed: %w", runErr)
	}
	if abort != nil {
		return sum, fmt.Errorf("%w: %s %s", ErrThresholdAbort, abort.Metric, abort.Expression)
	}
	return sum, nil
}

// setup builds the per-run collaborators. On error nothing is left running.
func (e *Engine) setup(ctx context.Context) (*run, error) {
	r := &run{id: uuid.NewString()}
	r.logger = e.logger.With(zap.String("run_id", r.id))

	r.recorder = metrics.NewRecorder()
	iterCfg := performance.NewIterationConfig(e.cfg)
	for _, name := range trendNames(iterCfg) {
		if _, err := r.recorder.Register(name, metrics.Trend, metrics.Time); err != nil {
			return nil, fmt.Errorf("failed to register trend: %w", err)
		}
	}

	thresholds, err := buildThresholds(e.cfg)
	if err != nil {
		return nil, err
	}
	r.evaluator = threshold.NewEvaluator(thresholds, r.logger)

	exporters, err := export.FromSpecs(e.cfg.Outputs, r.id, r.logger)
	if err != nil {
		return nil, err
	}
	exporters = append(exporters, e.opts.Exporters...)
	for i, exp := range exporters {
		if err := exp.Start(ctx); err != nil {
			for _, started := range exporters[:i] {
				_ = started.Stop()
			}
			return nil, fmt.Errorf("failed to start output %s: %w", exp.Description(), err)
		}
		r.logger.Debug("output started", zap.String("output", exp.Description()))
	}
	r.exporters = exporters

	r.live = metrics.NewLive(metrics.DefaultLiveConfig())
	r.checks = summary.NewCheckTally()
	r.recorder.Subscribe(r.live.Observe)
	r.recorder.Subscribe(r.checks.Observe)
	for _, exp := range r.exporters {
		r.recorder.Subscribe(exp.AddSample)
	}

	client := e.opts.Client
	if client == nil {
		client = surgehttp.NewClient(httpConfig(e.cfg))
	}
	iteration := performance.NewIteration(iterCfg, client, r.recorder, r.logger)

	seed := e.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r.scheduler = performance.NewVUScheduler(iteration, seed, r.logger)

	r.exec = executor.NewRampingVUs(r.logger)
	if err := r.exec.Init(ctx, executor.FromTestConfig(e.cfg)); err != nil {
		r.live.Stop()
		for _, exp := range r.exporters {
			_ = exp.Stop()
		}
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}
	return r, nil
}

func trendNames(ic performance.IterationConfig) []string {
	names := []string{ic.WaitTrend, ic.ResponseTrend}
	for _, ep := range ic.Endpoints {
		names = append(names, ep.Trend)
	}
	return names
}

func buildThresholds(cfg *config.TestConfig) ([]*threshold.Threshold, error) {
	var out []*threshold.Threshold
	for _, name := range sortedKeys(cfg.Thresholds) {
		for _, tc := range cfg.Thresholds[name] {
			t, err := threshold.New(name, tc.Threshold)
			if err != nil {
				return nil, fmt.Errorf("invalid threshold on %s: %w", name, err)
			}
			t.AbortOnFail = tc.AbortOnFail
			t.DelayAbortEval = time.Duration(tc.DelayAbortEval)
			out = append(out, t)
		}
	}
	return out, nil
}

func sortedKeys(m map[string]config.ThresholdList) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func httpConfig(cfg *config.TestConfig) surgehttp.Config {
	hc := surgehttp.DefaultConfig()
	hc.Timeout = cfg.HTTP.Timeout.GetDuration(config.DefaultTimeout)
	if cfg.HTTP.MaxIdleConnsPerHost > 0 {
		hc.MaxIdleConnsPerHost = cfg.HTTP.MaxIdleConnsPerHost
	}
	hc.InsecureSkipVerify = cfg.HTTP.InsecureSkipVerify
	if cfg.HTTP.UserAgent != "" {
		hc.UserAgent = cfg.HTTP.UserAgent
	}
	hc.Headers = cfg.HTTP.Headers
	return hc
}

func (e *Engine) summaryOptions() map[string]interface{} {
	stages := make([]string, 0, len(e.cfg.Stages))
	for _, s := range e.cfg.Stages {
		stages = append(stages, fmt.Sprintf("%s:%d", s.Duration, s.Target))
	}
	return map[string]interface{}{
		"stages":       stages,
		"gracefulStop": config.Duration(e.cfg.GracefulStopDuration()).String(),
		"timeUnit":     e.cfg.Summary.TimeUnit,
		"trendStats":   e.cfg.Summary.TrendStats,
	}
}

func (e *Engine) reportProgress(ctx context.Context, r *run) {
	ticker := time.NewTicker(e.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.exec.GetStats()
			e.opts.OnProgress(Progress{
				RunID:    r.id,
				Name:     e.cfg.Name,
				Fraction: r.exec.GetProgress(),
				Stage:    st.CurrentStage,
				Stages:   st.TotalStages,
				Stats:    r.live.Stats(),
			})
		}
	}
}

func (e *Engine) stopExporters(r *run) {
	for _, exp := range r.exporters {
		if err := exp.Stop(); err != nil {
			r.logger.Warn("failed to stop output",
				zap.String("output", exp.Description()),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) logFinished(r *run, s *summary.Summary) {
	fields := []zap.Field{
		zap.Bool("passed", s.Passed),
		zap.Duration("duration", s.Duration),
		zap.Int64("iterations", s.Iterations),
		zap.Int64("iteration_errors", s.IterationErrors),
		zap.Int64("checks_passed", s.Checks.Passes),
		zap.Int64("checks_failed", s.Checks.Fails),
	}
	if s.Aborted {
		fields = append(fields, zap.String("abort_reason", s.AbortReason))
	}
	r.logger.Info("run finished", fields...)

	for _, t := range s.FailedThresholds() {
		r.logger.Warn("threshold failed",
			zap.String("metric", t.Metric),
			zap.String("threshold", t.Expression),
			zap.String("message", t.Message),
		)
	}
}

func (e *Engine) report(r *run, s *summary.Summary) {
	reporters := e.opts.Reporters
	if path := e.cfg.Summary.Export; path != "" {
		reporters = append(append([]summary.Reporter(nil), reporters...), summary.JSONFile{Path: path})
	}
	for _, rep := range reporters {
		if err := rep.Report(s); err != nil {
			r.logger.Error("failed to report summary", zap.Error(err))
		}
	}
}

// IsRunning reports whether Run is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// RunID returns the id of the current or last run.
func (e *Engine) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// Config returns the test configuration with defaults applied.
func (e *Engine) Config() *config.TestConfig {
	return e.cfg
}

// Stop ends the stage timeline early. In-flight iterations get the
// graceful stop period. It is a no-op when no run is in progress.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	exec, running := e.exec, e.running
	e.mu.RUnlock()
	if !running || exec == nil {
		return nil
	}
	return exec.Stop(ctx)
}

// GetProgress returns the run progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	exec := e.exec
	e.mu.RUnlock()
	if exec == nil {
		return 0
	}
	return exec.GetProgress()
}

// GetMetrics returns a snapshot of the current or last run.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	e.mu.RLock()
	rec := e.recorder
	e.mu.RUnlock()
	if rec == nil {
		return nil
	}
	return rec.Snapshot()
}

// GetTimeSeries returns the live time series of the current or last run.
func (e *Engine) GetTimeSeries() []*metrics.TimeBucket {
	e.mu.RLock()
	live := e.live
	e.mu.RUnlock()
	if live == nil {
		return nil
	}
	return live.TimeSeries()
}
