package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// RampingVUs ramps VU count up and down according to stages.
//
// This executor smoothly interpolates VU counts between stages,
// avoiding step-wise VU changes that cause jarring throughput variations.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config    *Config
	scheduler *performance.VUScheduler
	recorder  *metrics.Recorder
	phases    PhaseSetter
	logger    *zap.Logger

	// State
	startTime    atomic.Int64
	targetVUs    atomic.Int32
	maxVUs       atomic.Int32
	currentStage atomic.Int32
	running      atomic.Bool

	// Cancellation of the stage timeline
	cancelMu   sync.Mutex
	cancelFunc context.CancelFunc

	// VU tracking, oldest first
	vus   []*performance.VirtualUser
	vusMu sync.Mutex
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs(logger *zap.Logger) *RampingVUs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RampingVUs{
		vus:    make([]*performance.VirtualUser, 0),
		logger: logger,
	}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeRampingVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeRampingVUs, config.Type)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until completion.
func (e *RampingVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, recorder *metrics.Recorder, phases PhaseSetter) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}
	e.scheduler = scheduler
	e.recorder = recorder
	e.phases = phases
	e.running.Store(true)
	defer e.running.Store(false)
	start := time.Now()
	e.startTime.Store(start.UnixNano())

	// VUs run on their own context so that they outlive the stage timeline
	// by up to the graceful stop period.
	vuCtx, cancelVUs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelVUs()

	runCtx, cancel := context.WithTimeout(ctx, e.config.TotalDuration())
	e.cancelMu.Lock()
	e.cancelFunc = cancel
	e.cancelMu.Unlock()
	defer cancel()

	e.vuController(runCtx, vuCtx, start)
	e.gracefulShutdown(cancelVUs)

	e.recordVUs(0)
	e.setPhase(metrics.PhaseDone)
	return nil
}

// vuController adjusts VU count according to stages until runCtx ends.
func (e *RampingVUs) vuController(runCtx, vuCtx context.Context, start time.Time) {
	tick := e.config.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	e.step(vuCtx, 0)
	for {
		select {
		case <-runCtx.Done():
			return
		case now := <-ticker.C:
			e.step(vuCtx, now.Sub(start))
		}
	}
}

func (e *RampingVUs) step(vuCtx context.Context, elapsed time.Duration) {
	target, stage := StageTarget(e.config.Stages, elapsed)
	e.currentStage.Store(int32(stage))
	e.targetVUs.Store(int32(target))
	e.adjustVUs(vuCtx, target)
	e.updatePhase()
}

// StageTarget returns the VU target at elapsed time into the stages and the
// index of the stage it falls in. Within a stage the target moves linearly
// from the previous stage's target (0 before the first) to the stage's own,
// rounded to the nearest integer. Past the last stage it is the last target.
func StageTarget(stages []Stage, elapsed time.Duration) (int, int) {
	var stageStart time.Duration
	prevTarget := 0

	for i, stage := range stages {
		stageEnd := stageStart + stage.Duration

		if elapsed < stageEnd {
			// Calculate progress within this stage (0.0 to 1.0)
			stageProgress := float64(elapsed-stageStart) / float64(stage.Duration)
			if stageProgress < 0 {
				stageProgress = 0
			}
			if stageProgress > 1 {
				stageProgress = 1
			}

			targetVUs := float64(prevTarget) + float64(stage.Target-prevTarget)*stageProgress
			return int(targetVUs + 0.5), i
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	if len(stages) > 0 {
		return stages[len(stages)-1].Target, len(stages) - 1
	}
	return 0, 0
}

// adjustVUs spawns or stops VUs to match the target. VUs that stopped on
// their own, after a panic, are dropped first and replaced.
func (e *RampingVUs) adjustVUs(vuCtx context.Context, targetVUs int) {
	e.vusMu.Lock()
	defer e.vusMu.Unlock()

	live := e.vus[:0]
	for _, vu := range e.vus {
		if vu.GetState() != performance.VUStateStopped {
			live = append(live, vu)
		}
	}
	e.vus = live

	currentVUs := len(e.vus)

	if targetVUs > currentVUs {
		for i := currentVUs; i < targetVUs; i++ {
			vu := e.scheduler.SpawnVU()
			e.vus = append(e.vus, vu)
			e.scheduler.StartVU(vuCtx, vu)
		}
	} else if targetVUs < currentVUs {
		// Stop excess VUs (from the end)
		for i := currentVUs - 1; i >= targetVUs; i-- {
			e.vus[i].RequestStop()
		}
		e.vus = e.vus[:targetVUs]
	}

	if n := int32(len(e.vus)); n > e.maxVUs.Load() {
		e.maxVUs.Store(n)
	}
	e.recordVUs(len(e.vus))
}

func (e *RampingVUs) recordVUs(n int) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(metrics.VUs, float64(n), nil)
	e.recorder.Record(metrics.VUsMax, float64(e.maxVUs.Load()), nil)
}

func (e *RampingVUs) setPhase(p metrics.Phase) {
	if e.phases != nil {
		e.phases.SetPhase(p)
	}
}

// updatePhase updates the phase based on the current stage.
func (e *RampingVUs) updatePhase() {
	stageIdx := int(e.currentStage.Load())
	if stageIdx >= len(e.config.Stages) {
		return
	}

	stage := e.config.Stages[stageIdx]
	prevTarget := 0
	if stageIdx > 0 {
		prevTarget = e.config.Stages[stageIdx-1].Target
	}

	switch {
	case stage.Target == prevTarget:
		e.setPhase(metrics.PhaseSteady)
	case stage.Target > prevTarget:
		e.setPhase(metrics.PhaseRampUp)
	default:
		e.setPhase(metrics.PhaseRampDown)
	}
}

// gracefulShutdown asks every VU to stop after its current iteration and
// waits up to the graceful stop period. Iterations still running after that
// are interrupted through their context.
func (e *RampingVUs) gracefulShutdown(cancelVUs context.CancelFunc) {
	e.vusMu.Lock()
	e.vus = e.vus[:0]
	e.vusMu.Unlock()

	graceful := e.config.GracefulStop
	if !e.scheduler.Shutdown(graceful) {
		e.logger.Warn("interrupting iterations after graceful stop",
			zap.Duration("gracefulStop", graceful),
		)
		cancelVUs()
		e.scheduler.Wait()
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	started := e.startTime.Load()
	if !e.running.Load() {
		if started == 0 {
			return 0.0
		}
		return 1.0
	}

	totalDuration := e.config.TotalDuration()
	if totalDuration == 0 {
		return 1.0
	}

	elapsed := time.Since(time.Unix(0, started))
	progress := float64(elapsed) / float64(totalDuration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns the number of VUs the executor currently holds.
func (e *RampingVUs) GetActiveVUs() int {
	e.vusMu.Lock()
	defer e.vusMu.Unlock()
	return len(e.vus)
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	var start time.Time
	var elapsed time.Duration
	if ns := e.startTime.Load(); ns != 0 {
		start = time.Unix(0, ns)
		elapsed = time.Since(start)
	}

	stageIdx := int(e.currentStage.Load())
	stageName := ""
	if stageIdx < len(e.config.Stages) {
		stageName = e.config.Stages[stageIdx].Name
	}

	return &Stats{
		StartTime:        start,
		CurrentTime:      time.Now(),
		Elapsed:          elapsed,
		TotalDuration:    e.config.TotalDuration(),
		ActiveVUs:        e.GetActiveVUs(),
		TargetVUs:        int(e.targetVUs.Load()),
		MaxVUs:           int(e.maxVUs.Load()),
		CurrentStage:     stageIdx,
		CurrentStageName: stageName,
		TotalStages:      len(e.config.Stages),
	}
}

// Stop ends the stage timeline early. Run then performs the usual graceful
// shutdown.
func (e *RampingVUs) Stop(ctx context.Context) error {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	return nil
}

// Ensure RampingVUs implements Executor
var _ Executor = (*RampingVUs)(nil)
