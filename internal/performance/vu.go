package performance

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// ErrIterationPanic wraps a panic recovered from an iteration. A VU that
// returns it is retired.
var ErrIterationPanic = errors.New("iteration panicked")

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is in the middle of an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is a single simulated client running iterations one after
// another.
//
// A stop request is honoured between iterations: the iteration in flight
// always runs to completion unless its context is cancelled.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	iteration *Iteration
	rng       *rand.Rand
	logger    *zap.Logger

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	// Stop signal
	stopCh chan struct{}

	// Done signal (closed when VU fully stops)
	doneCh chan struct{}

	// Completed iteration counter
	iterations atomic.Int64
}

// NewVirtualUser creates a new Virtual User. seed feeds the VU's own random
// source, which is only used from the VU's goroutine.
func NewVirtualUser(id int, iteration *Iteration, seed int64, logger *zap.Logger) *VirtualUser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VirtualUser{
		ID:        id,
		iteration: iteration,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger.With(zap.Int("vu", id)),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIterations returns the number of completed iterations.
func (vu *VirtualUser) GetIterations() int64 {
	return vu.iterations.Load()
}

// RunIteration executes a single iteration.
//
// Returns:
//   - nil if the iteration completed
//   - ctx.Err() if the context ended first
//   - an error wrapping ErrIterationPanic if the iteration panicked
func (vu *VirtualUser) RunIteration(ctx context.Context) (err error) {
	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return fmt.Errorf("VU %d is %s", vu.ID, vu.GetState())
	}

	logger := vu.logger.With(zap.Int64("iteration", vu.iterations.Load()+1))

	defer func() {
		if r := recover(); r != nil {
			vu.iteration.Recorder().Record(metrics.IterationErrors, 1, nil)
			logger.Error("iteration panicked, retiring VU",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: VU %d: %v", ErrIterationPanic, vu.ID, r)
		}
		// A concurrent RequestStop already moved the state to stopping.
		vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	}()

	if err := vu.iteration.Run(ctx, vu.rng, logger); err != nil {
		return err
	}
	vu.iterations.Add(1)
	return nil
}

// Run executes iterations until the VU is asked to stop, ctx ends, or an
// iteration panics. It marks the VU stopped on return.
func (vu *VirtualUser) Run(ctx context.Context) error {
	defer vu.MarkStopped()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-vu.stopCh:
			return nil
		default:
		}

		if err := vu.RunIteration(ctx); err != nil {
			if errors.Is(err, ErrIterationPanic) {
				return err
			}
			if ctx.Err() != nil || vu.GetState() == VUStateStopping {
				return nil
			}
			vu.logger.Debug("iteration ended early", zap.Error(err))
		}
	}
}

// RequestStop signals the VU to stop after completing the current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-vu.doneCh:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed once the VU has fully stopped.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// MarkStopped marks the VU as fully stopped.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateStopped {
		return
	}
	if prev != VUStateStopping {
		close(vu.stopCh)
	}
	close(vu.doneCh)
}
