package performance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// VUScheduler manages the lifecycle of Virtual Users.
//
// It provides:
// - VU pool management (spawning/ stopping VUs)
// - A single shared iteration, and with it a shared HTTP client
// - Graceful shutdown coordination
//
// The scheduler is used by executors to control VU counts.
type VUScheduler struct {
	iteration *Iteration
	logger    *zap.Logger
	seed      int64

	// Live VUs
	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	// VU ID counter
	nextVUID atomic.Int32

	// Retired VUs (stopped after a panic)
	retired atomic.Int64

	// Shutdown coordination
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownWg   sync.WaitGroup
}

// NewVUScheduler creates a new VU scheduler. VU n draws its waits from a
// random source seeded with seed+n.
func NewVUScheduler(iteration *Iteration, seed int64, logger *zap.Logger) *VUScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VUScheduler{
		iteration:  iteration,
		logger:     logger,
		seed:       seed,
		vus:        make(map[int]*VirtualUser),
		shutdownCh: make(chan struct{}),
	}
}

// SpawnVU creates and returns a new Virtual User.
//
// The VU is registered with the scheduler but not started.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))
	vu := NewVirtualUser(id, s.iteration, s.seed+int64(id), s.logger)

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	return vu
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUCount returns the count of VUs that are neither stopping nor
// stopped.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if st := vu.GetState(); st == VUStateIdle || st == VUStateRunning {
			count++
		}
	}
	return count
}

// Len returns the number of VUs whose goroutine has not returned yet,
// including those finishing their last iteration.
func (s *VUScheduler) Len() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return len(s.vus)
}

// Spawned returns the number of VUs created so far.
func (s *VUScheduler) Spawned() int {
	return int(s.nextVUID.Load())
}

// Retired returns the number of VUs retired after a panic.
func (s *VUScheduler) Retired() int64 {
	return s.retired.Load()
}

// StopAllVUs requests all VUs to stop.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// RemoveVU removes a VU from the scheduler.
func (s *VUScheduler) RemoveVU(id int) {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	if vu, exists := s.vus[id]; exists {
		vu.MarkStopped()
		delete(s.vus, id)
	}
}

// StartVU runs a VU on its own goroutine until it is stopped, ctx is
// cancelled, or the scheduler shuts down. A VU whose iteration panicked is
// retired without affecting the others.
func (s *VUScheduler) StartVU(ctx context.Context, vu *VirtualUser) {
	s.shutdownWg.Add(1)
	go s.runVU(ctx, vu)
}

func (s *VUScheduler) runVU(ctx context.Context, vu *VirtualUser) {
	defer s.shutdownWg.Done()

	go func() {
		select {
		case <-s.shutdownCh:
			vu.RequestStop()
		case <-vu.Done():
		}
	}()

	err := vu.Run(ctx)
	if errors.Is(err, ErrIterationPanic) {
		s.retired.Add(1)
	}
	s.RemoveVU(vu.ID)
}

// Shutdown stops all VUs and waits up to timeout for their in-flight
// iterations to finish. It returns false if some VUs were still running
// when the timeout expired.
func (s *VUScheduler) Shutdown(timeout time.Duration) bool {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	s.StopAllVUs()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		s.logger.Warn("graceful stop expired with VUs still running",
			zap.Int("vus", s.Len()),
			zap.Duration("gracefulStop", timeout),
		)
		return false
	}
}

// Wait blocks until every VU goroutine started with StartVU has returned.
func (s *VUScheduler) Wait() {
	s.shutdownWg.Wait()
}

// Close releases the shared client's idle connections.
func (s *VUScheduler) Close() {
	if c, ok := s.iteration.Client().(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
