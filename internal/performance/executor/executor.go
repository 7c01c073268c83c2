// Package executor drives the virtual user population of a run.
package executor

import (
	"context"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Type identifies the type of executor.
type Type string

// TypeRampingVUs ramps VU count up and down according to stages.
const TypeRampingVUs Type = "ramping-vus"

// DefaultTick is how often the VU count is adjusted.
const DefaultTick = 100 * time.Millisecond

// PhaseSetter receives phase changes as the run moves through its stages.
// *metrics.Live implements it.
type PhaseSetter interface {
	SetPhase(metrics.Phase)
}

// Executor defines the interface for load generation strategies.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init validates and stores the configuration. Called once before Run.
	Init(ctx context.Context, config *Config) error

	// Run blocks until the stages are over and every VU has stopped.
	// Cancelling ctx ends the stages early; VUs still get the graceful
	// stop period to finish their iteration.
	Run(ctx context.Context, scheduler *performance.VUScheduler, recorder *metrics.Recorder, phases PhaseSetter) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the run early.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the name of this executor instance
	Name string `json:"name" yaml:"name"`

	// Type is the executor type
	Type Type `json:"type" yaml:"type"`

	// Stages of the ramp
	Stages []Stage `json:"stages" yaml:"stages"`

	// GracefulStop is how long running iterations may take to finish once
	// the stages are over. Zero interrupts them immediately.
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Tick is the VU adjustment interval (default: 100ms)
	Tick time.Duration `json:"tick,omitempty" yaml:"tick,omitempty"`
}

// FromTestConfig builds the ramping-vus configuration of a test.
func FromTestConfig(tc *config.TestConfig) *Config {
	cfg := &Config{
		Name:         tc.Name,
		Type:         TypeRampingVUs,
		GracefulStop: tc.GracefulStopDuration(),
	}
	for _, s := range tc.Stages {
		cfg.Stages = append(cfg.Stages, Stage{
			Duration: time.Duration(s.Duration),
			Target:   s.Target,
			Name:     s.Name,
		})
	}
	return cfg
}

// Stage defines a stage in ramping executors.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`
	MaxVUs    int `json:"maxVUs"`

	// Stage info
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}
	if c.Type != TypeRampingVUs {
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}
	if len(c.Stages) == 0 {
		return &ValidationError{Field: "stages", Message: "at least one stage is required"}
	}
	for _, s := range c.Stages {
		if s.Duration <= 0 {
			return &ValidationError{Field: "stages", Message: "stage duration must be > 0"}
		}
		if s.Target < 0 {
			return &ValidationError{Field: "stages", Message: "stage target must be >= 0"}
		}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}
	return nil
}

// TotalDuration sums the stage durations.
func (c *Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range c.Stages {
		total += stage.Duration
	}
	return total
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
