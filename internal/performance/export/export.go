// Package export streams metric samples to external systems while a run is
// in progress.
package export

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// RunIDTag is added to every exported sample.
const RunIDTag = "run_id"

// Exporter receives every sample of a run.
//
// AddSample is called on the recording goroutine and must not block. Start
// is called before the first sample and Stop after the last one.
type Exporter interface {
	// Description identifies the exporter in logs, e.g. "json (samples.ndjson)".
	Description() string

	Start(ctx context.Context) error
	AddSample(s metrics.Sample)
	Stop() error
}

// New creates the exporter for an output spec such as
// "json=samples.ndjson" or "prometheus=:9464".
func New(spec, runID string, logger *zap.Logger) (Exporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kind, arg, err := config.ParseOutput(spec)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "json":
		return NewJSONLines(arg, runID, logger), nil
	case "prometheus":
		return NewPrometheus(arg, runID, logger), nil
	}
	return nil, fmt.Errorf("unknown output type %q", kind)
}

// FromSpecs creates one exporter per spec.
func FromSpecs(specs []string, runID string, logger *zap.Logger) ([]Exporter, error) {
	out := make([]Exporter, 0, len(specs))
	for _, spec := range specs {
		e, err := New(spec, runID, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func withRunID(tags metrics.Tags, runID string) metrics.Tags {
	out := make(metrics.Tags, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	if runID != "" {
		out[RunIDTag] = runID
	}
	return out
}
