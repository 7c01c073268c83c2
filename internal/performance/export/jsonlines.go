package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// DefaultFlushInterval is how often buffered samples are written.
const DefaultFlushInterval = time.Second

// Point is one line of the sample stream.
type Point struct {
	Metric   string             `json:"metric"`
	Type     metrics.MetricType `json:"type"`
	Contains metrics.ValueType  `json:"contains"`
	Time     time.Time          `json:"time"`
	Value    float64            `json:"value"`
	Tags     metrics.Tags       `json:"tags,omitempty"`
}

// JSONLines writes samples as newline-delimited JSON.
//
// Samples are buffered in memory and flushed by a background goroutine so
// that AddSample never waits on the file.
type JSONLines struct {
	path   string
	runID  string
	logger *zap.Logger

	// FlushInterval overrides DefaultFlushInterval when set before Start.
	FlushInterval time.Duration

	mu     sync.Mutex
	buffer []Point

	out    io.WriteCloser
	w      *bufio.Writer
	enc    *json.Encoder
	cancel context.CancelFunc
	wg     sync.WaitGroup

	written int64
}

// NewJSONLines creates an exporter writing to path.
func NewJSONLines(path, runID string, logger *zap.Logger) *JSONLines {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLines{
		path:          path,
		runID:         runID,
		logger:        logger.With(zap.String("output", "json")),
		FlushInterval: DefaultFlushInterval,
	}
}

// Description implements Exporter.
func (j *JSONLines) Description() string {
	return fmt.Sprintf("json (%s)", j.path)
}

// Start opens the file and starts the flusher.
func (j *JSONLines) Start(ctx context.Context) error {
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(j.path)
	if err != nil {
		return fmt.Errorf("failed to create sample file: %w", err)
	}
	j.out = f
	j.w = bufio.NewWriter(f)
	j.enc = json.NewEncoder(j.w)

	interval := j.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	flushCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel
	j.wg.Add(1)
	go j.run(flushCtx, interval)
	return nil
}

// AddSample implements Exporter.
func (j *JSONLines) AddSample(s metrics.Sample) {
	p := Point{
		Metric:   s.Metric.Name,
		Type:     s.Metric.Type,
		Contains: s.Metric.Contains,
		Time:     s.Time,
		Value:    s.Value,
		Tags:     withRunID(s.Tags, j.runID),
	}
	j.mu.Lock()
	j.buffer = append(j.buffer, p)
	j.mu.Unlock()
}

func (j *JSONLines) run(ctx context.Context, interval time.Duration) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.flush(); err != nil {
				j.logger.Warn("failed to write samples", zap.Error(err))
			}
		}
	}
}

// flush writes every buffered point. Only the flusher goroutine and Stop
// call it, never concurrently.
func (j *JSONLines) flush() error {
	j.mu.Lock()
	points := j.buffer
	j.buffer = nil
	j.mu.Unlock()

	for i := range points {
		if err := j.enc.Encode(&points[i]); err != nil {
			return err
		}
	}
	j.written += int64(len(points))
	return j.w.Flush()
}

// Stop flushes the remaining samples and closes the file.
func (j *JSONLines) Stop() error {
	if j.out == nil {
		return nil
	}
	j.cancel()
	j.wg.Wait()

	err := j.flush()
	if cerr := j.out.Close(); err == nil {
		err = cerr
	}
	j.out = nil
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	j.logger.Debug("sample stream closed", zap.String("path", j.path), zap.Int64("samples", j.written))
	return nil
}

var _ Exporter = (*JSONLines)(nil)
