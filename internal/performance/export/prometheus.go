package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Namespace prefixes every exported Prometheus metric.
const Namespace = "surge"

// Labels of every exported series. "name" is the endpoint name tag.
var promLabels = []string{"name"}

// Millisecond buckets for trends, 1ms to ~16s.
var trendBuckets = prometheus.ExponentialBuckets(1, 2, 15)

// Prometheus exposes the run's metrics on a /metrics scrape endpoint.
//
//	counter -> surge_<name>_total
//	trend   -> surge_<name> histogram (ms or bytes)
//	rate    -> surge_<name>_total{outcome="pass|fail"}
//	gauge   -> surge_<name>
type Prometheus struct {
	addr   string
	runID  string
	logger *zap.Logger

	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec

	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// NewPrometheus creates an exporter serving on addr, e.g. ":9464".
func NewPrometheus(addr, runID string, logger *zap.Logger) *Prometheus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prometheus{
		addr:       addr,
		runID:      runID,
		logger:     logger.With(zap.String("output", "prometheus")),
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Description implements Exporter.
func (p *Prometheus) Description() string {
	return fmt.Sprintf("prometheus (%s)", p.addr)
}

// Registry returns the registry holding the exported collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Addr returns the listen address once started.
func (p *Prometheus) Addr() string {
	if p.listener == nil {
		return p.addr
	}
	return p.listener.Addr().String()
}

// Start begins serving /metrics.
func (p *Prometheus) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}
	p.listener = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	p.logger.Info("serving metrics", zap.String("addr", p.Addr()))
	return nil
}

// AddSample implements Exporter.
func (p *Prometheus) AddSample(s metrics.Sample) {
	name := promName(s.Metric.Name)
	label := s.Tags["name"]

	switch s.Metric.Type {
	case metrics.Counter:
		p.counter(name, "").WithLabelValues(label).Add(s.Value)
	case metrics.Rate:
		outcome := "fail"
		if s.Value != 0 {
			outcome = "pass"
		}
		p.counter(name, "outcome").WithLabelValues(label, outcome).Inc()
	case metrics.Trend:
		p.histogram(name, s.Metric.Contains).WithLabelValues(label).Observe(s.Value)
	case metrics.Gauge:
		p.gauge(name).WithLabelValues(label).Set(s.Value)
	}
}

func (p *Prometheus) constLabels() prometheus.Labels {
	if p.runID == "" {
		return nil
	}
	return prometheus.Labels{RunIDTag: p.runID}
}

func (p *Prometheus) counter(name, extraLabel string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.counters[name]; ok {
		return c
	}
	labels := promLabels
	if extraLabel != "" {
		labels = append(append([]string(nil), promLabels...), extraLabel)
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   Namespace,
		Name:        name + "_total",
		Help:        "surge metric " + name,
		ConstLabels: p.constLabels(),
	}, labels)
	p.register(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) histogram(name string, contains metrics.ValueType) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.histograms[name]; ok {
		return h
	}
	help := "surge trend " + name
	if contains == metrics.Time {
		help += " in milliseconds"
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   Namespace,
		Name:        name,
		Help:        help,
		Buckets:     trendBuckets,
		ConstLabels: p.constLabels(),
	}, promLabels)
	p.register(h)
	p.histograms[name] = h
	return h
}

func (p *Prometheus) gauge(name string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Name:        name,
		Help:        "surge gauge " + name,
		ConstLabels: p.constLabels(),
	}, promLabels)
	p.register(g)
	p.gauges[name] = g
	return g
}

func (p *Prometheus) register(c prometheus.Collector) {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("failed to register collector", zap.Error(err))
	}
}

// Stop shuts the server down.
func (p *Prometheus) Stop() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.server.Shutdown(ctx)
	<-p.done
	p.server = nil
	if err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}

// promName maps a metric name onto the Prometheus name alphabet.
func promName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}

var _ Exporter = (*Prometheus)(nil)
