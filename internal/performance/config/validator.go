package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
	"github.com/wesleyorama2/surge/internal/performance/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the configuration after defaults have been applied.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}
	for i, stage := range c.Stages {
		validateStage(fmt.Sprintf("stages[%d]", i), &stage, errs)
	}

	if c.GracefulStop != nil && *c.GracefulStop < 0 {
		errs.Add("gracefulStop", "cannot be negative")
	}
	validateWait(&c.Wait, errs)

	if c.HTTP.Timeout <= 0 {
		errs.Add("http.timeout", "timeout must be positive")
	}
	if c.HTTP.MaxIdleConnsPerHost < 0 {
		errs.Add("http.maxIdleConnsPerHost", "cannot be negative")
	}
	if c.Checks.MaxDuration <= 0 {
		errs.Add("checks.maxDuration", "must be positive")
	}

	if len(c.Endpoints) == 0 {
		errs.Add("endpoints", "at least one endpoint is required")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		prefix := fmt.Sprintf("endpoints[%d]", i)
		validateEndpoint(prefix, &ep, errs)
		if seen[ep.Name] {
			errs.Add(prefix+".name", fmt.Sprintf("duplicate endpoint name %q", ep.Name))
		}
		seen[ep.Name] = true
	}

	namespace := c.MetricNamespace()
	for _, name := range []string{c.Metrics.WaitTrend, c.Metrics.ResponseTrend} {
		if m, ok := metrics.LookupBuiltin(name); ok && m.Type != metrics.Trend {
			errs.Add("metrics", fmt.Sprintf("%s is a built-in %s and cannot be used as a trend", name, m.Type))
		}
	}
	validateThresholds(c.Thresholds, namespace, errs)

	switch c.Summary.TimeUnit {
	case "", "ms", "s", "us":
	default:
		errs.Add("summary.timeUnit", fmt.Sprintf("unknown time unit %q (want ms, s or us)", c.Summary.TimeUnit))
	}
	for i, stat := range c.Summary.TrendStats {
		st, err := metrics.ParseStat(stat)
		if err != nil || !metrics.Supports(metrics.Trend, st) {
			errs.Add(fmt.Sprintf("summary.trendStats[%d]", i), fmt.Sprintf("%q is not a trend statistic", stat))
		}
	}

	for i, out := range c.Outputs {
		if _, _, err := ParseOutput(out); err != nil {
			errs.Add(fmt.Sprintf("outputs[%d]", i), err.Error())
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration <= 0 {
		errs.Add(prefix+".duration", "duration must be positive")
	}
	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

// validateWait validates the randomized wait bounds.
func validateWait(w *WaitConfig, errs *ValidationErrors) {
	if w.Min < 0 {
		errs.Add("wait.min", "cannot be negative")
	}
	if w.Max < 0 {
		errs.Add("wait.max", "cannot be negative")
	}
	if w.Min > w.Max {
		errs.Add("wait", "min must be less than or equal to max")
	}
}

// validateEndpoint validates a single endpoint.
func validateEndpoint(prefix string, ep *EndpointConfig, errs *ValidationErrors) {
	if ep.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	if ep.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else if u, err := url.Parse(ep.URL); err != nil {
		errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add(prefix+".url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	if ep.Timeout < 0 {
		errs.Add(prefix+".timeout", "cannot be negative")
	}

	if m, ok := metrics.LookupBuiltin(ep.Trend); ok && m.Type != metrics.Trend {
		errs.Add(prefix+".trend", fmt.Sprintf("%s is a built-in %s and cannot be used as a trend", ep.Trend, m.Type))
	}
}

// validateThresholds checks that every threshold parses and references a
// metric of the run whose type supports the statistic.
func validateThresholds(thresholds map[string]ThresholdList, namespace map[string]metrics.Metric, errs *ValidationErrors) {
	names := make([]string, 0, len(thresholds))
	for name := range thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m, known := namespace[name]
		if !known {
			errs.Add("thresholds."+name, fmt.Sprintf("unknown metric %q", name))
			continue
		}

		for i, tc := range thresholds[name] {
			field := fmt.Sprintf("thresholds.%s[%d]", name, i)
			expr, err := threshold.Parse(tc.Threshold)
			if err != nil {
				errs.Add(field, err.Error())
				continue
			}
			if !metrics.Supports(m.Type, expr.Stat) {
				errs.Add(field, fmt.Sprintf("%s is not available on %s metric %s", expr.Stat, m.Type, name))
			}
			if expr.HasUnit && m.Contains != metrics.Time {
				errs.Add(field, fmt.Sprintf("duration bound used on non-time metric %s", name))
			}
			if tc.DelayAbortEval < 0 {
				errs.Add(field+".delayAbortEval", "cannot be negative")
			}
		}
	}
}

// MetricNamespace returns every metric a run of this configuration
// registers: the built-ins, the wait and response trends, and one trend per
// endpoint.
func (c *TestConfig) MetricNamespace() map[string]metrics.Metric {
	ns := make(map[string]metrics.Metric, len(metrics.Builtins)+len(c.Endpoints)+2)
	for _, m := range metrics.Builtins {
		ns[m.Name] = m
	}
	addTrend := func(name string) {
		if name == "" {
			return
		}
		if _, ok := ns[name]; !ok {
			ns[name] = metrics.Metric{Name: name, Type: metrics.Trend, Contains: metrics.Time}
		}
	}
	addTrend(c.Metrics.WaitTrend)
	addTrend(c.Metrics.ResponseTrend)
	for _, ep := range c.Endpoints {
		addTrend(ep.Trend)
	}
	return ns
}

// ParseOutput splits an output spec such as "json=samples.ndjson" into its
// type and argument.
func ParseOutput(spec string) (kind, arg string, err error) {
	kind, arg, ok := strings.Cut(spec, "=")
	if !ok || arg == "" {
		return "", "", fmt.Errorf("invalid output %q: want <type>=<target>", spec)
	}
	switch kind {
	case "json", "prometheus":
		return kind, arg, nil
	}
	return "", "", fmt.Errorf("unknown output type %q (want json or prometheus)", kind)
}
