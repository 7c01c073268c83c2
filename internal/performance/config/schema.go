// Package config provides configuration parsing and validation for load tests.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: staging-api
//	stages:
//	  - duration: 30s
//	    target: 5
//	  - duration: 20s
//	    target: 0
//	endpoints:
//	  - name: health
//	    url: https://staging-api.example.com/api/v1/health
//	thresholds:
//	  http_req_duration: ["p(95)<200"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Stages is the ordered VU ramp. Each stage moves linearly from the
	// previous target (0 before the first stage) to its own target.
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// GracefulStop is how long in-flight iterations may run after the last
	// stage before they are cancelled (default: 30s). An explicit 0s cancels
	// them as soon as the last stage ends.
	GracefulStop *Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Wait is the randomized pause at the start of every iteration
	Wait WaitConfig `json:"wait,omitempty" yaml:"wait,omitempty"`

	// HTTP contains client settings shared by all VUs
	HTTP HTTPSettings `json:"http,omitempty" yaml:"http,omitempty"`

	// Checks tunes the per-response check set
	Checks CheckSettings `json:"checks,omitempty" yaml:"checks,omitempty"`

	// Metrics names the general-purpose trends
	Metrics MetricNames `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// Endpoints are requested in order on every iteration
	Endpoints []EndpointConfig `json:"endpoints" yaml:"endpoints"`

	// Thresholds map a metric name to its pass/fail conditions
	Thresholds map[string]ThresholdList `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Summary controls the end-of-test report
	Summary SummaryConfig `json:"summary,omitempty" yaml:"summary,omitempty"`

	// Logging configures the structured logger
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`

	// Outputs stream samples while the test runs, e.g. "json=samples.ndjson"
	// or "prometheus=:9464"
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// StageConfig defines a single stage of the ramp.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// WaitConfig bounds the randomized think time. The wait is drawn uniformly
// from [Min, Max).
type WaitConfig struct {
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// HTTPSettings contains HTTP client settings.
type HTTPSettings struct {
	// Timeout is the default per-request timeout (default: 10s)
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is sent with every request
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are added to every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// CheckSettings tunes the fixed check set.
type CheckSettings struct {
	// MaxDuration is the bound of the "response time" check (default: 200ms)
	MaxDuration Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`
}

// MetricNames names the general trends every iteration records.
type MetricNames struct {
	// WaitTrend receives the randomized wait in ms (default: wait_time_trend)
	WaitTrend string `json:"waitTrend,omitempty" yaml:"waitTrend,omitempty"`

	// ResponseTrend receives every request duration in ms
	// (default: response_time_trend)
	ResponseTrend string `json:"responseTrend,omitempty" yaml:"responseTrend,omitempty"`
}

// EndpointConfig is a URL requested on every iteration.
type EndpointConfig struct {
	// Name identifies the endpoint in tags and logs
	Name string `json:"name" yaml:"name"`

	// URL is requested with GET
	URL string `json:"url" yaml:"url"`

	// Tags are added to every sample of this endpoint
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Timeout overrides http.timeout for this endpoint
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Trend is the endpoint-specific duration trend (default: <name>_trend)
	Trend string `json:"trend,omitempty" yaml:"trend,omitempty"`

	// ExpectJSON adds one check per entry: the gjson path must resolve to
	// the given string value
	ExpectJSON map[string]string `json:"expectJSON,omitempty" yaml:"expectJSON,omitempty"`
}

// ThresholdConfig is a threshold in its long form.
type ThresholdConfig struct {
	Threshold      string   `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool     `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval Duration `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

// ThresholdList is the list of thresholds of one metric. Entries may be a
// bare expression string or a ThresholdConfig object.
type ThresholdList []ThresholdConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *ThresholdList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: thresholds must be a list", node.Line)
	}
	out := make(ThresholdList, 0, len(node.Content))
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, ThresholdConfig{Threshold: item.Value})
		case yaml.MappingNode:
			var tc ThresholdConfig
			if err := item.Decode(&tc); err != nil {
				return err
			}
			out = append(out, tc)
		default:
			return fmt.Errorf("line %d: threshold must be a string or an object", item.Line)
		}
	}
	*l = out
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *ThresholdList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("thresholds must be a list: %w", err)
	}
	out := make(ThresholdList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, ThresholdConfig{Threshold: s})
			continue
		}
		var tc ThresholdConfig
		if err := json.Unmarshal(item, &tc); err != nil {
			return fmt.Errorf("threshold must be a string or an object: %w", err)
		}
		out = append(out, tc)
	}
	*l = out
	return nil
}

// SummaryConfig controls the end-of-test summary.
type SummaryConfig struct {
	// TimeUnit renders time metrics in "ms", "s" or "us" (default: ms)
	TimeUnit string `json:"timeUnit,omitempty" yaml:"timeUnit,omitempty"`

	// TrendStats are the columns shown for trends
	// (default: avg, min, med, max, p(90), p(95))
	TrendStats []string `json:"trendStats,omitempty" yaml:"trendStats,omitempty"`

	// Export writes the summary as JSON to this path
	Export string `json:"export,omitempty" yaml:"export,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
// Bare integers are read as seconds.
type Duration time.Duration

// DurationPtr returns a pointer to d, for optional fields such as
// TestConfig.GracefulStop.
func DurationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// GetDuration returns the duration or a default if zero.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		s = ""
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
