package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultGracefulStop = 30 * time.Second
	DefaultWaitMin      = 1 * time.Second
	DefaultWaitMax      = 5 * time.Second
	DefaultTimeout      = 10 * time.Second
	DefaultMaxDuration  = 200 * time.Millisecond
	DefaultUserAgent    = "surge/0.1.0"
	DefaultIdleConns    = 100
	DefaultTimeUnit     = "ms"
)

// DefaultTrendStats are the trend columns of the text summary.
var DefaultTrendStats = []string{"avg", "min", "med", "max", "p(90)", "p(95)"}

//go:embed schema.json
var schemaJSON string

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
//
// The document is checked against the embedded JSON Schema before it is
// decoded. Defaults are not applied.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data. The format is taken from the
// extension of path and defaults to YAML.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	isJSON := strings.ToLower(filepath.Ext(path)) == ".json"

	var doc interface{}
	if isJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var cfg TestConfig
	if isJSON {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode YAML config: %w", err)
		}
	}
	return &cfg, nil
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return compiler.MustCompile("schema.json")
}

// validateDocument checks a decoded document against the embedded schema.
// YAML documents are normalised through encoding/json first so that every
// number is a float64, which is what the validator expects.
func validateDocument(doc interface{}) error {
	if doc == nil {
		errs := &ValidationErrors{}
		errs.Add("", "configuration is empty")
		return errs
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to normalise config: %w", err)
	}
	var normalised interface{}
	if err := json.Unmarshal(raw, &normalised); err != nil {
		return fmt.Errorf("failed to normalise config: %w", err)
	}

	err = compiledSchema.Validate(normalised)
	if err == nil {
		return nil
	}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	errs := &ValidationErrors{}
	collectSchemaErrors(verr, errs)
	if !errs.HasErrors() {
		errs.Add("", verr.Message)
	}
	return errs
}

// collectSchemaErrors flattens the leaf causes of a schema error.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		errs.Add(pointerToField(err.InstanceLocation), err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

var pointerIndex = regexp.MustCompile(`\.(\d+)(\.|$)`)

// pointerToField turns "/stages/0/target" into "stages[0].target".
func pointerToField(ptr string) string {
	field := strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
	for pointerIndex.MatchString(field) {
		field = pointerIndex.ReplaceAllString(field, "[$1]$2")
	}
	return field
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
//
// An empty string is zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ParseStages parses the compact "30s:5,30s:50" stage notation.
func ParseStages(s string) ([]StageConfig, error) {
	var stages []StageConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		durStr, targetStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid stage %q: want <duration>:<target>", part)
		}
		dur, err := ParseDurationString(durStr)
		if err != nil {
			return nil, fmt.Errorf("invalid stage %q: %w", part, err)
		}
		target, err := strconv.Atoi(strings.TrimSpace(targetStr))
		if err != nil {
			return nil, fmt.Errorf("invalid stage %q: target must be an integer", part)
		}
		stages = append(stages, StageConfig{Duration: Duration(dur), Target: target})
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("no stages in %q", s)
	}
	return stages, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Name == "" {
		cfg.Name = "load test"
	}
	if cfg.GracefulStop == nil {
		cfg.GracefulStop = DurationPtr(DefaultGracefulStop)
	}
	if cfg.Wait.Min == 0 && cfg.Wait.Max == 0 {
		cfg.Wait.Min = Duration(DefaultWaitMin)
		cfg.Wait.Max = Duration(DefaultWaitMax)
	}

	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = Duration(DefaultTimeout)
	}
	if cfg.HTTP.MaxIdleConnsPerHost == 0 {
		cfg.HTTP.MaxIdleConnsPerHost = DefaultIdleConns
	}
	if cfg.HTTP.UserAgent == "" {
		cfg.HTTP.UserAgent = DefaultUserAgent
	}

	if cfg.Checks.MaxDuration == 0 {
		cfg.Checks.MaxDuration = Duration(DefaultMaxDuration)
	}

	if cfg.Metrics.WaitTrend == "" {
		cfg.Metrics.WaitTrend = "wait_time_trend"
	}
	if cfg.Metrics.ResponseTrend == "" {
		cfg.Metrics.ResponseTrend = "response_time_trend"
	}

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.Timeout == 0 {
			ep.Timeout = cfg.HTTP.Timeout
		}
		if ep.Trend == "" {
			ep.Trend = TrendName(ep.Name)
		}
	}

	if cfg.Summary.TimeUnit == "" {
		cfg.Summary.TimeUnit = DefaultTimeUnit
	}
	if len(cfg.Summary.TrendStats) == 0 {
		cfg.Summary.TrendStats = append([]string(nil), DefaultTrendStats...)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

var nonMetricChars = regexp.MustCompile(`[^a-z0-9_]+`)

// TrendName derives the default endpoint trend name, e.g. "Staging API" ->
// "staging_api_trend".
func TrendName(endpoint string) string {
	base := strings.Trim(nonMetricChars.ReplaceAllString(strings.ToLower(endpoint), "_"), "_")
	if base == "" {
		base = "endpoint"
	}
	return base + "_trend"
}

// Default returns the configuration used when only a URL is given: the
// four-stage ramp 30s:5, 30s:50, 30s:25, 20s:0 against a single endpoint.
func Default(url string) *TestConfig {
	cfg := &TestConfig{
		Name: "quick run",
		Stages: []StageConfig{
			{Duration: Duration(30 * time.Second), Target: 5},
			{Duration: Duration(30 * time.Second), Target: 50},
			{Duration: Duration(30 * time.Second), Target: 25},
			{Duration: Duration(20 * time.Second), Target: 0},
		},
		Endpoints: []EndpointConfig{{Name: "default", URL: url}},
		Thresholds: map[string]ThresholdList{
			"http_req_failed":   {{Threshold: "rate<0.01"}},
			"http_req_duration": {{Threshold: "p(95)<200"}, {Threshold: "p(99)<500"}},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// GracefulStopDuration returns the configured graceful stop, or the default
// when it is unset.
func (c *TestConfig) GracefulStopDuration() time.Duration {
	if c.GracefulStop == nil {
		return DefaultGracefulStop
	}
	return time.Duration(*c.GracefulStop)
}

// TotalDuration sums the stage durations.
func (c *TestConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range c.Stages {
		total += time.Duration(s.Duration)
	}
	return total
}
