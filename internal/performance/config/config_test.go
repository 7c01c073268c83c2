package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "standard seconds", input: "30s", expected: 30 * time.Second},
		{name: "standard minutes", input: "2m", expected: 2 * time.Minute},
		{name: "milliseconds", input: "500ms", expected: 500 * time.Millisecond},
		{name: "combined duration", input: "1h30m", expected: 90 * time.Minute},
		{name: "integer as seconds", input: "30", expected: 30 * time.Second},
		{name: "empty string", input: "", expected: 0},
		{name: "invalid format", input: "abc", wantErr: true},
		{name: "trailing garbage", input: "30abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDurationString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseDurationString() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLoadConfig_StagingYAML(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "staging.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if len(cfg.Stages) != 4 {
		t.Fatalf("len(Stages) = %d, want 4", len(cfg.Stages))
	}
	wantTargets := []int{5, 50, 25, 0}
	for i, s := range cfg.Stages {
		if s.Target != wantTargets[i] {
			t.Errorf("Stages[%d].Target = %d, want %d", i, s.Target, wantTargets[i])
		}
	}
	if cfg.TotalDuration() != 110*time.Second {
		t.Errorf("TotalDuration() = %v, want 110s", cfg.TotalDuration())
	}

	if cfg.Wait.Min.GetDuration(0) != time.Second || cfg.Wait.Max.GetDuration(0) != 5*time.Second {
		t.Errorf("Wait = %v..%v, want 1s..5s", cfg.Wait.Min, cfg.Wait.Max)
	}
	if got := cfg.Endpoints[0].Timeout.GetDuration(0); got != 10*time.Second {
		t.Errorf("endpoint timeout = %v, want default 10s", got)
	}
	if cfg.Endpoints[0].Tags["name"] != "Health Check, Banners and Banner Categories" {
		t.Errorf("endpoint tags = %v", cfg.Endpoints[0].Tags)
	}

	checks := cfg.Thresholds["checks"]
	if len(checks) != 1 || !checks[0].AbortOnFail || checks[0].DelayAbortEval.GetDuration(0) != 10*time.Second {
		t.Errorf("checks threshold = %+v, want abortOnFail with 10s delay", checks)
	}
	if got := cfg.Thresholds["http_req_duration"]; len(got) != 2 || got[1].Threshold != "p(99)<500" {
		t.Errorf("http_req_duration thresholds = %+v", got)
	}

	if cfg.Summary.TimeUnit != "ms" || len(cfg.Summary.TrendStats) != 6 {
		t.Errorf("Summary = %+v", cfg.Summary)
	}
}

func TestLoadConfig_MinimalJSON(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "minimal.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Stages[1].Duration.GetDuration(0) != 5*time.Second {
		t.Errorf("integer stage duration = %v, want 5s", cfg.Stages[1].Duration)
	}
	if cfg.Endpoints[0].Trend != "users_api_trend" {
		t.Errorf("default trend = %q, want users_api_trend", cfg.Endpoints[0].Trend)
	}
	if !cfg.Thresholds["checks"][0].AbortOnFail {
		t.Error("JSON object threshold lost abortOnFail")
	}
	if cfg.Thresholds["http_req_duration"][0].Threshold != "p95 < 300ms" {
		t.Errorf("JSON string threshold = %+v", cfg.Thresholds["http_req_duration"])
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("LoadConfig() error = %v, want read failure", err)
	}
}

func TestParseConfig_SchemaErrors(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantField string
	}{
		{
			name:      "missing endpoints",
			doc:       "stages:\n  - {duration: 10s, target: 1}\n",
			wantField: "",
		},
		{
			name:      "target not an integer",
			doc:       "stages:\n  - {duration: 10s, target: many}\nendpoints:\n  - {name: a, url: http://x}\n",
			wantField: "stages[0].target",
		},
		{
			name:      "unknown stage field",
			doc:       "stages:\n  - {duration: 10s, target: 1, vus: 3}\nendpoints:\n  - {name: a, url: http://x}\n",
			wantField: "stages[0]",
		},
		{
			name:      "bad output",
			doc:       "stages:\n  - {duration: 10s, target: 1}\nendpoints:\n  - {name: a, url: http://x}\noutputs: [influxdb=x]\n",
			wantField: "outputs[0]",
		},
		{
			name:      "empty document",
			doc:       "",
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc), "test.yaml")
			var verrs *ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("ParseConfig() error = %v, want *ValidationErrors", err)
			}
			found := false
			for _, e := range verrs.Errors {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention field %q", verrs, tt.wantField)
			}
		})
	}
}

func TestParseConfig_InvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("stages: [\n"), "bad.yml")
	if err == nil || !strings.Contains(err.Error(), "failed to parse YAML config") {
		t.Errorf("ParseConfig() error = %v, want YAML parse error", err)
	}
}

func validConfig() *TestConfig {
	cfg := &TestConfig{
		Stages:    []StageConfig{{Duration: Duration(time.Second), Target: 1}},
		Endpoints: []EndpointConfig{{Name: "a", URL: "http://localhost/a"}},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *TestConfig)
		wantField string
	}{
		{
			name:      "zero stage duration",
			mutate:    func(c *TestConfig) { c.Stages[0].Duration = 0 },
			wantField: "stages[0].duration",
		},
		{
			name:      "negative stage duration",
			mutate:    func(c *TestConfig) { c.Stages[0].Duration = Duration(-time.Second) },
			wantField: "stages[0].duration",
		},
		{
			name:      "negative target",
			mutate:    func(c *TestConfig) { c.Stages[0].Target = -1 },
			wantField: "stages[0].target",
		},
		{
			name:      "no stages",
			mutate:    func(c *TestConfig) { c.Stages = nil },
			wantField: "stages",
		},
		{
			name:      "wait min above max",
			mutate:    func(c *TestConfig) { c.Wait = WaitConfig{Min: Duration(3 * time.Second), Max: Duration(time.Second)} },
			wantField: "wait",
		},
		{
			name:      "unsupported scheme",
			mutate:    func(c *TestConfig) { c.Endpoints[0].URL = "ftp://example.com" },
			wantField: "endpoints[0].url",
		},
		{
			name: "duplicate endpoint",
			mutate: func(c *TestConfig) {
				c.Endpoints = append(c.Endpoints, EndpointConfig{Name: "a", URL: "http://localhost/b", Trend: "b_trend"})
			},
			wantField: "endpoints[1].name",
		},
		{
			name:      "unknown threshold metric",
			mutate:    func(c *TestConfig) { c.Thresholds = map[string]ThresholdList{"bogus": {{Threshold: "avg<1"}}} },
			wantField: "thresholds.bogus",
		},
		{
			name: "stat not valid for rate",
			mutate: func(c *TestConfig) {
				c.Thresholds = map[string]ThresholdList{"http_req_failed": {{Threshold: "p(95)<1"}}}
			},
			wantField: "thresholds.http_req_failed[0]",
		},
		{
			name: "duration bound on counter",
			mutate: func(c *TestConfig) {
				c.Thresholds = map[string]ThresholdList{"iterations": {{Threshold: "count>5s"}}}
			},
			wantField: "thresholds.iterations[0]",
		},
		{
			name: "unparseable threshold",
			mutate: func(c *TestConfig) {
				c.Thresholds = map[string]ThresholdList{"http_req_duration": {{Threshold: "fast please"}}}
			},
			wantField: "thresholds.http_req_duration[0]",
		},
		{
			name:      "bad trend stat",
			mutate:    func(c *TestConfig) { c.Summary.TrendStats = []string{"rate"} },
			wantField: "summary.trendStats[0]",
		},
		{
			name:      "wait trend clashes with builtin",
			mutate:    func(c *TestConfig) { c.Metrics.WaitTrend = "http_reqs" },
			wantField: "metrics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var verrs *ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Validate() error = %v, want *ValidationErrors", err)
			}
			for _, e := range verrs.Errors {
				if e.Field == tt.wantField {
					return
				}
			}
			t.Errorf("Validate() errors %v do not include field %q", verrs, tt.wantField)
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Stages[0].Target = -1
	cfg.Endpoints[0].URL = ""

	err := cfg.Validate()
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(verrs.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2: %v", len(verrs.Errors), verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidate_EndpointTrendThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Thresholds = map[string]ThresholdList{
		"a_trend":         {{Threshold: "avg<150"}, {Threshold: "max<300ms"}},
		"wait_time_trend": {{Threshold: "p(90) < 5s"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestParseStages(t *testing.T) {
	stages, err := ParseStages("30s:5, 1m:50,20:0")
	if err != nil {
		t.Fatalf("ParseStages() error = %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("len = %d, want 3", len(stages))
	}
	if stages[1].Duration.GetDuration(0) != time.Minute || stages[1].Target != 50 {
		t.Errorf("stages[1] = %+v", stages[1])
	}
	if stages[2].Duration.GetDuration(0) != 20*time.Second {
		t.Errorf("stages[2] duration = %v, want 20s", stages[2].Duration)
	}

	for _, bad := range []string{"", "30s", "30s:x", "abc:1"} {
		if _, err := ParseStages(bad); err == nil {
			t.Errorf("ParseStages(%q) error = nil, want error", bad)
		}
	}
}

func TestTrendName(t *testing.T) {
	tests := map[string]string{
		"health":            "health_trend",
		"Staging API":       "staging_api_trend",
		"banner-categories": "banner_categories_trend",
		"!!!":               "endpoint_trend",
	}
	for in, want := range tests {
		if got := TrendName(in); got != want {
			t.Errorf("TrendName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefault(t *testing.T) {
	cfg := Default("http://localhost:8080/")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.TotalDuration() != 110*time.Second {
		t.Errorf("TotalDuration() = %v, want 110s", cfg.TotalDuration())
	}
}

func TestParseOutput(t *testing.T) {
	kind, arg, err := ParseOutput("prometheus=:9464")
	if err != nil || kind != "prometheus" || arg != ":9464" {
		t.Errorf("ParseOutput() = %q, %q, %v", kind, arg, err)
	}
	for _, bad := range []string{"json", "json=", "csv=out.csv"} {
		if _, _, err := ParseOutput(bad); err == nil {
			t.Errorf("ParseOutput(%q) error = nil, want error", bad)
		}
	}
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	out, _ := d.MarshalJSON()
	if string(out) != `"1m30s"` {
		t.Errorf("MarshalJSON() = %s, want \"1m30s\"", out)
	}
	if err := d.UnmarshalJSON([]byte(`null`)); err != nil || d != 0 {
		t.Errorf("UnmarshalJSON(null) = %v, %v; want 0, nil", d, err)
	}
}

func TestLoadConfig_WritesAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yml")
	doc := "stages:\n  - duration: 2\n    target: 3\nendpoints:\n  - name: x\n    url: http://localhost\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Stages[0].Duration.GetDuration(0) != 2*time.Second {
		t.Errorf("stage duration = %v, want 2s", cfg.Stages[0].Duration)
	}
}

func TestGracefulStop_ZeroIsKept(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want time.Duration
	}{
		{name: "unset uses default", doc: "", want: DefaultGracefulStop},
		{name: "explicit zero", doc: "gracefulStop: 0s\n", want: 0},
		{name: "explicit value", doc: "gracefulStop: 5s\n", want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := tt.doc + "stages:\n  - duration: 2s\n    target: 3\nendpoints:\n  - name: x\n    url: http://localhost\n"
			cfg, err := ParseConfig([]byte(doc), "run.yaml")
			if err != nil {
				t.Fatalf("ParseConfig() error = %v", err)
			}
			ApplyDefaults(cfg)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got := cfg.GracefulStopDuration(); got != tt.want {
				t.Errorf("GracefulStopDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate_NegativeGracefulStop(t *testing.T) {
	cfg := Default("http://localhost")
	cfg.GracefulStop = DurationPtr(-time.Second)
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "gracefulStop") {
		t.Errorf("Validate() error = %v, want gracefulStop error", err)
	}
}
