package export_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance/export"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

var (
	reqs     = &metrics.Metric{Name: metrics.HTTPReqs, Type: metrics.Counter}
	duration = &metrics.Metric{Name: metrics.HTTPReqDuration, Type: metrics.Trend, Contains: metrics.Time}
	checks   = &metrics.Metric{Name: metrics.Checks, Type: metrics.Rate}
	vus      = &metrics.Metric{Name: metrics.VUs, Type: metrics.Gauge}
)

func sample(m *metrics.Metric, v float64, tags metrics.Tags) metrics.Sample {
	return metrics.Sample{Metric: m, Time: time.Now(), Value: v, Tags: tags}
}

func TestNew(t *testing.T) {
	tests := []struct {
		spec    string
		want    string
		wantErr bool
	}{
		{spec: "json=out/samples.ndjson", want: "json (out/samples.ndjson)"},
		{spec: "prometheus=:9464", want: "prometheus (:9464)"},
		{spec: "influxdb=http://localhost", wantErr: true},
		{spec: "json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			e, err := export.New(tt.spec, "run", nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Description())
		})
	}
}

func TestFromSpecs(t *testing.T) {
	exps, err := export.FromSpecs([]string{"json=a.ndjson", "prometheus=:0"}, "run", nil)
	require.NoError(t, err)
	assert.Len(t, exps, 2)

	_, err = export.FromSpecs([]string{"json=a.ndjson", "csv=b.csv"}, "run", nil)
	assert.Error(t, err)
}

func TestJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "samples.ndjson")
	j := export.NewJSONLines(path, "run-42", nil)
	j.FlushInterval = 10 * time.Millisecond
	require.NoError(t, j.Start(context.Background()))

	tags := metrics.Tags{"name": "health", "status": "200"}
	j.AddSample(sample(reqs, 1, tags))
	j.AddSample(sample(duration, 12.5, tags))
	j.AddSample(sample(checks, 0, metrics.Tags{"check": "status is 200"}))
	require.NoError(t, j.Stop())

	// Stop is safe to repeat.
	require.NoError(t, j.Stop())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var points []export.Point
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var p export.Point
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		points = append(points, p)
	}
	require.NoError(t, sc.Err())
	require.Len(t, points, 3)

	assert.Equal(t, metrics.HTTPReqs, points[0].Metric)
	assert.Equal(t, metrics.Counter, points[0].Type)
	assert.Equal(t, "run-42", points[0].Tags[export.RunIDTag])
	assert.Equal(t, "health", points[0].Tags["name"])

	assert.Equal(t, 12.5, points[1].Value)
	assert.Equal(t, metrics.Time, points[1].Contains)

	assert.Equal(t, "status is 200", points[2].Tags["check"])

	// The caller's tags are not modified.
	_, ok := tags[export.RunIDTag]
	assert.False(t, ok)
}

func TestJSONLines_StartFailsOnBadPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	j := export.NewJSONLines(filepath.Join(blocker, "samples.ndjson"), "run", nil)
	assert.Error(t, j.Start(context.Background()))
	assert.NoError(t, j.Stop())
}

func TestPrometheus(t *testing.T) {
	p := export.NewPrometheus("127.0.0.1:0", "run-7", nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })

	health := metrics.Tags{"name": "health"}
	p.AddSample(sample(reqs, 1, health))
	p.AddSample(sample(reqs, 1, health))
	p.AddSample(sample(duration, 20, health))
	p.AddSample(sample(checks, 1, health))
	p.AddSample(sample(checks, 0, health))
	p.AddSample(sample(checks, 1, health))
	p.AddSample(sample(vus, 5, nil))

	families, err := p.Registry().Gather()
	require.NoError(t, err)
	series := 0
	for _, mf := range families {
		series += len(mf.GetMetric())
	}
	assert.Equal(t, 5, series)

	resp, err := http.Get("http://" + p.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `surge_http_reqs_total{name="health",run_id="run-7"} 2`)
	assert.Contains(t, text, `surge_checks_total{name="health",outcome="pass",run_id="run-7"} 2`)
	assert.Contains(t, text, `surge_checks_total{name="health",outcome="fail",run_id="run-7"} 1`)
	assert.Contains(t, text, `surge_http_req_duration_count{name="health",run_id="run-7"} 1`)
	assert.Contains(t, text, "# TYPE surge_vus gauge")

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}

func TestPrometheus_AddrInUse(t *testing.T) {
	first := export.NewPrometheus("127.0.0.1:0", "", nil)
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second := export.NewPrometheus(first.Addr(), "", nil)
	assert.Error(t, second.Start(context.Background()))
}
