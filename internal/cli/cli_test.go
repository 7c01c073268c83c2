package cli

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance/summary"
)

func execute(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := ExecuteArgs(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func newServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a short single-stage test against url.
func writeConfig(t *testing.T, url string, extra string) string {
	t.Helper()
	doc := fmt.Sprintf(`name: cli test
stages:
  - duration: 500ms
    target: 1
gracefulStop: 2s
wait:
  min: 10ms
  max: 20ms
checks:
  maxDuration: 1s
endpoints:
  - name: health
    url: %s/health
thresholds:
  http_req_failed: ["rate<0.01"]
%s`, url, extra)

	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	code, out, _ := execute("version")
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "surge version "+version+"\n", out)

	code, out, _ = execute("--version")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, version)
}

func TestRootHelp(t *testing.T) {
	code, out, _ := execute()
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "run")
	assert.Contains(t, out, "validate")
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, "http://localhost", "")
		code, out, stderr := execute("validate", path)
		assert.Equal(t, ExitOK, code, stderr)
		assert.Contains(t, out, "is valid: 1 stages (500ms), 1 endpoints, 1 thresholds")
	})

	t.Run("unknown threshold metric", func(t *testing.T) {
		path := writeConfig(t, "http://localhost", "  nope_trend: [\"avg<100\"]\n")
		code, _, stderr := execute("validate", path)
		assert.Equal(t, ExitError, code)
		assert.Contains(t, stderr, `unknown metric "nope_trend"`)
	})

	t.Run("shipped examples", func(t *testing.T) {
		for _, name := range []string{"staging.yaml", "local.yaml"} {
			code, _, stderr := execute("validate", filepath.Join("..", "..", "examples", name))
			assert.Equal(t, ExitOK, code, stderr)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		code, _, stderr := execute("validate", filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Equal(t, ExitError, code)
		assert.Contains(t, stderr, "Error:")
	})

	t.Run("no argument", func(t *testing.T) {
		code, _, _ := execute("validate")
		assert.Equal(t, ExitError, code)
	})
}

func TestRun_FlagErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no target", args: []string{"run"}, want: "either --config or --url is required"},
		{name: "config and url", args: []string{"run", "-c", "a.yaml", "--url", "http://localhost"}, want: "config"},
		{name: "bad stages", args: []string{"run", "--url", "http://localhost", "--stages", "30s"}, want: "invalid --stages"},
		{name: "bad log level", args: []string{"run", "--url", "http://localhost", "--log-level", "loud"}, want: "unknown log level"},
		{name: "bad output", args: []string{"run", "--url", "http://localhost", "--out", "csv=x.csv"}, want: "Error:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := execute(tt.args...)
			assert.Equal(t, ExitError, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestRun_Passes(t *testing.T) {
	srv := newServer(t, http.StatusOK)
	path := writeConfig(t, srv.URL, "")
	export := filepath.Join(t.TempDir(), "summary.json")

	code, out, stderr := execute("run", "-c", path, "-q", "--no-color", "--summary-export", export, "--seed", "7")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "PASSED ✓\n", out)
	assert.Contains(t, stderr, "run finished")

	s, err := summary.ReadJSON(export)
	require.NoError(t, err)
	assert.True(t, s.Passed)
	assert.Greater(t, s.Iterations, int64(0))
}

func TestRun_ThresholdFailureExits99(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError)
	path := writeConfig(t, srv.URL, "")

	code, out, _ := execute("run", "-c", path, "--no-color", "--log-level", "error")
	assert.Equal(t, ExitRunFailed, code)
	assert.Contains(t, out, "FAILED ✗")
	assert.Contains(t, out, "✗ http_req_failed rate<0.01")
}

func TestRun_JSONLogs(t *testing.T) {
	srv := newServer(t, http.StatusOK)
	path := writeConfig(t, srv.URL, "")

	code, _, stderr := execute("run", "-c", path, "-q", "--log-format", "json")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, stderr, `"msg":"run finished"`)
	assert.Contains(t, stderr, `"run_id":`)
}
