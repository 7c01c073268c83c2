package performance

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	surgehttp "github.com/wesleyorama2/surge/internal/http"
)

// Names of the fixed checks. The response time check is named after its
// bound, e.g. "response time < 200ms".
const (
	CheckStatus200      = "status is 200"
	CheckBodyNotEmpty   = "response body not empty"
	CheckErrorHandling  = "meaningful error handling"
	checkResponseFormat = "response time < %s"
)

// CheckResult is the outcome of one assertion against one response.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// CheckInput is what a check sees. Response is nil when the request failed
// at the transport level, in which case Err is set.
type CheckInput struct {
	Endpoint *Endpoint
	Response *surgehttp.Response
	Err      error
	Logger   *zap.Logger
}

// Check is a named assertion.
type Check struct {
	Name string
	Fn   func(in *CheckInput) bool
}

// ResponseTimeCheckName is the name of the latency check for bound d.
func ResponseTimeCheckName(d time.Duration) string {
	return fmt.Sprintf(checkResponseFormat, d)
}

// DefaultChecks returns the four checks every response is held to.
func DefaultChecks(maxDuration time.Duration) []Check {
	return []Check{
		{
			Name: CheckStatus200,
			Fn: func(in *CheckInput) bool {
				return in.Response != nil && in.Response.StatusCode == http.StatusOK
			},
		},
		{
			Name: ResponseTimeCheckName(maxDuration),
			Fn: func(in *CheckInput) bool {
				return in.Response != nil && in.Response.Timings.Duration < maxDuration
			},
		},
		{
			Name: CheckBodyNotEmpty,
			Fn: func(in *CheckInput) bool {
				return in.Response != nil && len(in.Response.Body) > 0
			},
		},
		{
			Name: CheckErrorHandling,
			Fn:   errorHandling,
		},
	}
}

// errorHandling passes on a 200 and otherwise logs the URL and status.
func errorHandling(in *CheckInput) bool {
	if in.Response != nil && in.Response.StatusCode == http.StatusOK {
		return true
	}

	fields := []zap.Field{
		zap.String("endpoint", in.Endpoint.Name),
		zap.String("url", in.Endpoint.URL),
	}
	if in.Response != nil {
		fields = append(fields, zap.Int("status", in.Response.StatusCode))
	} else {
		fields = append(fields, zap.Int("status", 0), zap.Error(in.Err))
	}
	in.Logger.Error("unexpected response status", fields...)
	return false
}

// jsonChecks builds one check per expected JSON value, in path order.
func jsonChecks(expect map[string]string) []Check {
	paths := make([]string, 0, len(expect))
	for p := range expect {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	checks := make([]Check, 0, len(paths))
	for _, path := range paths {
		path, want := path, expect[path]
		checks = append(checks, Check{
			Name: fmt.Sprintf("json %s == %s", path, want),
			Fn: func(in *CheckInput) bool {
				if in.Response == nil || !gjson.ValidBytes(in.Response.Body) {
					return false
				}
				got := gjson.GetBytes(in.Response.Body, path)
				return got.Exists() && got.String() == want
			},
		})
	}
	return checks
}

// RunChecks evaluates checks and then the endpoint's JSON expectations
// against one response. Every check runs; a failure never short-circuits
// the rest.
func RunChecks(checks []Check, ep *Endpoint, resp *surgehttp.Response, err error, logger *zap.Logger) []CheckResult {
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &CheckInput{Endpoint: ep, Response: resp, Err: err, Logger: logger}

	all := checks
	if len(ep.ExpectJSON) > 0 {
		all = append(append([]Check(nil), checks...), jsonChecks(ep.ExpectJSON)...)
	}

	results := make([]CheckResult, 0, len(all))
	for _, c := range all {
		results = append(results, CheckResult{Name: c.Name, Passed: c.Fn(in)})
	}
	return results
}
