package metrics

// Built-in metric names.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqFailed     = "http_req_failed"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqSending    = "http_req_sending"
	HTTPReqWaiting    = "http_req_waiting"
	HTTPReqReceiving  = "http_req_receiving"
	HTTPReqBlocked    = "http_req_blocked"
	HTTPReqConnecting = "http_req_connecting"
	DataReceived      = "data_received"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	Checks            = "checks"
	VUs               = "vus"
	VUsMax            = "vus_max"
	DefaultWaitTrend  = "wait_time_trend"
	DefaultRespTrend  = "response_time_trend"
	IterationErrors   = "iteration_errors"
)

// Builtins lists the metrics every Recorder starts with.
var Builtins = []Metric{
	{Name: HTTPReqs, Type: Counter, Contains: Default},
	{Name: HTTPReqFailed, Type: Rate, Contains: Default},
	{Name: HTTPReqDuration, Type: Trend, Contains: Time},
	{Name: HTTPReqSending, Type: Trend, Contains: Time},
	{Name: HTTPReqWaiting, Type: Trend, Contains: Time},
	{Name: HTTPReqReceiving, Type: Trend, Contains: Time},
	{Name: HTTPReqBlocked, Type: Trend, Contains: Time},
	{Name: HTTPReqConnecting, Type: Trend, Contains: Time},
	{Name: DataReceived, Type: Counter, Contains: Data},
	{Name: Iterations, Type: Counter, Contains: Default},
	{Name: IterationDuration, Type: Trend, Contains: Time},
	{Name: IterationErrors, Type: Counter, Contains: Default},
	{Name: Checks, Type: Rate, Contains: Default},
	{Name: VUs, Type: Gauge, Contains: Default},
	{Name: VUsMax, Type: Gauge, Contains: Default},
}

// LookupBuiltin returns the built-in definition for name.
func LookupBuiltin(name string) (Metric, bool) {
	for _, m := range Builtins {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}
