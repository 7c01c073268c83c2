// Package http is the HTTP client used by virtual users. It issues requests
// and reports per-phase timings captured with net/http/httptrace.
package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"syscall"
	"time"
)

// Config contains HTTP client configuration.
type Config struct {
	// Timeout is the default per-request timeout
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// UserAgent is sent with every request
	UserAgent string

	// Headers are added to every request
	Headers map[string]string
}

// DefaultConfig returns defaults suited to load generation.
func DefaultConfig() Config {
	return Config{
		Timeout:             10 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "surge/0.1.0",
	}
}

// Client is shared by all virtual users of a run. It is safe for concurrent
// use.
type Client struct {
	hc  *http.Client
	cfg Config
}

// NewClient creates a client with a pooled transport.
func NewClient(cfg Config) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		// Timeouts are applied per request through the context.
		hc:  &http.Client{Transport: transport},
		cfg: cfg,
	}
}

// Timings breaks a request down into phases.
//
// Blocked is the time spent waiting for a connection, excluding Connecting
// and TLSHandshaking. Duration is Sending + Waiting + Receiving.
type Timings struct {
	Blocked        time.Duration `json:"blocked"`
	Connecting     time.Duration `json:"connecting"`
	TLSHandshaking time.Duration `json:"tlsHandshaking"`
	Sending        time.Duration `json:"sending"`
	Waiting        time.Duration `json:"waiting"`
	Receiving      time.Duration `json:"receiving"`
	Duration       time.Duration `json:"duration"`
}

// Response is a fully read HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Timings    Timings
}

// Get issues a GET request. timeout overrides the client default when
// positive. The body is read completely before Get returns. Any non-nil
// error means no response was received.
func (c *Client) Get(ctx context.Context, url string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tr := &tracer{}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, tr.clientTrace()), http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	tr.start(time.Now())
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		URL:        url,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
		Timings:    tr.finish(time.Now()),
	}, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.hc.CloseIdleConnections()
}

// tracer records httptrace events. Dial callbacks can run on other
// goroutines, hence the mutex.
type tracer struct {
	mu sync.Mutex

	began, getConn, gotConn   time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time
	wroteRequest, firstByte   time.Time
}

func (t *tracer) start(now time.Time) {
	t.mu.Lock()
	t.began = now
	t.mu.Unlock()
}

func (t *tracer) set(field *time.Time) func() {
	return func() {
		t.mu.Lock()
		*field = time.Now()
		t.mu.Unlock()
	}
}

func (t *tracer) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn:              func(string) { t.set(&t.getConn)() },
		GotConn:              func(httptrace.GotConnInfo) { t.set(&t.gotConn)() },
		ConnectStart:         func(string, string) { t.set(&t.connectStart)() },
		ConnectDone:          func(string, string, error) { t.set(&t.connectDone)() },
		TLSHandshakeStart:    t.set(&t.tlsStart),
		TLSHandshakeDone:     func(tls.ConnectionState, error) { t.set(&t.tlsDone)() },
		WroteRequest:         func(httptrace.WroteRequestInfo) { t.set(&t.wroteRequest)() },
		GotFirstResponseByte: t.set(&t.firstByte),
	}
}

// finish converts the recorded events into phase durations.
func (t *tracer) finish(done time.Time) Timings {
	t.mu.Lock()
	defer t.mu.Unlock()

	span := func(from, to time.Time) time.Duration {
		if from.IsZero() || to.IsZero() || to.Before(from) {
			return 0
		}
		return to.Sub(from)
	}

	getConn := t.getConn
	if getConn.IsZero() {
		getConn = t.began
	}
	gotConn := t.gotConn
	if gotConn.IsZero() {
		gotConn = getConn
	}
	wrote := t.wroteRequest
	if wrote.IsZero() {
		wrote = gotConn
	}
	firstByte := t.firstByte
	if firstByte.IsZero() {
		firstByte = wrote
	}

	tm := Timings{
		Connecting:     span(t.connectStart, t.connectDone),
		TLSHandshaking: span(t.tlsStart, t.tlsDone),
		Sending:        span(gotConn, wrote),
		Waiting:        span(wrote, firstByte),
		Receiving:      span(firstByte, done),
	}
	tm.Blocked = span(getConn, gotConn) - tm.Connecting - tm.TLSHandshaking
	if tm.Blocked < 0 {
		tm.Blocked = 0
	}
	tm.Duration = tm.Sending + tm.Waiting + tm.Receiving
	return tm
}

// ErrorKind classifies a transport error for tags and logs.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection reset"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "request failed"
}
