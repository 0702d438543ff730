// Package probe implements the HTTP Probe Session: a per-scanner-module
// client that reproduces captured requests verbatim, bounds how many of
// them are in flight at once, and retries transient failures on a fixed
// backoff.
package probe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/korrelio/reqscan/pkg/capture"
)

// Config holds the session tunables.
type Config struct {
	// MaxConcurrentRequest bounds simultaneously in-flight outbound
	// requests across every caller sharing this Session.
	MaxConcurrentRequest int
	// RequestTimeout is the total per-attempt deadline, from connect to
	// the end of the response body read.
	RequestTimeout time.Duration
	// RetryTimes is the number of additional attempts after the first.
	RetryTimes int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRequest <= 0 {
		c.MaxConcurrentRequest = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryTimes < 0 {
		c.RetryTimes = 0
	}
	return c
}

// Response is what Send returns on success. Body is fully drained before
// return; streaming is never exposed to the caller.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// backoff is the fixed sleep between retry attempts. Not exponential: the
// scanner's worst-case latency per record must stay bounded.
const backoff = 1 * time.Second

// Session is a reusable, concurrency-bounded HTTP client for one scanner
// module. Construct once with NewSession and share across every worker
// coroutine that module runs; Close it exactly once when the module is
// done.
type Session struct {
	cfg    Config
	client *http.Client
	sem    *semaphore.Weighted
	hook   ContextHook
	log    zerolog.Logger
}

// NewSession builds a Session. hook may be nil, in which case attempts are
// tagged with a default correlation id.
func NewSession(cfg Config, hook ContextHook, log zerolog.Logger) *Session {
	return newSession(cfg, hook, log, createHTTPClient())
}

// newSessionWithClient builds a Session around a caller-supplied client,
// bypassing the TLS/proxy/redirect policy in transport.go. Tests use this to
// stub the transport; production code should always go through NewSession.
func newSessionWithClient(cfg Config, hook ContextHook, log zerolog.Logger, client *http.Client) *Session {
	return newSession(cfg, hook, log, client)
}

func newSession(cfg Config, hook ContextHook, log zerolog.Logger, client *http.Client) *Session {
	cfg = cfg.withDefaults()
	if hook == nil {
		hook = NewCorrelationHook(log)
	}
	return &Session{
		cfg:    cfg,
		client: client,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRequest)),
		hook:   hook,
		log:    log,
	}
}

// methodBuilders maps a request's method name to the http.NewRequest verb
// it issues. Keeping this as an explicit table (rather than reflecting on
// the method string) is what lets an unknown verb be rejected synchronously
// before any network I/O, per UnknownHTTPMethodError.
var methodBuilders = map[string]string{
	"GET":     http.MethodGet,
	"POST":    http.MethodPost,
	"PUT":     http.MethodPut,
	"PATCH":   http.MethodPatch,
	"DELETE":  http.MethodDelete,
	"HEAD":    http.MethodHead,
	"OPTIONS": http.MethodOptions,
}

// Send reproduces req against the network, retrying up to RetryTimes
// additional times after any failed attempt, with a fixed 1-second backoff
// between attempts. Timeouts and transport errors are logged at INFO, any
// other attempt error at ERROR. It blocks until a concurrency slot is free.
func (s *Session) Send(ctx context.Context, req *capture.Request) (*Response, error) {
	method, ok := methodBuilders[strings.ToUpper(req.Method)]
	if !ok {
		return nil, &UnknownHTTPMethodError{Method: req.Method}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	attempts := s.cfg.RetryTimes + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := s.attempt(ctx, method, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		if isTimeoutOrTransportErr(err) {
			s.log.Info().Err(err).Str("method", req.Method).Str("url", req.URL).Int("attempt", attempt).Msg("probe attempt failed, retrying")
		} else {
			s.log.Error().Stack().Err(err).Str("method", req.Method).Str("url", req.URL).Int("attempt", attempt).Msg("probe attempt raised an exception, retrying")
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &ScanRequestFailedError{Method: req.Method, URL: req.URL, Attempt: attempts, Err: lastErr}
}

func (s *Session) attempt(ctx context.Context, method string, req *capture.Request) (*Response, error) {
	attemptCtx, release := s.hook.Acquire(ctx)
	defer release()

	attemptCtx, cancel := context.WithTimeout(attemptCtx, s.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}

	return &Response{Status: httpResp.StatusCode, Headers: headers, Body: bodyBytes}, nil
}

// isTimeoutOrTransportErr mirrors the request executor's classification:
// anything that looks like a deadline or a low-level network failure gets
// the quieter INFO-level retry log instead of ERROR.
func isTimeoutOrTransportErr(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof")
}

// Close idempotently shuts the session's pooled connections down. Safe to
// call more than once, and safe to call while attempts are in flight: it
// only closes idle connections, it does not cancel callers.
func (s *Session) Close() {
	if s.client == nil {
		return
	}
	if transport, ok := s.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
