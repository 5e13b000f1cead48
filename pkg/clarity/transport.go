package clarity

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// RequestInfo describes an outgoing mutating request for a RequestGuard.
type RequestInfo struct {
	Method      string `json:"method"`
	URI         string `json:"uri"`
	Environment string `json:"environment"`
	Username    string `json:"username"`
	DryRun      bool   `json:"dry_run"`
}

// RequestGuard may veto a mutating request before it is sent. Returning an
// error aborts the request.
type RequestGuard interface {
	Check(ctx context.Context, req RequestInfo) error
}

// Tunneler opens a local forward for URIs whose host is written "host:ssh".
// It returns the local host:port that replaces "host:ssh".
type Tunneler interface {
	Tunnel(ctx context.Context, host string) (string, error)
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	Username string
	Password string

	// DryRun answers every mutating request locally.
	DryRun bool

	// Insecure disables TLS certificate verification.
	Insecure bool

	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int

	// BreakerFailures opens the circuit after this many consecutive transport
	// failures. Zero disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// LogRequests logs the duration of every request at info level.
	LogRequests bool

	Environment string
	HTTPClient  *http.Client
	Guard       RequestGuard
	Tunneler    Tunneler
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
}

// Response is a raw HTTP exchange with the LIMS.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Transport sends requests to the LIMS REST API and maps failures to
// classified errors.
type Transport struct {
	opts    TransportOptions
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	tunnelMu sync.Mutex
	tunnels  map[string]string
}

// NewTransport creates a transport.
func NewTransport(opts TransportOptions) *Transport {
	t := &Transport{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "clarity-transport").Logger(),
		tunnels: make(map[string]string),
	}

	client := opts.HTTPClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
		}
		client = &http.Client{Transport: tr}
	} else {
		cp := *client
		client = &cp
	}
	client.Timeout = opts.Timeout
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	t.client = client

	if opts.Insecure {
		t.logger.Warn().Msg("This machine is not validating SSL certificates. DO NOT ENABLE IN PRODUCTION.")
	}
	if opts.DryRun {
		t.logger.Info().Msg("LIMS dry run. No destructive requests will be sent to real LIMS.")
	}

	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/opts.RateLimit)), burst)
	}

	if opts.BreakerFailures > 0 {
		timeout := opts.BreakerTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "clarity",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				t.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		})
	}

	return t
}

// Username returns the configured user.
func (t *Transport) Username() string { return t.opts.Username }

// DryRun reports whether mutating requests are suppressed.
func (t *Transport) DryRun() bool { return t.opts.DryRun }

func suppressedInDryRun(method, uri string) bool {
	if method == http.MethodGet {
		return false
	}
	if method == http.MethodPost && strings.HasSuffix(uri, "/batch/retrieve") {
		return false
	}
	return true
}

func mutating(method, uri string) bool {
	return suppressedInDryRun(method, uri)
}

// Do sends a raw request and returns the response once the status and body
// have been checked for LIMS error conditions.
func (t *Transport) Do(ctx context.Context, method, uri string, body []byte, contentType string) (*Response, error) {
	var span = telemetry.SpanFromContext(ctx)
	if t.opts.Tracer != nil {
		ctx, span = t.opts.Tracer.StartSpan(ctx, "clarity.request",
			telemetry.AttrHTTPMethod.String(method),
			telemetry.AttrHTTPURL.String(uri))
		defer span.End()
	}

	resp, err := t.do(ctx, method, uri, body, contentType)
	if err != nil {
		telemetry.RecordError(span, err)
		var ce *Error
		if errors.As(err, &ce) {
			t.opts.Metrics.RecordError(string(ce.Class), ce.Code)
		}
		return nil, err
	}
	span.SetAttributes(telemetry.AttrHTTPStatus.Int(resp.Status))
	telemetry.RecordSuccess(span)
	return resp, nil
}

func (t *Transport) do(ctx context.Context, method, uri string, body []byte, contentType string) (*Response, error) {
	if mutating(method, uri) && t.opts.Guard != nil {
		info := RequestInfo{
			Method:      method,
			URI:         uri,
			Environment: t.opts.Environment,
			Username:    t.opts.Username,
			DryRun:      t.opts.DryRun,
		}
		if err := t.opts.Guard.Check(ctx, info); err != nil {
			return nil, NewConfigError(ErrCodePolicyDenied, "request denied by policy").
				WithResource(uri).WithOperation(method).withCause(err)
		}
	}

	if t.opts.DryRun && suppressedInDryRun(method, uri) {
		t.logger.Info().Str("method", method).Str("uri", uri).Bytes("body", body).Msg("dry run: request not sent")
		resp := &Response{Status: http.StatusOK, Header: http.Header{}}
		if method == http.MethodPut {
			resp.Body = body
		} else {
			resp.Body = []byte("<nothing/>")
		}
		return resp, nil
	}

	target, err := t.resolveTunnel(ctx, uri)
	if err != nil {
		return nil, err
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, NewTransportError("rate limiter wait failed", err).WithResource(uri)
		}
	}

	t.logger.Debug().Str("method", method).Str("uri", target).Msg("sending request")
	start := time.Now()

	send := func() (interface{}, error) {
		resp, err := t.send(ctx, method, target, body, contentType)
		if err != nil {
			return nil, err
		}
		if resp.Status >= http.StatusInternalServerError {
			// Server-side failures count against the breaker but are still
			// returned to the caller below.
			return resp, errServerStatus
		}
		return resp, nil
	}

	var result interface{}
	if t.breaker != nil {
		result, err = t.breaker.Execute(send)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewTransportError("circuit breaker open", err).WithCode(ErrCodeCircuitOpen).WithResource(uri)
		}
	} else {
		result, err = send()
	}
	if err != nil && !errors.Is(err, errServerStatus) {
		return nil, NewTransportError(fmt.Sprintf("%s %s failed", method, uri), err).WithResource(uri).WithOperation(method)
	}
	resp := result.(*Response)

	elapsed := time.Since(start)
	t.opts.Metrics.RecordRequest(method, resp.Status, elapsed)
	evt := t.logger.Debug()
	if t.opts.LogRequests {
		evt = t.logger.Info()
	}
	evt.Str("method", method).Str("uri", uri).Int("status", resp.Status).Dur("duration", elapsed).Msg("clarity request")

	if err := t.checkResponse(resp, uri, body); err != nil {
		return nil, err
	}
	return resp, nil
}

var errServerStatus = errors.New("server error status")

func (t *Transport) send(ctx context.Context, method, uri string, body []byte, contentType string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.opts.Username, t.opts.Password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{Status: httpResp.StatusCode, Body: data, Header: httpResp.Header}, nil
}

// checkResponse applies the LIMS error precedence: redirect, authentication,
// exception document, then generic HTTP status.
func (t *Transport) checkResponse(resp *Response, uri string, requestBody []byte) error {
	if resp.Status == http.StatusMovedPermanently {
		return NewConfigError(ErrCodeRedirect,
			"Redirects are disabled, verify Clarity URI. Did you use http instead of https?").WithResource(uri)
	}

	if resp.Status == http.StatusUnauthorized {
		return newError(ErrorClassAuth, ErrCodeAuthentication,
			fmt.Sprintf("Password or username incorrect -- user '%s'", t.opts.Username), nil).WithResource(uri)
	}

	if bytes.Contains(resp.Body, []byte("<exc:exception")) {
		x := parseException(resp.Body)
		x.Status = resp.Status
		x.RequestBody = string(requestBody)
		return newRemoteError(x, uri)
	}

	if resp.Status >= http.StatusBadRequest {
		return NewTransportError(fmt.Sprintf("HTTP %d %s", resp.Status, http.StatusText(resp.Status)), nil).
			WithCode(ErrCodeHTTPStatus).WithResource(uri).WithDetail("status", resp.Status)
	}
	return nil
}

func parseException(body []byte) *Exception {
	x := &Exception{Message: "No message provided by Clarity."}
	root, err := xmltree.Parse(body)
	if err != nil || root == nil {
		return x
	}
	if msg, ok := xmltree.Text(root, "message"); ok {
		x.Message = msg
	}
	if actions, ok := xmltree.Text(root, "suggested-actions"); ok {
		x.SuggestedActions = actions
	}
	x.Category, _ = xmltree.Attr(root, "category")
	x.Code, _ = xmltree.Attr(root, "code")
	return x
}

func (t *Transport) resolveTunnel(ctx context.Context, uri string) (string, error) {
	if !strings.Contains(uri, ":ssh/") {
		return uri, nil
	}
	m := hostPattern.FindStringSubmatch(uri)
	if m == nil {
		return "", NewUsageError("malformed uri: " + uri)
	}
	host := m[1]
	if t.opts.Tunneler == nil {
		return "", NewConfigError("", "no SSH tunnel configured for "+host).WithResource(uri)
	}

	t.tunnelMu.Lock()
	local, ok := t.tunnels[host]
	t.tunnelMu.Unlock()
	if !ok {
		var err error
		local, err = t.opts.Tunneler.Tunnel(ctx, host)
		if err != nil {
			return "", NewTransportError("failed to open SSH tunnel", err).WithResource(host)
		}
		t.tunnelMu.Lock()
		t.tunnels[host] = local
		t.tunnelMu.Unlock()
	}
	return strings.Replace(uri, host+":ssh", local, 1), nil
}

// Request sends an optional document and parses the response document. An
// empty response body yields a nil root.
func (t *Transport) Request(ctx context.Context, method, uri string, root *etree.Element) (*etree.Element, error) {
	var body []byte
	contentType := ""
	if root != nil {
		var err error
		body, err = xmltree.Document(root)
		if err != nil {
			return nil, NewUsageError("failed to serialize request document").withCause(err)
		}
		contentType = "application/xml"
		t.logger.Debug().Bytes("body", body).Msg("request data")
	}

	resp, err := t.Do(ctx, method, uri, body, contentType)
	if err != nil {
		return nil, err
	}

	parsed, err := xmltree.Parse(resp.Body)
	if err != nil {
		return nil, NewTransportError("invalid response document", err).WithResource(uri)
	}
	return parsed, nil
}

// Download streams the body of a GET into w.
func (t *Transport) Download(ctx context.Context, uri string, w io.Writer) error {
	resp, err := t.Do(ctx, http.MethodGet, uri, nil, "")
	if err != nil {
		return err
	}
	_, err = w.Write(resp.Body)
	return err
}

// Upload sends content as a multipart form with a single "file" part.
func (t *Transport) Upload(ctx context.Context, uri, filename string, content io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("failed to buffer upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}
	_, err = t.Do(ctx, http.MethodPost, uri, buf.Bytes(), mw.FormDataContentType())
	return err
}

func (e *Error) withCause(err error) *Error {
	e.Err = err
	return e
}
