package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/pkg/metrics"
	"github.com/sony/gobreaker/v2"
)

// Config holds booking provider connection settings
type Config struct {
	BaseURL        string
	APIToken       string
	RequestTimeout time.Duration
	UserAgent      string

	// circuit breaker
	BreakerFailures uint32        // consecutive transient failures before opening
	BreakerCooldown time.Duration // how long the breaker stays open
}

// DefaultConfig returns default client settings
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  15 * time.Second,
		UserAgent:       "trip-booking-core/1.0",
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Request is a single call to the booking provider. Path may be relative to
// the base URL or an absolute URL (as returned in poll links).
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// NoRetry sends the request once; set it on creates the provider may have
	// accepted before failing
	NoRetry bool
}

// Response is a raw provider response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into a generic object. An empty body decodes to an
// empty map.
func (r *Response) JSON() (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return out, nil
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("failed to parse provider response: %w", err)
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	default:
		return map[string]any{"data": t}, nil
	}
}

// Location returns the redirect target of a 3xx response
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Doer sends requests to the booking provider
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client is the booking provider HTTP client. Errors are returned as
// *models.BookingError classified by status code.
type Client struct {
	baseURL *url.URL
	config  Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewClient creates a new booking provider client; m may be nil
func NewClient(config Config, logger *logrus.Logger, m *metrics.Metrics) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", config.BaseURL)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = DefaultConfig().BreakerFailures
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = DefaultConfig().BreakerCooldown
	}

	c := &Client{
		baseURL: base,
		config:  config,
		http: &http.Client{
			Timeout: config.RequestTimeout,
			// 303 "already booked" must reach the caller
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: m,
		logger:  logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "booking-provider",
		MaxRequests: 1,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		// only transient failures count against the provider
		IsSuccessful: func(err error) bool {
			return err == nil || !models.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Upstream circuit breaker state changed")
		},
	})

	return c, nil
}

// Do sends req and classifies the outcome
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.do(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, models.NewTransientError(0, "booking provider unavailable (circuit open)", err)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, models.ErrInvalidInput(err.Error())
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	c.observeLatency(method, time.Since(start))
	if err != nil {
		c.observe(method, "transport_error")
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"url":    target,
		}).WithError(err).Warn("Booking provider request failed")
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.observe(method, "read_error")
		return nil, models.NewTransientError(httpResp.StatusCode, "failed to read provider response", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}

	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"url":         target,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Booking provider response received")

	if err := classifyStatus(resp); err != nil {
		c.observe(method, fmt.Sprintf("%dxx", resp.StatusCode/100))
		return nil, err
	}
	c.observe(method, "ok")
	return resp, nil
}

// resolve joins path onto the base URL, or accepts an absolute URL as is
func (c *Client) resolve(path string, query url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", path, err)
	}
	var u *url.URL
	if ref.IsAbs() {
		u = ref
	} else {
		u = c.baseURL.ResolveReference(&url.URL{Path: strings.TrimLeft(ref.Path, "/"), RawQuery: ref.RawQuery})
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) observe(method, outcome string) {
	if c.metrics != nil {
		c.metrics.UpstreamRequests.WithLabelValues(method, outcome).Inc()
	}
}

func (c *Client) observeLatency(method string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.UpstreamLatency.WithLabelValues(method).Observe(float64(d.Milliseconds()))
	}
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return models.NewTimeoutError("", "request cancelled", err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return models.NewTransientError(0, "provider request timed out", err)
	}
	// connection refused/reset and other transport failures
	return models.NewTransientError(0, "provider unreachable", err)
}

// errorCodeRules locates a machine-readable error code in a provider error body
var errorCodeRules = []Rule{
	{Name: "error.code", Path: []string{"error", "code"}},
	{Name: "code", Path: []string{"code"}},
	{Name: "error_code", Path: []string{"error_code"}},
	{Name: "errors[0].code", Path: []string{"errors", "0", "code"}},
	{Name: "error", Path: []string{"error"}},
}

var errorMessageRules = []Rule{
	{Name: "error.message", Path: []string{"error", "message"}},
	{Name: "message", Path: []string{"message"}},
	{Name: "errors[0].message", Path: []string{"errors", "0", "message"}},
	{Name: "error_description", Path: []string{"error_description"}},
}

func classifyStatus(resp *Response) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 400:
		return nil
	case status >= 500:
		return models.NewTransientError(status, "provider error", nil)
	case status == http.StatusNotFound:
		be := models.NewNotFoundError(errorMessage(resp, "resource not found"))
		be.Code = errorCode(resp, "not_found")
		return be
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return models.NewTransientError(status, errorMessage(resp, "provider throttled request"), nil)
	default:
		return models.NewBusinessError(status, errorCode(resp, fmt.Sprintf("http_%d", status)), errorMessage(resp, http.StatusText(status)))
	}
}

func errorCode(resp *Response, fallback string) string {
	payload, err := resp.JSON()
	if err != nil {
		return fallback
	}
	if code, ok := FirstString(payload, errorCodeRules); ok && code != "" {
		return code
	}
	return fallback
}

func errorMessage(resp *Response, fallback string) string {
	payload, err := resp.JSON()
	if err != nil {
		return fallback
	}
	if msg, ok := FirstString(payload, errorMessageRules); ok && msg != "" {
		return msg
	}
	return fallback
}
