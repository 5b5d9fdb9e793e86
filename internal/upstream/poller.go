package upstream

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/pkg/metrics"
)

// PollerConfig holds the wait settings shared by every polling surface
type PollerConfig struct {
	DefaultInterval time.Duration // used when the payload carries no interval
	MaxInterval     time.Duration // cap on any single wait
}

// DefaultPollerConfig returns 2s default and 5s maximum waits
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		DefaultInterval: 2 * time.Second,
		MaxInterval:     5 * time.Second,
	}
}

// PollRequest describes one long-poll run
type PollRequest struct {
	Surface string // search, cart_verify, purchase_status
	Request Request
	Ceiling time.Duration

	// Done, when set, decides terminality instead of the missing next link;
	// without a next link the same resource is polled again with GET.
	Done func(payload map[string]any) bool

	// MaxAttempts bounds the number of requests; 0 means bounded by Ceiling only
	MaxAttempts int

	// CarryParams are copied from the initial request onto next links that
	// omit them
	CarryParams []string
}

// Payload is the terminal response of a poll run
type Payload struct {
	Body     map[string]any
	Requests int
	Elapsed  time.Duration
}

var (
	pollLinkRules     = Paths("metadata.links.poll", "meta.links.poll", "links.poll")
	pollIntervalRules = Paths("metadata.interval", "meta.interval")
)

// defaultCarryParams are forwarded unless a request names its own
var defaultCarryParams = []string{"locale", "currency"}

// Poller follows the provider's next-link contract until a terminal payload
type Poller struct {
	caller  *Caller
	config  PollerConfig
	logger  *logrus.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewPoller creates a new poller; m may be nil
func NewPoller(caller *Caller, config PollerConfig, logger *logrus.Logger, m *metrics.Metrics) *Poller {
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = DefaultPollerConfig().DefaultInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = DefaultPollerConfig().MaxInterval
	}
	return &Poller{
		caller:  caller,
		config:  config,
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// WithClock replaces the wait and time source (tests)
func (p *Poller) WithClock(sleep func(ctx context.Context, d time.Duration) error, now func() time.Time) *Poller {
	p.sleep = sleep
	p.now = now
	return p
}

// Poll issues pr.Request and follows next links until a terminal payload, the
// ceiling, the attempt budget or ctx cancellation. Reaching the ceiling or the
// attempt budget yields a timeout BookingError.
func (p *Poller) Poll(ctx context.Context, pr PollRequest) (*Payload, error) {
	op := "poll_" + pr.Surface
	start := p.now()

	pollCtx := ctx
	if pr.Ceiling > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, pr.Ceiling)
		defer cancel()
	}

	carry := p.carriedParams(pr)
	req := pr.Request
	requests := 0

	for {
		if pr.Ceiling > 0 && p.now().Sub(start) >= pr.Ceiling {
			return nil, p.timeout(op, pr, requests, nil)
		}
		if pr.MaxAttempts > 0 && requests >= pr.MaxAttempts {
			return nil, p.timeout(op, pr, requests, nil)
		}

		requests++
		if p.metrics != nil {
			p.metrics.PollIterations.WithLabelValues(pr.Surface).Inc()
		}

		resp, err := p.caller.Do(pollCtx, op, req)
		if err != nil {
			if ctx.Err() == nil && pollCtx.Err() != nil {
				return nil, p.timeout(op, pr, requests, err)
			}
			return nil, err
		}

		body, err := resp.JSON()
		if err != nil {
			return nil, models.NewTransientError(resp.StatusCode, "unreadable poll payload", err)
		}

		link, hasLink := FirstString(body, pollLinkRules)
		if pr.Done != nil {
			if pr.Done(body) {
				return p.terminal(body, requests, start), nil
			}
		} else if !hasLink {
			return p.terminal(body, requests, start), nil
		}

		next := Request{Method: http.MethodGet, Path: pr.Request.Path, Query: pr.Request.Query}
		if hasLink {
			next = Request{Method: http.MethodGet, Path: link, Query: missingParams(link, carry)}
		}

		interval := p.interval(body)
		p.logger.WithFields(logrus.Fields{
			"surface":     pr.Surface,
			"request":     requests,
			"interval_ms": interval.Milliseconds(),
		}).Debug("Payload not terminal, waiting before next poll")

		if err := p.sleep(pollCtx, interval); err != nil {
			if ctx.Err() == nil {
				return nil, p.timeout(op, pr, requests, err)
			}
			return nil, models.NewTimeoutError(op, "poll cancelled", ctx.Err())
		}
		req = next
	}
}

func (p *Poller) terminal(body map[string]any, requests int, start time.Time) *Payload {
	return &Payload{Body: body, Requests: requests, Elapsed: p.now().Sub(start)}
}

func (p *Poller) timeout(op string, pr PollRequest, requests int, err error) error {
	p.logger.WithFields(logrus.Fields{
		"surface":  pr.Surface,
		"requests": requests,
		"ceiling":  pr.Ceiling.String(),
	}).Warn("Polling gave up before a terminal payload")
	return models.NewTimeoutError(op, "poll did not reach a terminal state", err)
}

// interval reads metadata.interval (ms), defaulting and capping it
func (p *Poller) interval(body map[string]any) time.Duration {
	d := p.config.DefaultInterval
	if ms, ok := FirstInt(body, pollIntervalRules); ok && ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	if d > p.config.MaxInterval {
		d = p.config.MaxInterval
	}
	return d
}

// carriedParams collects the values of the carried keys from the initial
// request's query and path
func (p *Poller) carriedParams(pr PollRequest) url.Values {
	keys := pr.CarryParams
	if keys == nil {
		keys = defaultCarryParams
	}
	source := url.Values{}
	if u, err := url.Parse(pr.Request.Path); err == nil {
		for k, vs := range u.Query() {
			source[k] = vs
		}
	}
	for k, vs := range pr.Request.Query {
		source[k] = vs
	}

	out := url.Values{}
	for _, k := range keys {
		if v := source.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

// missingParams returns the carried params that link does not already set
func missingParams(link string, carry url.Values) url.Values {
	if len(carry) == 0 {
		return nil
	}
	existing := url.Values{}
	if u, err := url.Parse(link); err == nil {
		existing = u.Query()
	}
	out := url.Values{}
	for k, vs := range carry {
		if existing.Get(k) == "" {
			out[k] = vs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
