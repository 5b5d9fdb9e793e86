package upstream

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/models"
	"github.com/smarttransit/trip-booking-core/pkg/metrics"
	"github.com/smarttransit/trip-booking-core/pkg/retry"
)

// RetryTransient retries timeouts and 5xx responses only
func RetryTransient(err error) retry.Classification {
	if models.IsTransient(err) {
		return retry.Retryable
	}
	return retry.Terminal
}

// Caller sends provider requests through the retry executor
type Caller struct {
	client   Doer
	executor *retry.Executor
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewCaller creates a new retrying caller; m may be nil
func NewCaller(client Doer, executor *retry.Executor, logger *logrus.Logger, m *metrics.Metrics) *Caller {
	return &Caller{client: client, executor: executor, logger: logger, metrics: m}
}

// Do sends req, retrying transient failures. op labels logs, metrics and the
// returned error.
func (c *Caller) Do(ctx context.Context, op string, req Request) (*Response, error) {
	var (
		resp    *Response
		attempt int
	)
	classify := RetryTransient
	if req.NoRetry {
		classify = func(error) retry.Classification { return retry.Terminal }
	}
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if c.metrics != nil {
				c.metrics.Retries.WithLabelValues(op).Inc()
			}
			c.logger.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"path":    req.Path,
			}).Info("Retrying booking provider request")
		}
		r, err := c.client.Do(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, classify)
	if err != nil {
		return nil, asTimeout(op, err)
	}
	return resp, nil
}

// asTimeout turns deadline outcomes into timeout BookingErrors and leaves
// everything else alone
func asTimeout(op string, err error) error {
	if errors.Is(err, retry.ErrDeadline) {
		return models.NewTimeoutError(op, "retry would exceed deadline", err)
	}
	if _, ok := models.AsBookingError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewTimeoutError(op, "deadline exceeded", err)
	}
	return err
}
