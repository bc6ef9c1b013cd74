package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
)

func newBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nte *nonTrippingError
			return err == nil || errors.As(err, &nte)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// nonTrippingError carries a client-side failure through the breaker
// without counting it.
type nonTrippingError struct {
	err error
}

func (e *nonTrippingError) Error() string { return e.err.Error() }

// execute runs one API call through the breaker, records it and classifies
// the resulting error.
func (c *Client) execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := instrumentation.StartAPISpan(ctx, instrumentation.ServiceGmail, operation)
	start := time.Now()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		err := fn(ctx)
		if err == nil {
			return nil, nil
		}
		if !tripsBreaker(err) {
			return nil, &nonTrippingError{err: err}
		}
		return nil, err
	})

	var nte *nonTrippingError
	if errors.As(err, &nte) {
		err = nte.err
	}
	err = classify(operation, err)

	c.metrics.RecordAPIOperation(ctx, instrumentation.ServiceGmail, operation, instrumentation.StatusFromError(err), time.Since(start))
	instrumentation.EndSpan(span, err)
	if err != nil {
		c.logger.Debug("gmail call failed", logging.Operation(operation), slog.String("breaker_state", c.breaker.State().String()), logging.Err(err))
	}
	return err
}

func tripsBreaker(err error) bool {
	if apperrors.Is(err, apperrors.KindAuth) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return true
}

// classify maps provider failures onto the pipeline's error taxonomy.
// Errors already classified upstream, such as an AuthError raised by the
// token source, pass through unchanged.
func classify(operation string, err error) error {
	if err == nil || apperrors.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.Transient(fmt.Errorf("gmail %s: %w", operation, err))
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return apperrors.Auth("gmail."+operation, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return apperrors.Transient(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.Transient(err)
	}
	return err
}
