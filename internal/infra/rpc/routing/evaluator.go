package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// Decision is the verdict of an application retry predicate.
type Decision struct {
	retry bool
	err   error
}

// Retry asks for another attempt against a new peer.
func Retry() Decision {
	return Decision{retry: true}
}

// Finish accepts the response as the call's result.
func Finish() Decision {
	return Decision{}
}

// Fail finishes the call with err instead of the response. A nil err is
// the same as Finish.
func Fail(err error) Decision {
	return Decision{err: err}
}

// IsRetry reports whether the decision asks for another attempt.
func (d Decision) IsRetry() bool {
	return d.retry
}

// Err returns the error the call should finish with, if any.
func (d Decision) Err() error {
	return d.err
}

// Predicate decides whether a transport-successful response should be
// retried anyway. It receives the response fully materialized.
type Predicate func(ctx context.Context, rc *RequestContext, res *provider.Response) Decision

// ApplicationError is a failure raised while evaluating a response. It is
// terminal and never retried by transport policy.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string {
	return "courier.application_error: " + e.Err.Error()
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// EvaluateApplicationRetry runs the request's predicate against res. Without
// a predicate the response is terminal. Streamed segments are awaited
// before the predicate runs; failures while waiting, and predicate panics,
// finish the call with an ApplicationError.
func EvaluateApplicationRetry(ctx context.Context, rc *RequestContext, res *provider.Response) (d Decision) {
	predicate := rc.req.ShouldRetry
	if predicate == nil {
		return Finish()
	}

	if err := res.Materialize(ctx); err != nil {
		return Fail(&ApplicationError{Err: fmt.Errorf("materialize response: %w", err)})
	}

	defer func() {
		if r := recover(); r != nil {
			d = Fail(&ApplicationError{Err: fmt.Errorf("retry predicate panicked: %v", r)})
		}
	}()

	d = predicate(ctx, rc, res)
	if d.err != nil {
		var appErr *ApplicationError
		if !errors.As(d.err, &appErr) {
			d.err = &ApplicationError{Err: d.err}
		}
		d.retry = false
	}
	return d
}
