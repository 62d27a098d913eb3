package upstream

import (
	"context"
	"errors"
	"fmt"

	"thermal_client/internal/scheduler"
)

var (
	ErrMissingToken   = errors.New("upstream: api token is required")
	ErrInvalidBaseURL = errors.New("upstream: invalid base url")
	ErrRateLimited    = errors.New("upstream: rate limited")
	ErrUnauthorized   = errors.New("upstream: unauthorized")
	ErrTransient      = errors.New("upstream: transient failure")
	ErrRejected       = errors.New("upstream: request rejected")
	ErrParseAnomaly   = errors.New("upstream: unexpected response shape")
)

// StatusError carries the HTTP status of a failed call.
type StatusError struct {
	Code int
	Body string
	kind error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.kind, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return e.kind }

func errorForStatus(code int, body string) error {
	var kind error
	switch {
	case code == 429:
		kind = ErrRateLimited
	case code == 401 || code == 403:
		kind = ErrUnauthorized
	case code >= 500:
		kind = ErrTransient
	default:
		kind = ErrRejected
	}
	return &StatusError{Code: code, Body: body, kind: kind}
}

// Classify maps client errors onto dispatch outcomes.
func Classify(err error) scheduler.Outcome {
	switch {
	case err == nil:
		return scheduler.OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return scheduler.OutcomeRateLimited
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return scheduler.OutcomeTransient
	default:
		return scheduler.OutcomePermanent
	}
}
