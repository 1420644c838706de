package api

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InvalidRequestError reports malformed or contradictory request input.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// InvalidDateError reports a date string that is not YYYY-MM-DD.
type InvalidDateError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("invalid date for %s: %q is not YYYY-MM-DD", e.Field, e.Value)
}

func (e *InvalidDateError) Unwrap() error { return e.Err }

// InsufficientDataError reports that the data cannot support an analysis:
// the training window is too short, or a range boundary has no observation
// and would need extrapolation. Date is zero when no single day is at fault.
type InsufficientDataError struct {
	Date   time.Time
	Reason string
}

func (e *InsufficientDataError) Error() string {
	if e.Date.IsZero() {
		return "insufficient data: " + e.Reason
	}
	return fmt.Sprintf("insufficient data at %s: %s", FormatDate(e.Date), e.Reason)
}

// ModelFitError reports a numerical failure while fitting the counterfactual
// model or deriving statistics from it.
type ModelFitError struct {
	Reason string
	Err    error
}

func (e *ModelFitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model fit failed: %s: %v", e.Reason, e.Err)
	}
	return "model fit failed: " + e.Reason
}

func (e *ModelFitError) Unwrap() error { return e.Err }

// SourceError reports that observations for an entity could not be fetched.
type SourceError struct {
	EntityID string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("failed to fetch observations for %s: %v", e.EntityID, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Error kinds used as metric labels and in HTTP error bodies.
const (
	KindInvalidRequest   = "invalid_request"
	KindInvalidDate      = "invalid_date"
	KindInsufficientData = "insufficient_data"
	KindModelFit         = "model_fit"
	KindSource           = "source_unavailable"
	KindCanceled         = "canceled"
	KindInternal         = "internal"
)

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	var (
		reqErr  *InvalidRequestError
		dateErr *InvalidDateError
		dataErr *InsufficientDataError
		fitErr  *ModelFitError
		srcErr  *SourceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &dateErr):
		return KindInvalidDate
	case errors.As(err, &reqErr):
		return KindInvalidRequest
	case errors.As(err, &dataErr):
		return KindInsufficientData
	case errors.As(err, &fitErr):
		return KindModelFit
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &srcErr):
		return KindSource
	default:
		return KindInternal
	}
}
