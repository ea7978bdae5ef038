// Package ferr implements the federator's error taxonomy (spec.md §7).
//
// Errors are plain wrapped sentinels, the way the teacher repo reports
// configuration and transport failures, not a custom exception
// hierarchy: callers type-check with errors.Is/errors.As and the HTTP
// adapter maps the result to a status code via Status.
package ferr

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData is returned when the routing service produced nothing
	// routable, or every route was filtered or came back empty.
	ErrNoData = errors.New("no data")

	// ErrRequestTooLarge is returned when declared duration limits are
	// exceeded, a streaming timeout fires before the first byte, or an
	// endpoint 413 has no viable split left.
	ErrRequestTooLarge = errors.New("request too large")

	// ErrRoutingError is returned when the routing service answers with
	// a 5xx or a client/transport error.
	ErrRoutingError = errors.New("routing error")

	// ErrBadRequest is returned for parameter validation failures. The
	// HTTP adapter produces it when it cannot parse a request; the
	// federator core (RouteResolver, Processor) does not return it.
	ErrBadRequest = errors.New("bad request")

	// ErrDistributedStreamEpoch is returned by the availability worker
	// when a single logical stream-epoch is served by more than one
	// endpoint; merging across endpoints is explicitly unimplemented
	// (spec.md §4.5, §9 Open Questions).
	ErrDistributedStreamEpoch = errors.New("stream epoch served by more than one endpoint")
)

// NoContentCode is one of the two FDSN "no data" status codes a request
// may declare as its nodata convention.
type NoContentCode int

const (
	NoContent204 NoContentCode = 204
	NoContent404 NoContentCode = 404
)

// NoDataError carries the client's chosen nodata status code so the
// adapter doesn't need to re-derive it from the request.
type NoDataError struct {
	Code NoContentCode
	Msg  string
}

func (e *NoDataError) Error() string { return e.Msg }
func (e *NoDataError) Unwrap() error { return ErrNoData }

// NewNoData builds a NoDataError for the given nodata convention.
func NewNoData(code NoContentCode, format string, args ...any) error {
	return &NoDataError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// RequestTooLargeError names which limit was exceeded so logs and
// client-facing messages can be specific without a generic 413.
type RequestTooLargeError struct {
	Limit string // "per-epoch", "total", "streaming-timeout", "split-floor"
	Msg   string
}

func (e *RequestTooLargeError) Error() string { return e.Msg }
func (e *RequestTooLargeError) Unwrap() error { return ErrRequestTooLarge }

func NewRequestTooLarge(limit, format string, args ...any) error {
	return &RequestTooLargeError{Limit: limit, Msg: fmt.Sprintf(format, args...)}
}

// RoutingErrorWrap wraps an upstream routing failure (network error,
// unexpected status, timeout).
func RoutingErrorWrap(err error) error {
	return fmt.Errorf("%w: %w", ErrRoutingError, err)
}

// BadRequestWrap wraps an invalid request parameter/epoch.
func BadRequestWrap(err error) error {
	return fmt.Errorf("%w: %w", ErrBadRequest, err)
}

// Status maps a federator error to the FDSN status code described in
// spec.md §6, defaulting to 500 for anything unrecognized (Internal).
func Status(err error) int {
	var noData *NoDataError
	if errors.As(err, &noData) {
		return int(noData.Code)
	}

	var tooLarge *RequestTooLargeError
	if errors.As(err, &tooLarge) {
		return 413
	}

	switch {
	case errors.Is(err, ErrNoData):
		return 404
	case errors.Is(err, ErrRequestTooLarge):
		return 413
	case errors.Is(err, ErrBadRequest):
		return 400
	case errors.Is(err, ErrRoutingError):
		return 500
	default:
		return 500
	}
}
