package providers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAPIKeyMissing is returned by client constructors when no API key was supplied.
var ErrAPIKeyMissing = errors.New("api key is required")

// ErrClientClosed is returned by Generate once Close has been called.
var ErrClientClosed = errors.New("provider client is closed")

// ValidationError reports a caller-supplied value that is out of bounds.
// It is always raised before any network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// GRPCStatus lets status.FromError classify the error.
func (e *ValidationError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// UpstreamAPIError represents a non-success HTTP response from a provider.
// Message holds the provider's own message verbatim.
type UpstreamAPIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamAPIError) Error() string {
	return fmt.Sprintf("%s API error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}

func (e *UpstreamAPIError) GRPCStatus() *status.Status {
	return status.New(httpStatusToCode(e.StatusCode), e.Error())
}

// TimeoutError is returned when the upstream call exceeds its deadline.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request timed out after %s", e.Provider, e.Timeout)
}

func (e *TimeoutError) GRPCStatus() *status.Status {
	return status.New(codes.DeadlineExceeded, e.Error())
}

// MalformedResponseError reports a response body that could not be interpreted.
type MalformedResponseError struct {
	Provider string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s API returned a malformed response: %s", e.Provider, e.Reason)
}

func (e *MalformedResponseError) GRPCStatus() *status.Status {
	return status.New(codes.Internal, e.Error())
}

// Kind returns a short, stable name for the class of err.
func Kind(err error) string {
	var (
		validationErr *ValidationError
		upstreamErr   *UpstreamAPIError
		timeoutErr    *TimeoutError
		malformedErr  *MalformedResponseError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return "validation_error"
	case errors.As(err, &upstreamErr):
		return "upstream_api_error"
	case errors.As(err, &timeoutErr):
		return "timeout_error"
	case errors.As(err, &malformedErr):
		return "malformed_response_error"
	case errors.Is(err, ErrClientClosed):
		return "client_closed"
	default:
		return "internal_error"
	}
}

func httpStatusToCode(statusCode int) codes.Code {
	switch {
	case statusCode == http.StatusUnauthorized:
		return codes.Unauthenticated
	case statusCode == http.StatusForbidden:
		return codes.PermissionDenied
	case statusCode == http.StatusNotFound:
		return codes.NotFound
	case statusCode == http.StatusPaymentRequired, statusCode == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity,
		statusCode == http.StatusRequestEntityTooLarge:
		return codes.InvalidArgument
	case statusCode >= 400 && statusCode < 500:
		return codes.FailedPrecondition
	case statusCode >= 500:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
