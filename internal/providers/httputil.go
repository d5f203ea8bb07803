package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 1 << 20

// errorEnvelope covers the error shapes both providers return.
type errorEnvelope struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
	Errors  json.RawMessage `json:"errors"`
}

// DecodeErrorMessage extracts the provider's message from an error body.
// Unparseable bodies fall back to the raw text, then to the HTTP status text.
func DecodeErrorMessage(body []byte, statusCode int) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Message != "" {
			return env.Message
		}
		if msg := rawMessageText(env.Detail); msg != "" {
			return msg
		}
		if msg := rawMessageText(env.Errors); msg != "" {
			return msg
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}

func rawMessageText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return string(raw)
}

// NewUpstreamError reads the response body and builds an UpstreamAPIError.
// The caller still owns resp.Body.
func NewUpstreamError(provider string, resp *http.Response) *UpstreamAPIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamAPIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    DecodeErrorMessage(body, resp.StatusCode),
	}
}

// CallContext derives the context for one generation and reports its
// effective budget: timeout, or less when ctx already expires sooner.
func CallContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	budget := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < budget {
			budget = max(left, 0)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	return callCtx, cancel, budget
}

// WithBudget sets the reported timeout on a TimeoutError inside err.
func WithBudget(err error, budget time.Duration) error {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		timeoutErr.Timeout = budget
	}
	return err
}

// TransportError classifies a failure to complete an HTTP exchange.
func TransportError(provider string, timeout time.Duration, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &TimeoutError{Provider: provider, Timeout: timeout}
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s request canceled: %w", provider, err)
	default:
		return fmt.Errorf("%s request failed: %w", provider, err)
	}
}
