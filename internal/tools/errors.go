package tools

import (
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mcp-server-images/internal/mcp"
	"mcp-server-images/internal/providers"
)

// JSON-RPC server error codes, one per gRPC status class.
const (
	CodeServerError       = -32000
	CodeUnauthenticated   = -32001
	CodeNotFound          = -32002
	CodePermissionDenied  = -32003
	CodeUnavailable       = -32004
	CodeDeadlineExceeded  = -32005
	CodeResourceExhausted = -32006
)

// KindProviderNotConfigured marks a call naming a provider that has no API key.
const KindProviderNotConfigured = "provider_not_configured"

// ErrorData is attached to every tool failure.
type ErrorData struct {
	Kind       string `json:"kind"`
	Provider   string `json:"provider,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Field      string `json:"field,omitempty"`
}

// MapError converts a provider failure into a JSON-RPC error object.
// The classification comes from the error's gRPC status.
func MapError(err error, provider string) *mcp.RPCError {
	if err == nil {
		return nil
	}

	data := ErrorData{Kind: providers.Kind(err), Provider: provider}
	var (
		upstreamErr   *providers.UpstreamAPIError
		validationErr *providers.ValidationError
		malformedErr  *providers.MalformedResponseError
	)
	if errors.As(err, &upstreamErr) {
		data.StatusCode = upstreamErr.StatusCode
	}
	if errors.As(err, &validationErr) {
		data.Field = validationErr.Field
	}

	if errors.Is(err, providers.ErrClientClosed) {
		return &mcp.RPCError{Code: CodeUnavailable, Message: "provider client is shutting down", Data: data}
	}

	s, ok := status.FromError(err)
	if !ok {
		slog.Warn("Unclassified error encountered during mapping", "error", err)
		return &mcp.RPCError{Code: CodeServerError, Message: "Internal server error: " + err.Error(), Data: data}
	}

	message := s.Message()
	if errors.As(err, &malformedErr) {
		// The reason is logged; callers get a stable message.
		message = malformedErr.Provider + " API returned an invalid response"
	}
	return &mcp.RPCError{Code: codeFor(s.Code()), Message: message, Data: data}
}

func codeFor(c codes.Code) int {
	switch c {
	case codes.InvalidArgument:
		return mcp.CodeInvalidParams
	case codes.Unauthenticated:
		return CodeUnauthenticated
	case codes.NotFound:
		return CodeNotFound
	case codes.PermissionDenied:
		return CodePermissionDenied
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeDeadlineExceeded
	case codes.ResourceExhausted:
		return CodeResourceExhausted
	default:
		return CodeServerError
	}
}

func invalidParams(message, field string) *mcp.RPCError {
	return &mcp.RPCError{
		Code:    mcp.CodeInvalidParams,
		Message: "Invalid params: " + message,
		Data:    ErrorData{Kind: "validation_error", Field: field},
	}
}
