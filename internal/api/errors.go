package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound        = "not_found"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeValidation      = "validation_failed"
	ErrCodeConflict        = "conflict"
	ErrCodeGone            = "gone"
	ErrCodeQueuePaused     = "queue_paused"
	ErrCodeTriggerDisabled = "trigger_disabled"
	ErrCodeInternalError   = "internal_error"
	ErrCodeServiceUnavail  = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`                // Short error code
	Message   string         `json:"message"`              // Human-readable message
	Details   map[string]any `json:"details,omitempty"`    // Optional additional details
	RequestID string         `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusGone:
		return ErrCodeGone
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// classify maps an error from the core onto an HTTP status, an error code
// and optional details.
func classify(err error) (int, string, map[string]any) {
	var (
		verr *types.ValidationError
		cerr *types.ConflictError
		derr *types.DispatchError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrCodeValidation, map[string]any{"issues": verr.Issues}
	case errors.As(err, &cerr):
		return http.StatusConflict, ErrCodeConflict, map[string]any{
			"expected_version": cerr.Expected,
			"current_version":  cerr.Actual,
		}
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests, ErrCodeRateLimited, nil
	case errors.Is(err, types.ErrQueuePaused):
		return http.StatusServiceUnavailable, ErrCodeQueuePaused, queueDetails(err)
	case errors.Is(err, types.ErrWorkflowDeleted):
		return http.StatusGone, ErrCodeGone, nil
	case errors.Is(err, types.ErrTriggerDisabled):
		return http.StatusConflict, ErrCodeTriggerDisabled, nil
	case errors.As(err, &derr):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavail, map[string]any{"queue": derr.Queue}
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrQueueNotFound),
		errors.Is(err, types.ErrTriggerNotFound):
		return http.StatusNotFound, ErrCodeNotFound, nil
	case errors.Is(err, types.ErrLeaseNotFound):
		return http.StatusConflict, ErrCodeConflict, nil
	default:
		return http.StatusInternalServerError, ErrCodeInternalError, nil
	}
}

func queueDetails(err error) map[string]any {
	var derr *types.DispatchError
	if errors.As(err, &derr) {
		return map[string]any{"queue": derr.Queue}
	}
	return nil
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
