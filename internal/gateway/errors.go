package gateway

import (
	"errors"
	"net/http"
)

// Stable error codes returned in the response body. Clients branch on these,
// so they never change even when messages do.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeAuthentication      = "authentication_error"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeModelNotFound       = "model_not_found"
	CodePIIDetectionFailure = "pii_detection_failure"
	CodeInsufficientCredits = "insufficient_credits"
	CodeBillingConflict     = "billing_conflict"
	CodeProviderUnavailable = "provider_unavailable"
	CodeProviderRejected    = "provider_rejected"
	CodeInternal            = "internal_error"
)

// Error is the gateway's terminal error form: everything the orchestrator
// surfaces is one of these so the handler can map it to a status without
// inspecting lower layers.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// E builds a gateway error.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the stable code, defaulting to internal_error for
// anything that escaped classification.
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidRequest, CodeProviderRejected:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeModelNotFound:
		return http.StatusNotFound
	case CodeBillingConflict:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodePIIDetectionFailure, CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
