package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/JakeFAU/rankhub/internal/batch"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

// API-only error codes. Hub error codes come from fleet.Code.
const (
	codeValidation          = "VALIDATION_ERROR"
	codeBrowserNotAvailable = "BROWSER_NOT_AVAILABLE"
	codeLimitExceeded       = "LIMIT_EXCEEDED"
	codeUnauthorized        = "UNAUTHORIZED"
)

// validationError marks a malformed request.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(msg string) error { return &validationError{msg: msg} }

type errorDetail struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	ErrorType   fleet.FailureKind `json:"errorType,omitempty"`
	Blocked     bool              `json:"blocked,omitempty"`
	BlockReason string            `json:"blockReason,omitempty"`
}

type errorResponse struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

// statusFor maps an error onto its HTTP status and stable code.
func statusFor(err error) (int, string) {
	var verr *validationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, batch.ErrInvalidUnit),
		errors.Is(err, batch.ErrHolderRequired):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, fleet.ErrUnsupportedCapability):
		return http.StatusBadRequest, codeBrowserNotAvailable
	case errors.Is(err, store.ErrCheckSlotsFull):
		return http.StatusBadRequest, codeLimitExceeded
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, fleet.CodeTimeout
	}

	code := fleet.Code(err)
	switch code {
	case fleet.CodeNoAvailableAgents, fleet.CodeAgentUnhealthy:
		return http.StatusServiceUnavailable, code
	case fleet.CodeAgentNotFound:
		return http.StatusNotFound, code
	case fleet.CodeAgentBusy:
		return http.StatusConflict, code
	case fleet.CodeTimeout:
		return http.StatusGatewayTimeout, code
	case fleet.CodeRemoteFailure:
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, fleet.CodeInternal
	}
}

// writeDomainError renders err with the status statusFor assigns. Internal errors hide their message.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	detail := errorDetail{Code: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		detail.Message = "internal server error"
	}
	var remote *fleet.RemoteFailure
	if errors.As(err, &remote) {
		detail.Message = remote.Message
		detail.ErrorType = remote.Kind
		detail.Blocked = remote.Blocked
		detail.BlockReason = remote.BlockReason
	}
	writeJSON(w, status, errorResponse{Error: detail})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: msg}})
}
