// Package httpserver contains HTTP handlers and middleware for the thin
// admission-control API surface.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/sessionadmit/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to an HTTP status and error code. A
// *domain.CoreError's Code/Details are surfaced directly; otherwise the
// sentinel is matched by errors.Is, following the teacher's
// switch-errors.Is-chain convention.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status := http.StatusInternalServerError
	codeStr := "INTERNAL"

	var coreErr *domain.CoreError
	if errors.As(err, &coreErr) {
		codeStr = string(coreErr.Code)
		status = statusForCode(coreErr.Code)
		if details == nil && len(coreErr.Details) > 0 {
			details = coreErr.Details
		}
	} else {
		switch {
		case errors.Is(err, domain.ErrInvalidResourceID), errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrInvalidAccountID):
			status = http.StatusBadRequest
			codeStr = string(domain.CodeFor(err))
		case errors.Is(err, domain.ErrBackendUnavailable):
			status = http.StatusServiceUnavailable
			codeStr = string(domain.CodeBackendUnavailable)
		}
	}

	writeJSON(w, status, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeQueueFull, domain.CodeSessionLimitExceeded:
		return http.StatusTooManyRequests
	case domain.CodeTimeoutQueue, domain.CodeTimeoutExecution:
		return http.StatusGatewayTimeout
	case domain.CodeClientDisconnected:
		return 499 // nginx-convention client-closed-request; no standard net/http constant exists
	case domain.CodeSessionNotNew, domain.CodeSessionContentMismatch, domain.CodeSessionAppendViolation,
		domain.CodeSessionRollbackViolation, domain.CodeSessionBranchViolation:
		return http.StatusConflict
	case domain.CodeInvalidAccountID, domain.CodeInvalidConfig, domain.CodeInvalidResourceID:
		return http.StatusBadRequest
	case domain.CodeNoEligibleAccount:
		return http.StatusServiceUnavailable
	case domain.CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
