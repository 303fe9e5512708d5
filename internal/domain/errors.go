package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels). Components wrap these with %w so callers can
// keep using errors.Is against a stable value regardless of message text.
var (
	ErrInvalidResourceID     = errors.New("invalid resource id")
	ErrInvalidConfig         = errors.New("invalid config parameters")
	ErrInvalidAccountID      = errors.New("invalid account id")
	ErrQueueFull             = errors.New("queue full")
	ErrQueueWaitTimeout      = errors.New("queue wait timeout")
	ErrExecutionTimeout      = errors.New("execution timeout")
	ErrClientDisconnected    = errors.New("client disconnected")
	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrSessionLimitExceeded  = errors.New("session limit exceeded")
	ErrSessionNotNew         = errors.New("session not new")
	ErrContentMismatch       = errors.New("session content mismatch")
	ErrAppendViolation       = errors.New("session append violation")
	ErrRollbackViolation     = errors.New("session rollback violation")
	ErrBranchViolation       = errors.New("session branch violation")
	ErrNoEligibleAccount     = errors.New("no eligible account")
)

// ErrorCode is the machine-readable code surfaced to callers (§6).
type ErrorCode string

// Error codes surfaced to callers, per the persisted external-interface contract.
const (
	CodeQueueFull            ErrorCode = "QUEUE_FULL"
	CodeTimeoutQueue         ErrorCode = "TIMEOUT_QUEUE"
	CodeTimeoutExecution     ErrorCode = "TIMEOUT_EXECUTION"
	CodeClientDisconnected   ErrorCode = "CLIENT_DISCONNECTED"
	CodeSessionLimitExceeded ErrorCode = "SESSION_LIMIT_EXCEEDED"
	CodeSessionNotNew        ErrorCode = "SESSION_NOT_NEW"
	CodeSessionContentMismatch ErrorCode = "SESSION_CONTENT_MISMATCH"
	CodeSessionAppendViolation ErrorCode = "SESSION_APPEND_VIOLATION"
	CodeSessionRollbackViolation ErrorCode = "SESSION_ROLLBACK_VIOLATION"
	CodeSessionBranchViolation ErrorCode = "SESSION_BRANCH_VIOLATION"
	CodeInvalidAccountID     ErrorCode = "INVALID_ACCOUNT_ID"
	CodeInvalidConfig        ErrorCode = "INVALID_CONFIG"
	CodeInvalidResourceID    ErrorCode = "INVALID_RESOURCE_ID"
	CodeBackendUnavailable   ErrorCode = "BACKEND_UNAVAILABLE"
	CodeNoEligibleAccount    ErrorCode = "NO_ELIGIBLE_ACCOUNT"
)

// CoreError wraps a sentinel error with the machine-readable code callers
// need and optional structured details (e.g. S1's currentWaiting/maxQueueSize).
type CoreError struct {
	Code    ErrorCode
	Err     error
	Details map[string]any
}

func (e *CoreError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s %v", e.Code, e.Err, e.Details)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewCoreError constructs a CoreError, attaching details when provided.
func NewCoreError(code ErrorCode, err error, details map[string]any) *CoreError {
	return &CoreError{Code: code, Err: err, Details: details}
}

var codeBySentinel = map[error]ErrorCode{
	ErrInvalidResourceID:    CodeInvalidResourceID,
	ErrInvalidConfig:        CodeInvalidConfig,
	ErrInvalidAccountID:     CodeInvalidAccountID,
	ErrQueueFull:            CodeQueueFull,
	ErrQueueWaitTimeout:     CodeTimeoutQueue,
	ErrExecutionTimeout:     CodeTimeoutExecution,
	ErrClientDisconnected:   CodeClientDisconnected,
	ErrBackendUnavailable:   CodeBackendUnavailable,
	ErrSessionLimitExceeded: CodeSessionLimitExceeded,
	ErrSessionNotNew:        CodeSessionNotNew,
	ErrContentMismatch:      CodeSessionContentMismatch,
	ErrAppendViolation:      CodeSessionAppendViolation,
	ErrRollbackViolation:    CodeSessionRollbackViolation,
	ErrBranchViolation:      CodeSessionBranchViolation,
	ErrNoEligibleAccount:    CodeNoEligibleAccount,
}

// CodeFor returns the ErrorCode for a sentinel, or "" if err isn't one of ours.
func CodeFor(err error) ErrorCode {
	for sentinel, code := range codeBySentinel {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}
