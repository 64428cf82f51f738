package usecase

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mimitalk-agent/internal/domain"
)

type ErrorCode string

const (
	ErrorInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrorStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrorAgentUnavailable   ErrorCode = "AGENT_UNAVAILABLE"
	ErrorRateLimited        ErrorCode = "RATE_LIMITED"
	ErrorNoDiagnosisPayload ErrorCode = "NO_DIAGNOSIS_PAYLOAD"
	ErrorMalformedDiagnosis ErrorCode = "MALFORMED_DIAGNOSIS_PAYLOAD"
	ErrorInternal           ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// rateLimited reports whether err carries a gRPC RESOURCE_EXHAUSTED status,
// which Google APIs return for quota and rate limits.
func rateLimited(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}

// classify maps a collaborator failure onto an error code by the domain
// sentinel it wraps.
func classify(reason string, err error) *Error {
	switch {
	case errors.Is(err, domain.ErrStorageUnavailable):
		return newError(ErrorStorageUnavailable, reason, err)
	case errors.Is(err, domain.ErrAgentUnavailable):
		if rateLimited(err) {
			return newError(ErrorRateLimited, reason, err)
		}
		return newError(ErrorAgentUnavailable, reason, err)
	case errors.Is(err, domain.ErrNoDiagnosisPayload):
		return newError(ErrorNoDiagnosisPayload, reason, err)
	case errors.Is(err, domain.ErrMalformedDiagnosisPayload):
		return newError(ErrorMalformedDiagnosis, reason, err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}
