package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Error codes
const (
	CodeAppError       = "APP_ERROR"
	CodeQuotaExhausted = "QUOTA_EXHAUSTED"
	CodeTransient      = "TRANSIENT_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeCancelled      = "CANCELLED"
	CodeCache          = "CACHE_ERROR"
	CodeService        = "SERVICE_ERROR"
	CodeStage          = "STAGE_ERROR"
)

// Kind is the failure taxonomy the job queue and the analysis handler act on.
type Kind string

const (
	KindQuotaExhausted   Kind = "quota_exhausted"
	KindTransient        Kind = "transient"
	KindValidation       Kind = "validation"
	KindCancelled        Kind = "cancelled"
	KindCacheUnavailable Kind = "cache_unavailable"
	KindFailed           Kind = "failed"
)

type AppError struct {
	Message string
	Code    string
	Context map[string]any
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(message, code string, context map[string]any) *AppError {
	return &AppError{
		Message: message,
		Code:    code,
		Context: context,
	}
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// QuotaExhaustedError is returned when the daily API budget cannot cover a call.
// Retrying inside the same budget period fails identically.
type QuotaExhaustedError struct {
	*AppError
	Operation string
	Requested int
	Remaining int
	ResetAt   time.Time
}

func NewQuotaExhaustedError(operation string, requested, remaining int, resetAt time.Time) *QuotaExhaustedError {
	return &QuotaExhaustedError{
		AppError: &AppError{
			Message: fmt.Sprintf("quota exhausted for %s: requested %d, remaining %d, resets at %s",
				operation, requested, remaining, resetAt.Format(time.RFC3339)),
			Code: CodeQuotaExhausted,
			Context: map[string]any{
				"operation": operation,
				"requested": requested,
				"remaining": remaining,
			},
		},
		Operation: operation,
		Requested: requested,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// TransientError marks a failure that may succeed when attempted again.
type TransientError struct {
	*AppError
	Operation string
}

func NewTransientError(message, operation string, cause error) *TransientError {
	return &TransientError{
		AppError: &AppError{
			Message: message,
			Code:    CodeTransient,
			Context: map[string]any{"operation": operation},
			Cause:   cause,
		},
		Operation: operation,
	}
}

type ValidationError struct {
	*AppError
	Field string
	Value interface{}
}

func NewValidationError(message, field string, value interface{}) *ValidationError {
	return &ValidationError{
		AppError: &AppError{
			Message: message,
			Code:    CodeValidation,
			Context: map[string]any{
				"field": field,
				"value": value,
			},
		},
		Field: field,
		Value: value,
	}
}

type CancelledError struct {
	*AppError
	JobID string
}

func NewCancelledError(jobID string) *CancelledError {
	return &CancelledError{
		AppError: &AppError{
			Message: "analysis cancelled",
			Code:    CodeCancelled,
			Context: map[string]any{"job_id": jobID},
		},
		JobID: jobID,
	}
}

type CacheError struct {
	*AppError
	Operation string
	Key       string
}

func NewCacheError(message, operation, key string, cause error) *CacheError {
	return &CacheError{
		AppError: &AppError{
			Message: message,
			Code:    CodeCache,
			Context: map[string]any{
				"operation": operation,
				"key":       key,
			},
			Cause: cause,
		},
		Operation: operation,
		Key:       key,
	}
}

// ServiceError is a non-retryable upstream or internal failure.
type ServiceError struct {
	*AppError
	Service   string
	Operation string
}

func NewServiceError(message, service, operation string, cause error) *ServiceError {
	return &ServiceError{
		AppError: &AppError{
			Message: message,
			Code:    CodeService,
			Context: map[string]any{
				"service":   service,
				"operation": operation,
			},
			Cause: cause,
		},
		Service:   service,
		Operation: operation,
	}
}

// StageError records which pipeline stage a failure happened in.
type StageError struct {
	*AppError
	Stage      int
	StageLabel string
	Kind       Kind
}

func NewStageError(stage int, label string, cause error) *StageError {
	kind := Classify(cause)
	return &StageError{
		AppError: &AppError{
			Message: fmt.Sprintf("stage %d (%s) failed", stage, label),
			Code:    CodeStage,
			Context: map[string]any{
				"stage": stage,
				"kind":  string(kind),
			},
			Cause: cause,
		},
		Stage:      stage,
		StageLabel: label,
		Kind:       kind,
	}
}

// Classify maps an error onto the failure taxonomy. Errors that carry no
// classification are treated as transient.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var quotaErr *QuotaExhaustedError
	if stderrors.As(err, &quotaErr) {
		return KindQuotaExhausted
	}
	var cancelled *CancelledError
	if stderrors.As(err, &cancelled) {
		return KindCancelled
	}
	var validation *ValidationError
	if stderrors.As(err, &validation) {
		return KindValidation
	}
	var svc *ServiceError
	if stderrors.As(err, &svc) {
		return KindFailed
	}
	var transient *TransientError
	if stderrors.As(err, &transient) {
		return KindTransient
	}
	var cacheErr *CacheError
	if stderrors.As(err, &cacheErr) {
		return KindCacheUnavailable
	}
	return KindTransient
}

// IsRetryable reports whether the queue may schedule another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

func IsQuotaExhausted(err error) bool {
	return Classify(err) == KindQuotaExhausted
}

func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

func IsValidation(err error) bool {
	return Classify(err) == KindValidation
}
