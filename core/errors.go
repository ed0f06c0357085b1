package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCodeBadInput            = "WEBHOOK_BAD_INPUT"
	ErrorCodeMalformedEvent      = "WEBHOOK_MALFORMED_EVENT"
	ErrorCodeStaleEvent          = "WEBHOOK_STALE_EVENT"
	ErrorCodeInvalidSignature    = "WEBHOOK_INVALID_SIGNATURE"
	ErrorCodeDuplicateKey        = "WEBHOOK_DUPLICATE_IDEMPOTENCY_KEY"
	ErrorCodeEventDeadLettered   = "WEBHOOK_EVENT_DEAD_LETTERED"
	ErrorCodeIllegalTransition   = "WEBHOOK_ILLEGAL_TRANSITION"
	ErrorCodeEventNotFound       = "WEBHOOK_EVENT_NOT_FOUND"
	ErrorCodeDeadLetterNotFound  = "WEBHOOK_DEAD_LETTER_NOT_FOUND"
	ErrorCodeTransactionTimeout  = "WEBHOOK_TRANSACTION_TIMEOUT"
	ErrorCodeRateLimited         = "WEBHOOK_RATE_LIMITED"
	ErrorCodeConflict            = "WEBHOOK_CONFLICT"
	ErrorCodeOperationFailed     = "WEBHOOK_OPERATION_FAILED"
	ErrorCodeInternal            = "WEBHOOK_INTERNAL_ERROR"
	ErrorCodeDeadLetterResolved  = "WEBHOOK_DEAD_LETTER_RESOLVED"
	ErrorCodeUnsupportedCallback = "WEBHOOK_UNSUPPORTED_CALLBACK"
)

var (
	ErrMalformedEvent = newSentinel(
		"malformed webhook event",
		goerrors.CategoryValidation,
		ErrorCodeMalformedEvent,
	)
	ErrStaleEvent = newSentinel(
		"webhook event is older than the accepted age",
		goerrors.CategoryValidation,
		ErrorCodeStaleEvent,
	)
	ErrInvalidSignature = newSentinel(
		"invalid webhook signature",
		goerrors.CategoryAuthz,
		ErrorCodeInvalidSignature,
	)
	ErrDuplicateIdempotencyKey = newSentinel(
		"webhook event idempotency key already exists",
		goerrors.CategoryConflict,
		ErrorCodeDuplicateKey,
	)
	ErrEventDeadLettered = newSentinel(
		"webhook event is dead-lettered and unresolved",
		goerrors.CategoryConflict,
		ErrorCodeEventDeadLettered,
	)
	ErrIllegalTransition = newSentinel(
		"illegal webhook event status transition",
		goerrors.CategoryConflict,
		ErrorCodeIllegalTransition,
	)
	ErrEventNotFound = newSentinel(
		"webhook event not found",
		goerrors.CategoryNotFound,
		ErrorCodeEventNotFound,
	)
	ErrDeadLetterNotFound = newSentinel(
		"dead letter entry not found",
		goerrors.CategoryNotFound,
		ErrorCodeDeadLetterNotFound,
	)
	ErrDeadLetterResolved = newSentinel(
		"dead letter entry is already resolved",
		goerrors.CategoryConflict,
		ErrorCodeDeadLetterResolved,
	)
	ErrTransactionTimeout = newSentinel(
		"webhook transaction timed out",
		goerrors.CategoryOperation,
		ErrorCodeTransactionTimeout,
	)
)

func newSentinel(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

// NewError builds a go-errors envelope with the ledger defaults applied.
func NewError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return newSentinel(message, category, textCode)
}

// MapError turns arbitrary errors into go-errors envelopes for operator surfaces.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(err.Error(), goerrors.CategoryOperation, ErrorCodeTransactionTimeout)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return NewError(err.Error(), goerrors.CategoryNotFound, ErrorCodeEventNotFound)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return NewError(err.Error(), goerrors.CategoryRateLimit, ErrorCodeRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(err.Error(), goerrors.CategoryBadInput, ErrorCodeBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorCodeBadInput
	case goerrors.CategoryNotFound:
		return ErrorCodeEventNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorCodeInvalidSignature
	case goerrors.CategoryConflict:
		return ErrorCodeConflict
	case goerrors.CategoryRateLimit:
		return ErrorCodeRateLimited
	case goerrors.CategoryOperation:
		return ErrorCodeOperationFailed
	default:
		return ErrorCodeInternal
	}
}

// HTTPStatus maps an error category onto the status used by operator surfaces.
func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// HasTextCode reports whether any go-errors envelope in the chain carries code.
func HasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr == nil {
		return false
	}
	return strings.EqualFold(richErr.TextCode, code)
}
