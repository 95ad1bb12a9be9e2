package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure. Clients branch on it, never on
// the message text.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Room protocol
	ErrCodeNotJoined     ErrorCode = "NOT_JOINED"
	ErrCodeAlreadyJoined ErrorCode = "ALREADY_JOINED"
	ErrCodeHostExists    ErrorCode = "HOST_EXISTS"
	ErrCodeEngineFailure ErrorCode = "ENGINE_FAILURE"
	ErrCodeUnknownMethod ErrorCode = "UNKNOWN_METHOD"
	ErrCodeRoomClosed    ErrorCode = "ROOM_CLOSED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewNotJoinedError() *AppError {
	return NewAppError(ErrCodeNotJoined, "Peer not yet joined", http.StatusForbidden)
}

func NewAlreadyJoinedError() *AppError {
	return NewAppError(ErrCodeAlreadyJoined, "Peer already joined", http.StatusConflict)
}

// NewHostExistsError is returned when a second peer tries to join as host.
// The message text is matched by deployed clients.
func NewHostExistsError() *AppError {
	return NewAppError(ErrCodeHostExists, "Host exists", http.StatusConflict)
}

func NewEngineFailureError(operation string, cause error) *AppError {
	return WrapError(cause, ErrCodeEngineFailure, operation+" failed", http.StatusInternalServerError)
}

func NewUnknownMethodError(method string) *AppError {
	return NewAppError(ErrCodeUnknownMethod, fmt.Sprintf("unknown request.method %q", method), http.StatusBadRequest)
}

func NewRoomClosedError() *AppError {
	return NewAppError(ErrCodeRoomClosed, "room closed", http.StatusGone)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
