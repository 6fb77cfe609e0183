package errors

import (
	"errors"
	"fmt"
	"net/http"

	"streamcast/internal/core/domain"
)

// ErrorCode identifies a coordinator or negotiation failure class.
type ErrorCode string

const (
	ErrCodeDuplicateRoomID  ErrorCode = "DUPLICATE_ROOM_ID"
	ErrCodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeRoomEnded        ErrorCode = "ROOM_ENDED"
	ErrCodeNotInRoom        ErrorCode = "NOT_IN_ROOM"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeDeliveryFailure  ErrorCode = "DELIVERY_FAILURE"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a code, a user-facing message and the wrapped cause.
// No AppError is fatal: callers surface it to the originating participant
// and keep serving.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
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

// New creates an AppError with an explicit HTTP status.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap attaches a cause to a new AppError.
func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewDuplicateRoomID(roomID string) *AppError {
	return New(ErrCodeDuplicateRoomID, fmt.Sprintf("room %q already exists", roomID), http.StatusConflict)
}

func NewRoomNotFound(roomID string) *AppError {
	return New(ErrCodeRoomNotFound, fmt.Sprintf("room %q not found", roomID), http.StatusNotFound)
}

func NewRoomEnded(roomID string) *AppError {
	return New(ErrCodeRoomEnded, fmt.Sprintf("room %q has ended", roomID), http.StatusGone)
}

func NewInvalidInput(message string) *AppError {
	return New(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewRateLimited(message string) *AppError {
	return New(ErrCodeRateLimited, message, http.StatusTooManyRequests)
}

func NewInternal(message string) *AppError {
	return New(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps a domain sentinel error onto the wire/HTTP taxonomy.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDuplicateRoomID):
		return Wrap(err, ErrCodeDuplicateRoomID, "room id already in use", http.StatusConflict)
	case errors.Is(err, domain.ErrRoomNotFound):
		return Wrap(err, ErrCodeRoomNotFound, "room not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrRoomEnded):
		return Wrap(err, ErrCodeRoomEnded, "room has ended", http.StatusGone)
	case errors.Is(err, domain.ErrNotInRoom):
		return Wrap(err, ErrCodeNotInRoom, "not a member of the room", http.StatusForbidden)
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNegotiatorClosed):
		return Wrap(err, ErrCodeInvalidState, "operation not allowed in current state", http.StatusConflict)
	case errors.Is(err, domain.ErrMediaUnavailable):
		return Wrap(err, ErrCodeMediaUnavailable, "no local media available", http.StatusPreconditionFailed)
	case errors.Is(err, domain.ErrDeliveryFailure):
		return Wrap(err, ErrCodeDeliveryFailure, "could not reach participant", http.StatusBadGateway)
	default:
		return Wrap(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
