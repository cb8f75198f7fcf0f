package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so cloned errors still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Enrollment and billing errors.
var (
	ErrClassFull              = New("CLASS_FULL", http.StatusConflict, "class is full")
	ErrRegistrationClosed     = New("REGISTRATION_CLOSED", http.StatusUnprocessableEntity, "class registration window is closed")
	ErrDuplicateEnrollment    = New("DUPLICATE_ENROLLMENT", http.StatusConflict, "student already holds an enrollment for this class")
	ErrDuplicateRegistration  = New("DUPLICATE_REGISTRATION", http.StatusConflict, "student already holds a registration for this academic year")
	ErrInvalidTransition      = New("INVALID_TRANSITION", http.StatusConflict, "transition not allowed from current status")
	ErrInvalidCoupon          = New("INVALID_COUPON", http.StatusUnprocessableEntity, "coupon cannot be applied")
	ErrInsufficientCredit     = New("INSUFFICIENT_CREDIT", http.StatusUnprocessableEntity, "insufficient credit balance")
	ErrPaymentNotVerified     = New("PAYMENT_NOT_VERIFIED", http.StatusPaymentRequired, "payment could not be verified")
	ErrGatewayUnavailable     = New("GATEWAY_UNAVAILABLE", http.StatusBadGateway, "payment gateway unavailable")
	ErrCertificateNotEligible = New("CERTIFICATE_NOT_ELIGIBLE", http.StatusUnprocessableEntity, "enrollment not eligible for a certificate")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
