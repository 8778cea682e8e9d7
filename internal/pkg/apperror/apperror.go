// Package apperror defines the typed errors shared by the billing core.
// Every error carries a stable numeric result code that is returned to API
// clients unchanged.
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindNotFound        Kind = "not_found"
	KindAccessDenied    Kind = "access_denied"
	KindInvalidState    Kind = "invalid_state"
	KindConfiguration   Kind = "configuration_error"
	KindPaymentRequired Kind = "payment_required"
	KindPaymentProvider Kind = "payment_provider_error"
	KindDispatch        Kind = "dispatch_error"
	KindInternal        Kind = "internal_error"
)

// Result codes.
const (
	CodeInternal           = 500
	CodeInvalidParameter   = 1001
	CodeAccessDenied       = 1006
	CodeTaskNotFound       = 1101
	CodeTaskStateError     = 1104
	CodeDispatchFailed     = 1201
	CodeConfigurationError = 1501
	CodePaymentRequired    = 1601
	CodePaymentNotFound    = 1602
	CodePaymentStateError  = 1603
	CodePaymentProvider    = 1604
)

type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so that errors.Is(err, apperror.ErrNotFound) works for
// any not-found error regardless of message or code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAccessDenied    = &Error{Kind: KindAccessDenied}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrPaymentRequired = &Error{Kind: KindPaymentRequired}
	ErrPaymentProvider = &Error{Kind: KindPaymentProvider}
	ErrDispatch        = &Error{Kind: KindDispatch}
)

func New(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code int, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(KindValidation, CodeInvalidParameter, message)
}

func Configuration(message string, err error) *Error {
	return Wrap(KindConfiguration, CodeConfigurationError, message, err)
}

func TaskNotFound(taskID string) *Error {
	return New(KindNotFound, CodeTaskNotFound, "task not found: "+taskID)
}

func PaymentNotFound(taskID string) *Error {
	return New(KindNotFound, CodePaymentNotFound, "payment not found for task: "+taskID)
}

func AccessDenied(message string) *Error {
	return New(KindAccessDenied, CodeAccessDenied, message)
}

func TaskState(message string) *Error {
	return New(KindInvalidState, CodeTaskStateError, message)
}

func PaymentState(message string) *Error {
	return New(KindInvalidState, CodePaymentStateError, message)
}

func PaymentProvider(message string, err error) *Error {
	return Wrap(KindPaymentProvider, CodePaymentProvider, message, err)
}

func Dispatch(message string, err error) *Error {
	return Wrap(KindDispatch, CodeDispatchFailed, message, err)
}

// From extracts the typed error from err. Untyped errors are reported as
// internal with a generic message so internals never reach clients.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(KindInternal, CodeInternal, "internal server error", err)
}
