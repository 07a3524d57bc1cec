package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument      ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeUnavailable          ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond        ErrorCode = "FAILED_PRECONDITION"
	CodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	CodeInternal             ErrorCode = "INTERNAL"
	CodeBind                 ErrorCode = "BIND"
	CodeUnbind               ErrorCode = "UNBIND"
	CodeMalformedAddress     ErrorCode = "MALFORMED_ADDRESS"
	CodeStop                 ErrorCode = "STOP"
	CodeMalformedCredentials ErrorCode = "MALFORMED_CREDENTIALS"
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
)

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrBind                 = &Error{Code: CodeBind}
	ErrUnbind               = &Error{Code: CodeUnbind}
	ErrMalformedAddress     = &Error{Code: CodeMalformedAddress}
	ErrStop                 = &Error{Code: CodeStop}
	ErrMalformedCredentials = &Error{Code: CodeMalformedCredentials}
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed}
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches code-only sentinels such as ErrBind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	if t.Op != "" || t.Message != "" || t.Cause != nil {
		return false
	}
	return t.Code == e.Code
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
		}
	}
	return E(code, op, "", err)
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	return "", false
}
