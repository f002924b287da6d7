package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a messaging error reported back to a sender
type ErrorCode string

const (
	CodeIllegalTopic        ErrorCode = "ILLEGAL_TOPIC"
	CodeIllegalQualifier    ErrorCode = "ILLEGAL_QUALIFIER"
	CodeMissingSubscriberID ErrorCode = "MISSING_SUBSCRIBER_ID"
	CodeNoSubscriber        ErrorCode = "NO_SUBSCRIBER"
	CodeOriginMismatch      ErrorCode = "ORIGIN_MISMATCH"
	CodeNotQualified        ErrorCode = "NOT_QUALIFIED"
	CodeNullProvider        ErrorCode = "NULL_PROVIDER"
	CodeIllegalParams       ErrorCode = "ILLEGAL_PARAMS"
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeInterceptorRejected ErrorCode = "INTERCEPTOR_REJECTED"
	CodeOverloaded          ErrorCode = "OVERLOADED"
	CodeInternal            ErrorCode = "INTERNAL"
)

// MessagingError is an error converted into an error acknowledgment
type MessagingError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *MessagingError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}

// NewError creates a MessagingError
func NewError(code ErrorCode, format string, args ...any) *MessagingError {
	return &MessagingError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a MessagingError carrying the cause's message
func WrapError(code ErrorCode, err error) *MessagingError {
	return &MessagingError{Code: code, Message: err.Error(), Err: err}
}

// AsMessagingError returns err as a MessagingError; errors without a code
// are reported as INTERNAL.
func AsMessagingError(err error) *MessagingError {
	var me *MessagingError
	if errors.As(err, &me) {
		return me
	}
	return WrapError(CodeInternal, err)
}

// CodeOf returns the code of err, or "" when err is nil
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsMessagingError(err).Code
}
