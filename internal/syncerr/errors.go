package syncerr

import (
	"errors"
	"fmt"
)

// Code classifies a synchronization failure.
type Code string

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodeSendTimeout          Code = "SEND_TIMEOUT"
	CodeSendRejected         Code = "SEND_REJECTED"
	CodeFetchError           Code = "FETCH_ERROR"
	CodeAttachmentTooLarge   Code = "ATTACHMENT_TOO_LARGE"
	CodeNotRetryable         Code = "NOT_RETRYABLE"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
)

// Error is a classified error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies cause under code.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the outermost classified error in the chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a failed send may be repeated by an explicit retry.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeSendTimeout, CodeSendRejected, CodeTransportUnavailable, CodeUnknown:
		return true
	default:
		return false
	}
}

var (
	ErrTransportUnavailable = New(CodeTransportUnavailable, "push channel not connected")
	ErrNotRetryable         = New(CodeNotRetryable, "message is not in a failed state")
	ErrMessageNotFound      = New(CodeNotFound, "message not found")
)

// AttachmentTooLarge reports a file over the local size ceiling.
func AttachmentTooLarge(name string, size, limit int64) error {
	return New(CodeAttachmentTooLarge, fmt.Sprintf("attachment %q is %d bytes, limit is %d", name, size, limit))
}

// SendTimeout reports a push acknowledgment that did not arrive in time.
func SendTimeout(cause error) error {
	return Wrap(CodeSendTimeout, "push send not acknowledged", cause)
}

// SendRejected reports a server-side refusal of a send.
func SendRejected(cause error) error {
	return Wrap(CodeSendRejected, "send rejected", cause)
}

// FetchError reports a failed poll or load.
func FetchError(what string, cause error) error {
	return Wrap(CodeFetchError, "fetch "+what, cause)
}
