package oftp

import (
	"errors"
	"fmt"
)

// Error represents an OFTP session error
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Command is the command kind that caused the error (0 if not applicable)
	Command CommandKind

	// Reason is the end session reason sent to, or received from, the remote
	Reason EndSessionReason
}

// ErrorType categorizes OFTP errors
type ErrorType int

const (
	// ErrProtocol ends the session with an ESID carrying Reason
	ErrProtocol ErrorType = iota

	// ErrRemoteEnd indicates the remote closed the channel or sent an ESID
	ErrRemoteEnd

	// ErrTimeout indicates a receive did not complete in time
	ErrTimeout

	// ErrCancelled indicates the session context was cancelled
	ErrCancelled

	// ErrInternal indicates a command could not be built from local data
	ErrInternal
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("oftp %s: %s", e.Type, e.Message)
	if e.Command != 0 {
		msg += fmt.Sprintf(" (command: %s)", CommandName(e.Command))
	}
	if e.Type == ErrProtocol || (e.Type == ErrRemoteEnd && e.Reason != EndSessionNone) {
		msg += fmt.Sprintf(" [%d %s]", int(e.Reason), e.Reason)
	}
	return msg
}

func (t ErrorType) String() string {
	switch t {
	case ErrProtocol:
		return "protocol error"
	case ErrRemoteEnd:
		return "remote end"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// NewError creates a new OFTP error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// NewProtocolError creates an error that ends the session with reason.
func NewProtocolError(reason EndSessionReason, format string, args ...interface{}) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: fmt.Sprintf(format, args...),
		Reason:  reason,
	}
}

// NewCommandError creates a protocol error with command information
func NewCommandError(reason EndSessionReason, message string, kind CommandKind) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
		Command: kind,
		Reason:  reason,
	}
}

// IsProtocol checks if an error ends the session with an ESID
func IsProtocol(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrProtocol
}

// IsRemoteEnd checks if an error was caused by the remote side closing
func IsRemoteEnd(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrRemoteEnd
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrTimeout
}

// EndSessionReasonOf returns the end session reason carried by err.
func EndSessionReasonOf(err error) (EndSessionReason, bool) {
	var e *Error
	if errors.As(err, &e) && (e.Type == ErrProtocol || e.Type == ErrRemoteEnd) {
		return e.Reason, true
	}
	return EndSessionNone, false
}

// FileServiceError is a recoverable per-file failure. The session answers
// it with a negative start file, end file or end-to-end response.
type FileServiceError struct {
	Reason AnswerReason
	Text   string
	Retry  bool
}

// NewFileServiceError creates a file service error.
func NewFileServiceError(reason AnswerReason, retry bool, format string, args ...interface{}) *FileServiceError {
	return &FileServiceError{
		Reason: reason,
		Text:   fmt.Sprintf(format, args...),
		Retry:  retry,
	}
}

func (e *FileServiceError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("oftp file service: %s", e.Reason)
	}
	return fmt.Sprintf("oftp file service: %s: %s", e.Reason, e.Text)
}

// AsFileServiceError extracts a file service error from err.
func AsFileServiceError(err error) (*FileServiceError, bool) {
	var e *FileServiceError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// fileServiceAnswer converts any error into the reason, text and retry flag
// of a negative answer.
func fileServiceAnswer(err error) (AnswerReason, string, bool) {
	if fse, ok := AsFileServiceError(err); ok {
		return fse.Reason, fse.Text, fse.Retry
	}
	return AnswerUnspecifiedReason, err.Error(), true
}
