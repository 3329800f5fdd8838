package errors

import (
	"context"
	"errors"
	"fmt"
)

// find returns the outermost *Error in err's chain.
func find(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Wrap adds message to err. A plasma error keeps its code, category and
// task/agent ids; a context error becomes CANCELED; anything else becomes
// INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	inner, ok := find(err)
	if !ok {
		code := ErrCodeInternal
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeCanceled
		}
		return New(code, message, append(opts, WithCause(err))...)
	}

	e := &Error{
		code:      inner.code,
		category:  inner.category,
		message:   message,
		cause:     err,
		metadata:  inner.Metadata(),
		retryable: inner.retryable,
		timestamp: inner.timestamp,
		agentID:   inner.agentID,
		taskID:    inner.taskID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AsAgentError returns the plasma error in err's chain, or nil.
func AsAgentError(err error) AgentError {
	if e, ok := find(err); ok {
		return e
	}
	return nil
}

// Is reports whether the outermost plasma error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	e, ok := find(err)
	return ok && e.code == code
}

// IsTimeout reports whether err is a correlation timeout.
func IsTimeout(err error) bool {
	return Is(err, ErrCodeCorrelationTimeout)
}

// IsFatal reports whether err should stop the process. Only a bus that
// cannot be reached is; every other failure is absorbed or returned as data.
func IsFatal(err error) bool {
	e, ok := find(err)
	return ok && e.category == CategoryTransport
}

// Code returns the code of the plasma error in err's chain, or "".
func Code(err error) ErrorCode {
	if e, ok := find(err); ok {
		return e.code
	}
	return ""
}

// RecoverPanic converts a value returned by recover into a PANIC error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprint(v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
