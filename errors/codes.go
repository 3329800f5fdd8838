package errors

// ErrorCategory classifies errors by how far they are allowed to travel.
type ErrorCategory string

const (
	// CategoryBoundary errors are absorbed where the bad message arrived.
	// The message is logged and dropped; nothing is forwarded.
	CategoryBoundary ErrorCategory = "boundary"

	// CategoryData errors are converted into an error-carrying result
	// envelope instead of being returned up the stack.
	CategoryData ErrorCategory = "data"

	// CategoryCaller errors are surfaced to the caller that issued a task.
	CategoryCaller ErrorCategory = "caller"

	// CategoryTransport errors come from the bus connection itself.
	CategoryTransport ErrorCategory = "transport"

	// CategoryInternal indicates bugs or unexpected failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransport
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	ErrCodeParse      ErrorCode = "PARSE_ERROR"   // input is not structured data
	ErrCodeSchema     ErrorCode = "SCHEMA_ERROR"  // required field missing or wrong shape
	ErrCodeRouting    ErrorCode = "ROUTING_ERROR" // task has no usable target
	ErrCodeCompletion ErrorCode = "COMPLETION_ERROR"

	// A caller gave up waiting. The task may still complete later.
	ErrCodeCorrelationTimeout ErrorCode = "CORRELATION_TIMEOUT"

	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
	ErrCodeCanceled  ErrorCode = "CANCELED"
	ErrCodeInternal  ErrorCode = "INTERNAL"
	ErrCodePanic     ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeParse, ErrCodeSchema, ErrCodeRouting:
		return CategoryBoundary
	case ErrCodeCompletion, ErrCodePanic:
		return CategoryData
	case ErrCodeCorrelationTimeout, ErrCodeCanceled:
		return CategoryCaller
	case ErrCodeTransport:
		return CategoryTransport
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeParse:              "message is not valid structured data",
	ErrCodeSchema:             "message does not match the envelope schema",
	ErrCodeRouting:            "task has no usable target",
	ErrCodeCompletion:         "completion failed",
	ErrCodeCorrelationTimeout: "no matching result before the deadline",
	ErrCodeTransport:          "bus connection unavailable",
	ErrCodeCanceled:           "operation canceled",
	ErrCodeInternal:           "internal error",
	ErrCodePanic:              "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
