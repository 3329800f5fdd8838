// Package errors provides the error taxonomy shared by every plasma
// component.
//
// # Categories
//
//   - Boundary: PARSE_ERROR, SCHEMA_ERROR, ROUTING_ERROR. Logged and dropped
//     by whichever component received the bad message.
//   - Data: COMPLETION_ERROR, PANIC. Turned into a result envelope carrying
//     an error field; never crashes a worker.
//   - Caller: CORRELATION_TIMEOUT, CANCELED. Returned to the caller that
//     submitted a task.
//   - Transport: TRANSPORT_ERROR. Retried with backoff; fatal for the
//     process once retries are exhausted.
//
// # Usage
//
//	err := errors.Schema("task_id", "must be a non-empty string")
//	if errors.Is(err, errors.ErrCodeSchema) {
//	    // drop the message
//	}
//
// Errors marshal to JSON so they can travel inside result envelopes.
package errors
