package mqjob

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQueue         = errors.New("queue is empty")
	ErrMessageNotFound    = errors.New("message not found")
	ErrHandlerMissing     = &PreconditionError{Reason: "handler missing"}
	ErrEmptyHandler       = errors.New("handler is empty")
	ErrUnknownPayloadType = errors.New("unknown payload type")
	ErrJobAlreadyEnqueued = errors.New("job is backed by a received message")
	ErrQueueIsRequired    = errors.New("queue is required")
	ErrBodyNotObject      = errors.New("message body is not an object")

	ErrUnknownType    = errors.New("unknown type")
	ErrNotPerformable = errors.New("payload does not implement Performer")
)

// DeserializationError is returned when handler text cannot be turned back into a payload.
type DeserializationError struct {
	Handler string
	Err     error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("job failed to load: %v. handler: %q", e.Err, e.Handler)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// PreconditionError signals a programming error. It is never worth retrying.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// QueueError wraps a gateway failure.
type QueueError struct {
	Op    string
	Queue string
	Err   error
}

func (e *QueueError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("queue %s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}
