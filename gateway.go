package mqjob

import (
	"context"
	"time"
)

// Message is a single delivery received from a queue.
// Receipt is the handle a gateway needs to delete this exact delivery.
type Message struct {
	Id           string
	Queue        string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

// Gateway is the set of queue operations a Client relies on.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// Send enqueues body, making it visible after delay.
	Send(ctx context.Context, queue string, body []byte, delay time.Duration) error
	// Receive returns the next visible message and hides it from other consumers
	// until it is deleted or its visibility timeout expires.
	// ErrEmptyQueue is returned when nothing is visible.
	Receive(ctx context.Context, queue string) (Message, error)
	// Delete removes a received message. ErrMessageNotFound is returned
	// when the message or its receipt is no longer valid.
	Delete(ctx context.Context, msg Message) error
}
