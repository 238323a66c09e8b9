package queue

import "context"

// Publisher publishes batch request messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg BatchRequestMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg BatchRequestMessage) error

// Consumer consumes batch request messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// RequestQueue is the work queue for asynchronous batch submissions.
	RequestQueue = "batch.requests"
	// RequestDLQ receives malformed or repeatedly rejected submissions.
	RequestDLQ = "dlq.batch.requests"
)
