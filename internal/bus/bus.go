// Package bus abstracts the pub/sub transport the orchestrator uses to
// register workers, dispatch subtasks, collect results, and broadcast
// shutdown. The interfaces mirror the subset of goa.design/pulse streaming
// needed by a single-stream-per-subject publish/subscribe model.
package bus

import "context"

// Message is one received bus message: its subject, opaque payload bytes,
// and an Ack callback that must be invoked after processing (successfully
// or not) so the underlying consumer group advances.
type Message struct {
	Subject string
	Payload []byte
	Ack     func(ctx context.Context) error
}

// Client opens subjects (Pulse streams) for publish and subscribe.
type Client interface {
	// Subject returns a handle to the named subject, creating its backing
	// stream if needed.
	Subject(name string) (Subject, error)
	// Close releases client resources.
	Close(ctx context.Context) error
}

// Subject is one named publish/subscribe channel.
type Subject interface {
	// Publish sends payload on this subject, returning the transport's
	// assigned message id.
	Publish(ctx context.Context, payload []byte) (string, error)
	// Subscribe opens a durable sink (consumer group) named group and
	// returns the channel of incoming messages. Each message must be
	// acked exactly once by the consumer.
	Subscribe(ctx context.Context, group string) (<-chan Message, error)
	// Close releases subject resources.
	Close(ctx context.Context) error
}
