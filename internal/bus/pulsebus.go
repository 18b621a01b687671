package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// PulseOptions configures a Redis-backed Pulse bus client.
type PulseOptions struct {
	// Redis is the connection backing every Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries kept per stream. Zero uses
	// Pulse defaults.
	StreamMaxLen int
	// Retry bounds the backoff applied to a transient publish failure. The
	// zero value uses DefaultRetryConfig.
	Retry RetryConfig
}

type pulseClient struct {
	redis  *redis.Client
	maxLen int
	retry  RetryConfig
}

// NewPulseClient constructs a Client backed by Pulse streams over Redis.
func NewPulseClient(opts PulseOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("bus: redis client is required")
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &pulseClient{redis: opts.Redis, maxLen: opts.StreamMaxLen, retry: retry}, nil
}

func (c *pulseClient) Subject(name string) (Subject, error) {
	if name == "" {
		return nil, errors.New("bus: subject name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	stream, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: open pulse stream %q: %w", name, err)
	}
	return &pulseSubject{name: name, stream: stream, retry: c.retry}, nil
}

func (c *pulseClient) Close(ctx context.Context) error {
	return nil
}

type pulseSubject struct {
	name   string
	stream *streaming.Stream
	retry  RetryConfig
}

const dispatchEventName = "message"

// Publish adds payload to the stream, retrying transient failures with a
// bounded exponential backoff rather than surfacing the first hiccup to the
// caller; a Redis connection blip should not by itself roll back a
// dispatch.
func (s *pulseSubject) Publish(ctx context.Context, payload []byte) (string, error) {
	var id string
	err := WithRetry(ctx, s.retry, func(ctx context.Context) error {
		added, addErr := s.stream.Add(ctx, dispatchEventName, payload)
		if addErr != nil {
			return addErr
		}
		id = added
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("bus: publish on %q: %w", s.name, err)
	}
	return id, nil
}

func (s *pulseSubject) Subscribe(ctx context.Context, group string) (<-chan Message, error) {
	sink, err := s.stream.NewSink(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("bus: open sink %q on %q: %w", group, s.name, err)
	}

	out := make(chan Message)
	events := sink.Subscribe()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				sink.Close(context.Background())
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				evCopy := ev
				out <- Message{
					Subject: s.name,
					Payload: evCopy.Payload,
					Ack: func(ackCtx context.Context) error {
						return sink.Ack(ackCtx, evCopy)
					},
				}
			}
		}
	}()
	return out, nil
}

func (s *pulseSubject) Close(ctx context.Context) error {
	return s.stream.Destroy(ctx)
}
