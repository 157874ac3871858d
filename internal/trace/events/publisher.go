package events

import (
	"context"
	"log/slog"
	"sync"
)

// Sink delivers events to a concrete transport.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Publisher decouples event emission from delivery. In sync mode Emit
// delivers inline; with an async buffer Emit enqueues and a worker drains,
// dropping (with a log line) when the buffer is full rather than blocking
// the caller.
type Publisher struct {
	sink   Sink
	logger *slog.Logger

	inbox  chan Event
	done   chan struct{}
	closed sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to asynchronous delivery with the
// given buffer size.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.inbox = make(chan Event, size)
	}
}

// NewPublisher creates a publisher over the given sink. A nil sink disables
// emission entirely; Emit becomes a no-op.
func NewPublisher(sink Sink, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{sink: sink, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil && p.sink != nil {
		p.done = make(chan struct{})
		go p.drain()
	}
	return p
}

// Emit publishes the event. Never returns an error to the caller's write
// path; delivery failures are logged.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if p.sink == nil {
		return
	}
	if p.inbox == nil {
		if err := p.sink.Publish(ctx, event); err != nil {
			p.logger.Warn("event publish failed",
				"type", event.Type,
				"trace_id", event.TraceID,
				"error", err,
			)
		}
		return
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("event buffer full, dropping event",
			"type", event.Type,
			"trace_id", event.TraceID,
		)
	}
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.inbox {
		if err := p.sink.Publish(context.Background(), event); err != nil {
			p.logger.Warn("event publish failed",
				"type", event.Type,
				"trace_id", event.TraceID,
				"error", err,
			)
		}
	}
}

// Close drains any buffered events and closes the sink.
func (p *Publisher) Close() {
	p.closed.Do(func() {
		if p.inbox != nil {
			close(p.inbox)
			if p.done != nil {
				<-p.done
			}
		}
		if p.sink != nil {
			if err := p.sink.Close(); err != nil {
				p.logger.Warn("event sink close failed", "error", err)
			}
		}
	})
}
