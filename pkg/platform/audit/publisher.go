package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink persists audit events. Implementations: Kafka (deployments), memory
// (tests, dev without brokers).
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Publisher accepts events from domain logic and hands them to the worker via
// a bounded channel. Emitting never blocks a request: when the inbox is full
// the event is dropped with a logged warning, because the ops stream is
// observability, not the source of truth.
type Publisher struct {
	inbox  chan Event
	logger *slog.Logger
}

func NewPublisher(logger *slog.Logger, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{inbox: make(chan Event, buffer), logger: logger}
}

// Emit stamps and enqueues an event.
func (p *Publisher) Emit(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("audit inbox full, dropping event",
			"action", event.Action,
			"consent_id", event.ConsentID,
		)
	}
}

// Inbox exposes the receive side for the worker.
func (p *Publisher) Inbox() <-chan Event {
	return p.inbox
}

// Worker consumes audit events from the publisher's inbox and persists them.
// It keeps background processing testable without wiring queue
// implementations into the services.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.sink.Append(ctx, event); err != nil {
				// Sink failures must not kill the worker; later events may
				// succeed once the broker recovers.
				w.logger.Error("audit append failed",
					"error", err.Error(),
					"action", event.Action,
				)
			}
		}
	}
}
