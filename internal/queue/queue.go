// Package queue carries job-start events from submission to the dispatcher.
// Delivery is at-least-once; the dispatcher's conditional claim makes
// duplicate deliveries harmless.
package queue

import (
	"context"
	"time"

	"github.com/plurapp/ai-engine/pkg/logger"
)

// Event announces that a job is queued and ready to run.
type Event struct {
	JobID      string    `json:"job_id"`
	Type       string    `json:"type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one delivered event. A returned error is logged by the
// bus; the event is not redelivered, recovery is the requeue sweep's job.
type Handler func(ctx context.Context, evt Event) error

// Bus publishes and consumes job events.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Consume delivers events to h until ctx is done.
	Consume(ctx context.Context, h Handler) error
}

// Memory is an in-process bus for tests and single-node runs.
type Memory struct {
	ch  chan Event
	log *logger.Logger
}

var _ Bus = (*Memory)(nil)

// NewMemory creates a buffered in-process bus.
func NewMemory() *Memory {
	return &Memory{
		ch:  make(chan Event, 1024),
		log: logger.NewDefault("queue"),
	}
}

func (m *Memory) Publish(ctx context.Context, evt Event) error {
	select {
	case m.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryReceive pops one pending event without blocking. Test helper.
func (m *Memory) TryReceive() (Event, bool) {
	select {
	case evt := <-m.ch:
		return evt, true
	default:
		return Event{}, false
	}
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-m.ch:
			if err := h(ctx, evt); err != nil {
				m.log.WithError(err).WithField("job_id", evt.JobID).Error("event handler failed")
			}
		}
	}
}
