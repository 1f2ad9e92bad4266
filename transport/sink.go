package transport

import (
	"context"

	"github.com/google/uuid"

	"dm-relay/domain/event"
)

// Sink is the channel-backed connection handle registered in the presence
// registry. The write pump of the owning session drains Events.
type Sink struct {
	id     string
	events chan event.Event
}

func NewSink(bufferSize int) *Sink {
	return &Sink{id: uuid.NewString(), events: make(chan event.Event, bufferSize)}
}

func (s *Sink) ID() string {
	return s.id
}

func (s *Sink) Events() <-chan event.Event {
	return s.events
}

// Consume is called by the engine's bus handler.
// A full buffer drops the event rather than blocking delivery for everyone
// else: live pushes are a hint, history retrieval is the source of truth.
func (s *Sink) Consume(ctx context.Context, e event.Event) error {
	select {
	case s.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
