package contract

import (
	"context"
	"reflect"

	"dm-relay/domain"
	"dm-relay/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// ConnectionSink is the write side of one live connection.
// ID distinguishes two connections of the same identity: a disconnect of a
// stale connection must not evict a fresher registration.
type ConnectionSink interface {
	ID() string
	Consume(ctx context.Context, e event.Event) error
}

type IPresence interface {
	Register(identity string, sink ConnectionSink)
	Lookup(identity string) (ConnectionSink, bool)
	Unregister(identity string, sink ConnectionSink)
}

// MessageRepository is the persistence gateway the engine consumes.
// Insert assigns the durable id and timestamp when unset. UpdateStatus
// applies the forward-only rule and returns nil when no transition was
// possible on an existing message.
type MessageRepository interface {
	NextID() (uint64, error)
	Insert(msg domain.Message) (domain.Message, error)
	UpdateStatus(id uint64, target domain.Status) (*domain.Message, error)
	UpdateStatusForConversation(from, to string, target domain.Status) ([]uint64, error)
	GetConversation(a, b string, cursor *string) ([]domain.Message, *string, error)
	ListConversations(identity string) ([]domain.ConversationSummary, error)
}

// Bus is the cross-instance fan-out channel. At-least-once, best-effort
// ordered per publisher within a topic, no subscriber acknowledgment.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
}

type IEngine interface {
	Register(identity string, sink ConnectionSink)
	Disconnect(identity string, sink ConnectionSink)
	Send(ctx context.Context, cmd domain.SendCommand) (domain.Message, error)
	MarkDelivered(ctx context.Context, messageID uint64) error
	MarkRead(ctx context.Context, messageID uint64) error
	OpenConversation(ctx context.Context, opener, counterparty string) error
	History(a, b string, cursor *string) ([]domain.Message, *string, error)
	Conversations(identity string) ([]domain.ConversationSummary, error)
}
