// Package runtime holds the delivery core: the presence registry and the
// engine that routes sends, bus events and status acknowledgments.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/go-playground/validator/v10"

	"dm-relay/bus"
	"dm-relay/contract"
	"dm-relay/domain"
	"dm-relay/domain/event"
	apperrors "dm-relay/errors"
	"dm-relay/moderation"
	"dm-relay/queue"
)

// PersistenceMode selects the send-path strategy.
type PersistenceMode string

const (
	// PersistSync writes the message to the store before publishing; a
	// store failure is surfaced to the sender and nothing is published.
	PersistSync PersistenceMode = "sync"
	// PersistQueued pushes the message onto the durable outbox, publishes
	// and acknowledges immediately; the drain worker lands the store write.
	PersistQueued PersistenceMode = "queued"
)

// Engine orchestrates delivery. It is stateless with respect to which
// instance holds which connection: every instance receives every bus event
// and resolves it against its local presence registry.
type Engine struct {
	log         *slog.Logger
	presence    contract.IPresence
	repo        contract.MessageRepository
	bus         contract.Bus
	outbox      *queue.Outbox
	moderator   *moderation.Moderator
	validate    *validator.Validate
	mode        PersistenceMode
	sinkTimeout time.Duration
}

var _ contract.IEngine = (*Engine)(nil)

func NewEngine(log *slog.Logger, presence contract.IPresence,
	repo contract.MessageRepository, b contract.Bus,
	mode PersistenceMode, outbox *queue.Outbox,
	moderator *moderation.Moderator, sinkTimeout time.Duration) (*Engine, error) {
	if mode == PersistQueued && outbox == nil {
		return nil, fmt.Errorf("queued persistence requires an outbox")
	}
	return &Engine{
		log:         log,
		presence:    presence,
		repo:        repo,
		bus:         b,
		outbox:      outbox,
		moderator:   moderator,
		validate:    validator.New(),
		mode:        mode,
		sinkTimeout: sinkTimeout,
	}, nil
}

// Start subscribes the engine to the well-known topic. Call once.
func (e *Engine) Start() error {
	return e.bus.Subscribe(bus.Topic, e.handleBusEvent)
}

func (e *Engine) Register(identity string, sink contract.ConnectionSink) {
	e.presence.Register(identity, sink)
	e.log.Debug("identity registered", "identity", identity, "connection", sink.ID())
}

func (e *Engine) Disconnect(identity string, sink contract.ConnectionSink) {
	e.presence.Unregister(identity, sink)
	e.log.Debug("identity disconnected", "identity", identity, "connection", sink.ID())
}

// Send validates and routes one message. The returned message carries the
// assigned id; in queued mode the id is leased from the store sequence
// before the row write lands, so acknowledgment and publish never wait for
// the store.
func (e *Engine) Send(ctx context.Context, cmd domain.SendCommand) (domain.Message, error) {
	if err := e.validate.Struct(cmd); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", apperrors.ErrConstraintViolation, err)
	}

	text := cmd.Text
	if e.moderator != nil {
		censored, hit := e.moderator.Censor(text)
		if hit {
			info := whatlanggo.Detect(text)
			e.log.Warn("message text censored",
				"from", cmd.From,
				"lang", info.Lang.Iso6391())
			text = censored
		}
	}

	msg := domain.Message{
		ConversationKey: domain.DeriveKey(cmd.From, cmd.To),
		From:            cmd.From,
		To:              cmd.To,
		Text:            text,
		Status:          domain.StatusSent,
		CreatedAt:       time.Now().UTC(),
	}

	switch e.mode {
	case PersistQueued:
		id, err := e.repo.NextID()
		if err != nil {
			return domain.Message{}, err
		}
		msg.ID = id
		if err := e.outbox.Push(msg); err != nil {
			return domain.Message{}, err
		}
	default:
		persisted, err := e.repo.Insert(msg)
		if err != nil {
			// Not published: the sender is told the send failed.
			return domain.Message{}, err
		}
		msg = persisted
	}

	// The sender is already acknowledged from here on; a publish failure is
	// logged, never surfaced. The message stays retrievable via history.
	e.publish(bus.Envelope{Kind: bus.KindMessage, Message: &msg})
	e.pushTo(cmd.From, event.MessageAccepted{TempID: cmd.TempID, Message: msg})
	return msg, nil
}

// MarkDelivered applies the explicit delivery acknowledgment for one message.
func (e *Engine) MarkDelivered(ctx context.Context, messageID uint64) error {
	return e.advance(messageID, domain.StatusDelivered)
}

// MarkRead applies the explicit per-message read acknowledgment.
func (e *Engine) MarkRead(ctx context.Context, messageID uint64) error {
	return e.advance(messageID, domain.StatusRead)
}

func (e *Engine) advance(messageID uint64, target domain.Status) error {
	updated, err := e.repo.UpdateStatus(messageID, target)
	if err != nil {
		if e.mode == PersistQueued && errors.Is(err, apperrors.ErrUnknownMessage) {
			// The id may belong to a send still waiting in the outbox: the
			// recipient saw the push before the row landed. Queue the
			// transition behind the insert; the drain publishes the status
			// event once it applies.
			return e.outbox.PushStatus(messageID, target)
		}
		return err
	}
	if updated == nil {
		// Already at or past target: silently absorbed.
		return nil
	}
	e.publish(bus.Envelope{
		Kind:      bus.KindStatus,
		MessageID: updated.ID,
		Status:    target,
		Sender:    updated.From,
	})
	return nil
}

// OpenConversation is the implicit read acknowledgment: opening a
// conversation marks everything the counterparty sent as read. The bulk
// notification is published immediately; the store update runs in the
// background and its failure is logged, not surfaced (notify-then-persist).
func (e *Engine) OpenConversation(ctx context.Context, opener, counterparty string) error {
	e.publish(bus.Envelope{
		Kind:         bus.KindConversationRead,
		Opener:       opener,
		Counterparty: counterparty,
	})
	go func() {
		ids, err := e.repo.UpdateStatusForConversation(counterparty, opener, domain.StatusRead)
		if err != nil {
			e.log.Error("bulk read update failed",
				"opener", opener,
				"counterparty", counterparty,
				"error", err)
			return
		}
		e.log.Debug("conversation marked read",
			"opener", opener,
			"counterparty", counterparty,
			"updated", len(ids))
	}()
	return nil
}

func (e *Engine) History(a, b string, cursor *string) ([]domain.Message, *string, error) {
	return e.repo.GetConversation(a, b, cursor)
}

func (e *Engine) Conversations(identity string) ([]domain.ConversationSummary, error) {
	return e.repo.ListConversations(identity)
}

// handleBusEvent runs on every instance for every published envelope and
// resolves it against the local registry. A lookup miss is the expected
// common case, not an error: the party is connected elsewhere or offline.
func (e *Engine) handleBusEvent(payload []byte) {
	env, err := bus.Decode(payload)
	if err != nil {
		e.log.Error("dropping undecodable bus payload", "error", err)
		return
	}
	switch env.Kind {
	case bus.KindMessage:
		if env.Message == nil {
			e.log.Error("message envelope without message")
			return
		}
		e.pushTo(env.Message.To, event.NewMessage{Message: *env.Message})
	case bus.KindStatus:
		e.pushTo(env.Sender, event.StatusChanged{MessageID: env.MessageID, Status: env.Status})
	case bus.KindConversationRead:
		e.pushTo(env.Counterparty, event.ConversationRead{
			Opener:       env.Opener,
			Counterparty: env.Counterparty,
		})
	default:
		e.log.Warn("unknown envelope kind", "kind", env.Kind)
	}
}

// pushTo delivers an event to an identity's local connection, if any.
// Live pushes are a latency-optimized hint: failures and misses are fine,
// history retrieval is the source of truth.
func (e *Engine) pushTo(identity string, evt event.Event) {
	sink, ok := e.presence.Lookup(identity)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.sinkTimeout)
	defer cancel()
	if err := sink.Consume(ctx, evt); err != nil {
		e.log.Warn("push failed",
			"identity", identity,
			"event", evt.Name(),
			"error", err)
	}
}

func (e *Engine) publish(env bus.Envelope) {
	payload, err := bus.Encode(env)
	if err != nil {
		e.log.Error("envelope encoding failed", "kind", env.Kind, "error", err)
		return
	}
	if err := e.bus.Publish(bus.Topic, payload); err != nil {
		e.log.Error("bus publish failed", "kind", env.Kind, "error", err)
	}
}
