package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dm-relay/bus"
	"dm-relay/contract"
	"dm-relay/domain"
	apperrors "dm-relay/errors"
	"dm-relay/queue"
)

// OutboxDrain is the single drain loop of the queued-persistence strategy.
// It blocks on the outbox and applies each entry to the message store in
// FIFO order: inserts land message rows, status entries advance a message
// whose row was queued ahead of them. A transient store outage keeps the
// entry queued and retries after retryInterval; an entry that can never
// apply is logged and dropped.
type OutboxDrain struct {
	outbox        *queue.Outbox
	repo          contract.MessageRepository
	bus           contract.Bus
	log           *slog.Logger
	retryInterval time.Duration
}

func NewOutboxDrain(outbox *queue.Outbox, repo contract.MessageRepository,
	b contract.Bus, log *slog.Logger, retryInterval time.Duration) *OutboxDrain {
	return &OutboxDrain{outbox: outbox, repo: repo, bus: b, log: log, retryInterval: retryInterval}
}

func (w *OutboxDrain) Run(ctx context.Context) error {
	for {
		entry, err := w.outbox.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.log.Debug("Stopping worker")
				return nil
			}
			return err
		}

		if err := w.apply(entry); err != nil {
			if errors.Is(err, apperrors.ErrConstraintViolation) ||
				errors.Is(err, apperrors.ErrUnknownMessage) {
				w.log.Error("dropping invalid outbox entry",
					"op", string(entry.Op),
					"error", err)
			} else {
				w.log.Warn("store write failed, retrying",
					"op", string(entry.Op),
					"error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.retryInterval):
				}
				continue
			}
		}

		if err := w.outbox.Ack(entry); err != nil {
			return err
		}
	}
}

func (w *OutboxDrain) apply(entry *queue.Entry) error {
	switch entry.Op {
	case queue.OpStatus:
		updated, err := w.repo.UpdateStatus(entry.MessageID, entry.Status)
		if err != nil {
			return err
		}
		if updated != nil {
			// The transition was deferred until the row landed, so the
			// sender's notification goes out from here.
			w.notify(*updated, entry.Status)
		}
		return nil
	default:
		_, err := w.repo.Insert(entry.Message)
		return err
	}
}

func (w *OutboxDrain) notify(msg domain.Message, target domain.Status) {
	payload, err := bus.Encode(bus.Envelope{
		Kind:      bus.KindStatus,
		MessageID: msg.ID,
		Status:    target,
		Sender:    msg.From,
	})
	if err != nil {
		w.log.Error("envelope encoding failed", "id", msg.ID, "error", err)
		return
	}
	if err := w.bus.Publish(bus.Topic, payload); err != nil {
		w.log.Error("bus publish failed", "id", msg.ID, "error", err)
	}
}
