// Package event defines the pushes the relay emits towards a single
// connection. Each event targets exactly one identity's sink; fan-out
// across instances happens on the bus, not here.
package event

import "dm-relay/domain"

type Event interface {
	Name() string
}

// MessageAccepted acknowledges a send to its originator.
// TempID carries the client correlation token from the command.
type MessageAccepted struct {
	TempID  string
	Message domain.Message
}

func (MessageAccepted) Name() string { return "message_sent" }

// NewMessage is pushed to a recipient whose connection is held locally.
type NewMessage struct {
	Message domain.Message
}

func (NewMessage) Name() string { return "new_message" }

// StatusChanged is pushed to the original sender of a message when the
// counterparty acknowledged delivery or view.
type StatusChanged struct {
	MessageID uint64
	Status    domain.Status
}

func (StatusChanged) Name() string { return "status_update" }

// ConversationRead is the bulk equivalent of StatusChanged: every message
// from Counterparty to Opener is now read.
type ConversationRead struct {
	Opener       string
	Counterparty string
}

func (ConversationRead) Name() string { return "conversation_read" }
