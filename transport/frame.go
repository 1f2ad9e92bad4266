package transport

import (
	"dm-relay/domain"
	"dm-relay/domain/event"
)

// Frame is the JSON shape of every inbound and outbound WebSocket message.
// Type selects which fields matter; unused fields are omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// Inbound fields.
	Identity string  `json:"identity,omitempty"` // register
	To       string  `json:"to,omitempty"`       // send
	Text     string  `json:"text,omitempty"`     // send
	TempID   string  `json:"tempId,omitempty"`   // send, echoed in message_sent
	From     string  `json:"from,omitempty"`     // read (bulk acknowledgment)
	With     string  `json:"with,omitempty"`     // open, history, conversations peer
	Cursor   *string `json:"cursor,omitempty"`   // history

	// Outbound fields.
	MessageID     uint64                       `json:"messageId,omitempty"`
	Status        domain.Status                `json:"status,omitempty"`
	Message       *domain.Message              `json:"message,omitempty"`
	Messages      []domain.Message             `json:"messages,omitempty"`
	Conversations []domain.ConversationSummary `json:"conversations,omitempty"`
	Opener        string                       `json:"opener,omitempty"`
	Reason        string                       `json:"reason,omitempty"`
}

const (
	frameRegister      = "register"
	frameSend          = "send"
	frameDelivered     = "delivered"
	frameRead          = "read"
	frameOpen          = "open"
	frameHistory       = "history"
	frameConversations = "conversations"
	frameError         = "error"
	frameRegistered    = "registered"
)

// eventFrame maps an engine push onto its outbound frame.
func eventFrame(e event.Event) Frame {
	switch evt := e.(type) {
	case event.MessageAccepted:
		msg := evt.Message
		return Frame{Type: evt.Name(), TempID: evt.TempID, Message: &msg}
	case event.NewMessage:
		msg := evt.Message
		return Frame{Type: evt.Name(), Message: &msg}
	case event.StatusChanged:
		return Frame{Type: evt.Name(), MessageID: evt.MessageID, Status: evt.Status}
	case event.ConversationRead:
		return Frame{Type: evt.Name(), Opener: evt.Opener, From: evt.Counterparty}
	default:
		return Frame{Type: frameError, Reason: "unmapped event " + e.Name()}
	}
}

func errorFrame(reason string) Frame {
	return Frame{Type: frameError, Reason: reason}
}
