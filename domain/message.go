// Package domain contains core concepts of the relay.
// Messages are immutable for content and only advance through the
// delivery-status machine.
package domain

import "time"

// Status is the delivery state of a message.
// It only moves forward: sent -> delivered -> read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Advances reports whether moving from s to target is a forward transition.
// A request targeting a state the message already reached (or passed) is
// absorbed as a no-op, never an error.
func (s Status) Advances(target Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[target]
	if !ok {
		return false
	}
	return to > from
}

// Message is a single text message between two identities.
// ID and CreatedAt are assigned by the store on insert, never by the caller.
// The JSON shape is the wire payload crossing every boundary.
type Message struct {
	ID              uint64    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Text            string    `json:"text"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ConversationSummary is one row of a per-identity conversation listing.
type ConversationSummary struct {
	Peer            string    `json:"peer"`
	ConversationKey string    `json:"conversationKey"`
	LastMessageID   uint64    `json:"lastMessageId"`
	LastActivity    time.Time `json:"lastActivity"`
}
