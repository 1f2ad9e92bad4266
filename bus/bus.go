// Package bus carries relay events between process instances.
// Every instance subscribes to the single well-known topic and resolves
// delivery against its own presence registry.
package bus

import (
	"encoding/json"

	"dm-relay/domain"
)

// Topic is the well-known subject shared by all instances.
const Topic = "dmrelay.events"

const (
	KindMessage          = "message"
	KindStatus           = "status"
	KindConversationRead = "conversation_read"
)

// Envelope is the JSON payload published on Topic.
// Kind selects which fields are populated: KindMessage carries Message,
// KindStatus carries MessageID/Status/Sender (the original sender, who is
// the one to notify), KindConversationRead carries Opener/Counterparty.
type Envelope struct {
	Kind         string          `json:"kind"`
	Message      *domain.Message `json:"message,omitempty"`
	MessageID    uint64          `json:"messageId,omitempty"`
	Status       domain.Status   `json:"status,omitempty"`
	Sender       string          `json:"sender,omitempty"`
	Opener       string          `json:"opener,omitempty"`
	Counterparty string          `json:"counterparty,omitempty"`
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}
