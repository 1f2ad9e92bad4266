package domain

// SendCommand is the intent of one identity to send text to another.
// TempID is a client-chosen correlation token echoed back in the
// acknowledgment; the relay never interprets it.
type SendCommand struct {
	From   string `json:"from" validate:"required,excludesall=0x3A"`
	To     string `json:"to" validate:"required,excludesall=0x3A,nefield=From"`
	Text   string `json:"text" validate:"required"`
	TempID string `json:"tempId"`
}
