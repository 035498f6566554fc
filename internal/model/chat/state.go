package chat

// State is the connection lifecycle of a conversation.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// EventType tags a message log event.
type EventType string

const (
	EventEntry EventType = "entry"
	EventState EventType = "state"
	EventReset EventType = "reset"
)

// Event is pushed to message log subscribers.
type Event struct {
	Type  EventType `json:"type"`
	Entry *Entry    `json:"entry,omitempty"`
	State State     `json:"state,omitempty"`
}

// Snapshot is a point-in-time copy of a widget's conversation.
type Snapshot struct {
	ID             string  `json:"id"`
	VariantID      string  `json:"variantId"`
	State          State   `json:"state"`
	ConversationID string  `json:"conversationId,omitempty"`
	Watermark      string  `json:"watermark,omitempty"`
	Entries        []Entry `json:"entries"`
}
