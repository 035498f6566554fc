package directline

import "time"

// ActivityTypeMessage is the only activity type projected into the message log.
const ActivityTypeMessage = "message"

// ChannelAccount identifies a participant of a conversation.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Activity is one unit exchanged with the bot transport. Activities are never
// mutated after they are created.
type Activity struct {
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"type"`
	From         ChannelAccount `json:"from"`
	Text         string         `json:"text,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitzero"`
	ReplyToID    string         `json:"replyToId,omitempty"`
	Conversation *Conversation  `json:"conversation,omitempty"`
}

// IsMessage reports whether the activity carries user-visible text.
func (a Activity) IsMessage() bool {
	return a.Type == ActivityTypeMessage && a.Text != ""
}

// Conversation is the conversation reference embedded in activities.
type Conversation struct {
	ID string `json:"id"`
}

// ActivitySet is the body returned by GET /conversations/{id}/activities.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

// ResourceResponse acknowledges a posted activity.
type ResourceResponse struct {
	ID string `json:"id"`
}
