package chat

import "time"

// Sender identifies who produced a log entry.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
)

// Entry is the UI-level projection of an activity or a locally-originated notice.
type Entry struct {
	ID         string    `json:"id"`
	Sender     Sender    `json:"sender"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	ActivityID string    `json:"activityId,omitempty"`
}
