package directline

import "time"

// TokenRequest is the optional body accepted by tokens/generate.
type TokenRequest struct {
	User *ChannelAccount `json:"user,omitempty"`
}

// TokenResponse is returned by tokens/generate, tokens/refresh and POST /conversations.
type TokenResponse struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
}

// Session is the conversation identity, bearer token and watermark for one
// chat lifetime.
type Session struct {
	ConversationID string    `json:"conversationId"`
	Token          string    `json:"-"`
	Watermark      string    `json:"watermark"`
	ExpiresAt      time.Time `json:"expiresAt,omitzero"`
	StreamURL      string    `json:"-"`
}

// Valid reports whether the session carries enough to talk to the transport.
func (s Session) Valid() bool {
	return s.ConversationID != "" && s.Token != ""
}

// IssuedToken is what the backend token endpoint hands to chat surfaces.
type IssuedToken struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId"`
	ExpiresIn      int    `json:"expiresIn,omitempty"`
}
