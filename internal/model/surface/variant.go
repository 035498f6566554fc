package surface

// Variant parameterizes the single chat surface. Each former widget
// implementation is now one Variant.
type Variant struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	UserName      string `json:"userName"`
	UserIDPrefix  string `json:"userIdPrefix"`
	Greeting      string `json:"greeting,omitempty"`
	Placeholder   string `json:"placeholder,omitempty"`
	Footer        string `json:"footer,omitempty"`
	ConnectNotice bool   `json:"connectNotice"`
}

// DefaultVariantID is used when a client does not pick a variant.
const DefaultVariantID = "simple"

// Seed provides the built-in surface variants.
func Seed() []Variant {
	return []Variant{
		{
			ID:           "simple",
			Title:        "Ask IT Hardware",
			UserName:     "User",
			UserIDPrefix: "user",
			Greeting:     "Ask IT Hardware Bot is ready to help!",
			Placeholder:  "Ask a question or describe what you need",
			Footer:       "Make sure AI-generated content is accurate and appropriate before using.",
		},
		{
			ID:            "agent",
			Title:         "Chat Agent",
			UserName:      "User",
			UserIDPrefix:  "user",
			Placeholder:   "Type your message...",
			ConnectNotice: true,
		},
		{
			ID:           "webchat",
			Title:        "IT Hardware Support",
			UserName:     "User",
			UserIDPrefix: "user",
			Greeting:     "Online - Ready to help",
			Footer:       "Powered by Microsoft Bot Framework",
		},
		{
			ID:           "copilot",
			Title:        "Copilot",
			UserName:     "React User",
			UserIDPrefix: "copilot",
		},
	}
}
