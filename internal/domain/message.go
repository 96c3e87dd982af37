package domain

// Role tags who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single transcript entry.
// Content is what the completion service sees; Display is what the chat view renders
// and is only set when it differs from Content (structured user prompts).
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Display string `json:"display,omitempty"`
}

// Text returns the text shown to the person in the chat view.
func (m Message) Text() string {
	if m.Display != "" {
		return m.Display
	}
	return m.Content
}
