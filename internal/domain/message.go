package domain

import "time"

// Role is the visitor-facing transcript role of a message.
type Role string

const (
	// RoleVisitor marks turns typed by the website visitor.
	RoleVisitor Role = "user"
	// RoleOperator marks turns presented under the persona, whether they were
	// generated automatically or written by a human operator.
	RoleOperator Role = "assistant"
	RoleSystem   Role = "system"
)

// Message is a single persisted conversation turn.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
	Displayed      bool
}

// Less reports whether m sorts before o within a conversation.
func (m Message) Less(o Message) bool {
	if m.Timestamp.Equal(o.Timestamp) {
		return m.ID < o.ID
	}
	return m.Timestamp.Before(o.Timestamp)
}

// ChatMessage is the provider-agnostic chat message shape sent to the
// automated responder.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Notification is the push payload emitted when a message is persisted.
type Notification struct {
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	ID             string `json:"id"`
}

// NotificationFor builds the push payload for a persisted message.
func NotificationFor(m Message) Notification {
	return Notification{
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		ID:             m.ID,
	}
}
