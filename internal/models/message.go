package models

import "time"

// Role tags a transcript entry the same way the remote thread does.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	AuthorUser  = "user"
	AuthorAgent = "agent"
	AuthorError = "Error"
)

// Message is one entry of the local transcript mirror.
type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	RunID     string    `json:"run_id,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsError reports whether the message is a rendered failure rather than a reply.
func (m *Message) IsError() bool {
	return m != nil && m.Author == AuthorError
}
