package models

import "time"

const DefaultSessionTitle = "New Chat"

// Session is one chat opened from the UI. ThreadID is the remote conversation
// handle; it stays empty for completion profiles and until the first thread is created.
type Session struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Profile   string    `json:"profile"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasThread reports whether a remote thread identifier has been assigned.
func (s *Session) HasThread() bool {
	return s != nil && s.ThreadID != ""
}
