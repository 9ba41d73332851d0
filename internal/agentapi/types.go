package agentapi

import (
	"errors"
	"fmt"
	"strings"
)

// RunStatus is the lifecycle state the service reports for a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// IsPending reports whether the service may still move the run on.
func (s RunStatus) IsPending() bool {
	switch s {
	case RunQueued, RunInProgress, RunRequiresAction, RunCancelling:
		return true
	}
	return false
}

// IsTerminal reports whether the run has reached a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

type Thread struct {
	ID        string            `json:"id"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type MessageText struct {
	Value string `json:"value"`
}

type MessageContent struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text,omitempty"`
}

type ThreadMessage struct {
	ID        string           `json:"id"`
	ThreadID  string           `json:"thread_id"`
	Role      Role             `json:"role"`
	RunID     string           `json:"run_id,omitempty"`
	AgentID   string           `json:"assistant_id,omitempty"`
	CreatedAt int64            `json:"created_at"`
	Content   []MessageContent `json:"content"`
}

// Text returns the last non-empty text part of the message.
func (m ThreadMessage) Text() string {
	for i := len(m.Content) - 1; i >= 0; i-- {
		part := m.Content[i]
		if part.Type == "text" && part.Text != nil && strings.TrimSpace(part.Text.Value) != "" {
			return part.Text.Value
		}
	}
	return ""
}

type RunLastError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RunLastError) String() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Code
	}
}

type Run struct {
	ID          string        `json:"id"`
	ThreadID    string        `json:"thread_id"`
	AgentID     string        `json:"assistant_id"`
	Status      RunStatus     `json:"status"`
	LastError   *RunLastError `json:"last_error,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	CompletedAt *int64        `json:"completed_at,omitempty"`
}

// Err converts a run that ended without producing a reply into a *RunError.
func (r *Run) Err() error {
	if r == nil {
		return nil
	}
	switch r.Status {
	case RunFailed, RunCancelled, RunExpired:
		return &RunError{RunID: r.ID, Status: r.Status, LastError: r.LastError}
	}
	return nil
}

var (
	// ErrRunFailed matches every *RunError.
	ErrRunFailed = errors.New("run failed")
	// ErrNoResponse is returned when a thread holds no assistant text for the run.
	ErrNoResponse = errors.New("no response from the model")
)

type RunError struct {
	RunID     string
	Status    RunStatus
	LastError *RunLastError
}

func (e *RunError) Error() string {
	if detail := e.LastError.String(); detail != "" {
		return "Run failed: " + detail
	}
	return fmt.Sprintf("Run failed: run %s", e.Status)
}

func (e *RunError) Unwrap() error { return ErrRunFailed }

// APIError is a non-2xx response from the agent service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent service: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent service: %d %s", e.StatusCode, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type listPage[T any] struct {
	Data    []T    `json:"data"`
	FirstID string `json:"first_id"`
	LastID  string `json:"last_id"`
	HasMore bool   `json:"has_more"`
}

// LastAssistantText returns the text of the newest assistant message.
// When runID is set only messages produced by that run are considered.
func LastAssistantText(messages []ThreadMessage, runID string) (string, error) {
	var (
		best   string
		found  bool
		newest int64
	)
	for _, m := range messages {
		if m.Role != RoleAssistant {
			continue
		}
		if runID != "" && m.RunID != "" && m.RunID != runID {
			continue
		}
		text := m.Text()
		if text == "" {
			continue
		}
		if !found || m.CreatedAt >= newest {
			best, newest, found = text, m.CreatedAt, true
		}
	}
	if !found {
		return "", ErrNoResponse
	}
	return best, nil
}
