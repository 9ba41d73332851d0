package agentapi

import (
	"errors"
	"testing"
	"time"
)

func textMessage(role Role, runID string, created int64, parts ...string) ThreadMessage {
	m := ThreadMessage{Role: role, RunID: runID, CreatedAt: created}
	for _, p := range parts {
		m.Content = append(m.Content, MessageContent{Type: "text", Text: &MessageText{Value: p}})
	}
	return m
}

func TestLastAssistantText(t *testing.T) {
	tests := []struct {
		name    string
		msgs    []ThreadMessage
		runID   string
		want    string
		wantErr error
	}{
		{
			name: "newest assistant wins",
			msgs: []ThreadMessage{
				textMessage(RoleUser, "", 1, "q1"),
				textMessage(RoleAssistant, "run_1", 2, "a1"),
				textMessage(RoleUser, "", 3, "q2"),
				textMessage(RoleAssistant, "run_2", 4, "a2"),
			},
			want: "a2",
		},
		{
			name: "filters by run",
			msgs: []ThreadMessage{
				textMessage(RoleAssistant, "run_1", 2, "a1"),
				textMessage(RoleAssistant, "run_2", 4, "a2"),
			},
			runID: "run_1",
			want:  "a1",
		},
		{
			name: "last text part of a message",
			msgs: []ThreadMessage{
				textMessage(RoleAssistant, "run_1", 2, "first", "second"),
			},
			want: "second",
		},
		{
			name: "same timestamp keeps list order",
			msgs: []ThreadMessage{
				textMessage(RoleAssistant, "", 5, "early"),
				textMessage(RoleAssistant, "", 5, "late"),
			},
			want: "late",
		},
		{
			name: "skips non text content",
			msgs: []ThreadMessage{
				textMessage(RoleAssistant, "run_1", 2, "text"),
				{Role: RoleAssistant, RunID: "run_1", CreatedAt: 3, Content: []MessageContent{{Type: "image_file"}}},
			},
			want: "text",
		},
		{
			name:    "stale reply from another run",
			msgs:    []ThreadMessage{textMessage(RoleAssistant, "run_1", 2, "old")},
			runID:   "run_2",
			wantErr: ErrNoResponse,
		},
		{
			name:    "no assistant",
			msgs:    []ThreadMessage{textMessage(RoleUser, "", 1, "hi")},
			wantErr: ErrNoResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LastAssistantText(tt.msgs, tt.runID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunStatusClassification(t *testing.T) {
	pending := []RunStatus{RunQueued, RunInProgress, RunRequiresAction, RunCancelling}
	terminal := []RunStatus{RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete}
	for _, s := range pending {
		if !s.IsPending() || s.IsTerminal() {
			t.Errorf("%s should be pending", s)
		}
	}
	for _, s := range terminal {
		if s.IsPending() || !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestRunErr(t *testing.T) {
	if err := (&Run{Status: RunCompleted}).Err(); err != nil {
		t.Fatalf("completed run returned %v", err)
	}
	err := (&Run{ID: "run_1", Status: RunExpired}).Err()
	if err == nil || err.Error() != "Run failed: run expired" {
		t.Fatalf("unexpected expired error: %v", err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.RunID != "run_1" {
		t.Fatalf("expected *RunError, got %T", err)
	}
}

func TestPollPolicyDelay(t *testing.T) {
	fixed := PollPolicy{Interval: time.Second}
	for attempt := 0; attempt < 4; attempt++ {
		if d := fixed.Delay(attempt); d != time.Second {
			t.Fatalf("fixed attempt %d = %s", attempt, d)
		}
	}
	growing := PollPolicy{Interval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if d := growing.Delay(attempt); d != w {
			t.Fatalf("attempt %d = %s, want %s", attempt, d, w)
		}
	}
}
