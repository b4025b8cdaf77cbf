package agent_test

import (
	"testing"

	"github.com/platform-q-ai/taskrun/internal/taskrun/agent"
)

func TestSessionStatus(t *testing.T) {
	evt := agent.Event{
		Type:  agent.EventSessionStatus,
		Props: map[string]any{"status": map[string]any{"type": "busy"}},
	}
	status, ok := evt.SessionStatus()
	if !ok || status != agent.SessionBusy {
		t.Fatalf("expected (busy, true), got (%q, %v)", status, ok)
	}
}

func TestSessionStatus_WrongType(t *testing.T) {
	evt := agent.Event{
		Type:  agent.EventMessagePartUpdated,
		Props: map[string]any{"status": map[string]any{"type": "busy"}},
	}
	if _, ok := evt.SessionStatus(); ok {
		t.Fatal("non-status event must not report a session status")
	}
}

func TestSessionStatus_MalformedProps(t *testing.T) {
	cases := []map[string]any{
		nil,
		{},
		{"status": "busy"},
		{"status": map[string]any{}},
		{"status": map[string]any{"type": 42}},
	}
	for _, props := range cases {
		evt := agent.Event{Type: agent.EventSessionStatus, Props: props}
		if _, ok := evt.SessionStatus(); ok {
			t.Errorf("expected no status for props %#v", props)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		name  string
		props map[string]any
		want  string
	}{
		{"string", map[string]any{"error": "Model rate limit exceeded"}, "Model rate limit exceeded"},
		{"object message", map[string]any{"error": map[string]any{"message": "boom"}}, "boom"},
		{"nested data message", map[string]any{"error": map[string]any{"data": map[string]any{"message": "deep boom"}}}, "deep boom"},
		{"name only", map[string]any{"error": map[string]any{"name": "ProviderAuthError"}}, "ProviderAuthError"},
		{"missing", map[string]any{}, "unknown session error"},
	}
	for _, tc := range cases {
		evt := agent.Event{Type: agent.EventSessionError, Props: tc.props}
		if got := evt.ErrorMessage(); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPermissionAndSessionIDs(t *testing.T) {
	evt := agent.Event{
		Type: agent.EventPermissionAsked,
		Props: map[string]any{
			"id":        "perm_1",
			"sessionID": "ses_1",
		},
	}
	if got := evt.PermissionID(); got != "perm_1" {
		t.Errorf("PermissionID = %q", got)
	}
	if got := evt.SessionID(); got != "ses_1" {
		t.Errorf("SessionID = %q", got)
	}

	empty := agent.Event{Type: agent.EventPermissionAsked}
	if empty.PermissionID() != "" || empty.SessionID() != "" {
		t.Error("missing props should yield empty ids")
	}
}
