package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/platform-q-ai/taskrun/common/trace"
	"github.com/platform-q-ai/taskrun/internal/taskrun/agent"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"hostname":"sandbox"}`))
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	if err := c.Health(context.Background(), srv.URL); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestHealth_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	if err := c.Health(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var opts agent.SessionOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if opts.Title != "task task-1" {
			t.Errorf("unexpected title %q", opts.Title)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "ses_abc"})
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	id, err := c.CreateSession(context.Background(), srv.URL, agent.SessionOptions{Title: "task task-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "ses_abc" {
		t.Errorf("expected ses_abc, got %q", id)
	}
}

func TestCreateSession_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	if _, err := c.CreateSession(context.Background(), srv.URL, agent.SessionOptions{}); err == nil {
		t.Fatal("expected error when runtime returns no session id")
	}
}

func TestSendPromptAsync(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses_1/prompt_async" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	err := c.SendPromptAsync(context.Background(), srv.URL, "ses_1",
		agent.TextPrompt("fix the flaky test"), agent.PromptOptions{})
	if err != nil {
		t.Fatalf("SendPromptAsync: %v", err)
	}
	if !strings.Contains(gotBody, "fix the flaky test") {
		t.Errorf("prompt text missing from body: %s", gotBody)
	}
}

func TestReplyPermission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses_1/permissions/perm_7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["response"] != agent.DecisionAlways {
			t.Errorf("expected always, got %q", body["response"])
		}
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	err := c.ReplyPermission(context.Background(), srv.URL, "ses_1", "perm_7", agent.DecisionAlways)
	if err != nil {
		t.Fatalf("ReplyPermission: %v", err)
	}
}

func TestAbortSession(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/ses_1/abort" && r.Method == http.MethodPost {
			called = true
		}
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	if err := c.AbortSession(context.Background(), srv.URL, "ses_1"); err != nil {
		t.Fatalf("AbortSession: %v", err)
	}
	if !called {
		t.Error("abort endpoint not called")
	}
}

func TestErrorBodyIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"session is busy"}`))
	}))
	defer srv.Close()

	c := agent.NewHTTPClient()
	err := c.AbortSession(context.Background(), srv.URL, "ses_1")
	if err == nil || !strings.Contains(err.Error(), "session is busy") {
		t.Fatalf("expected error containing runtime message, got %v", err)
	}
}

func TestTraceHeaderPropagation(t *testing.T) {
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-Trace-ID")
	}))
	defer srv.Close()

	ctx := trace.WithTraceID(context.Background(), "t_123")
	c := agent.NewHTTPClient()
	if err := c.Health(ctx, srv.URL); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if gotTrace != "t_123" {
		t.Errorf("expected trace header t_123, got %q", gotTrace)
	}
}
