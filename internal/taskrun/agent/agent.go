// Package agent provides the client for the coding-agent runtime that runs
// inside a task sandbox.
//
// The runtime exposes a small HTTP server on the sandbox control port plus a
// long-lived SSE stream of session events. The runner uses this client to
// check health, open a session, submit the task instruction, answer
// permission prompts, and abort the session on cancellation.
package agent

import (
	"context"
	"io"
)

// Decision values accepted by ReplyPermission.
const (
	DecisionAlways = "always"
	DecisionOnce   = "once"
	DecisionReject = "reject"
)

// Part is one element of a prompt. Only text parts are produced by the
// runner; the type tag keeps the wire format open for attachments.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextPrompt wraps an instruction string as a single-part prompt.
func TextPrompt(text string) []Part {
	return []Part{{Type: "text", Text: text}}
}

// SessionOptions configures CreateSession.
type SessionOptions struct {
	// Title labels the session in the runtime's own bookkeeping.
	Title string `json:"title,omitempty"`
}

// PromptOptions configures SendPromptAsync.
type PromptOptions struct {
	// Model overrides the runtime's default model when non-empty.
	Model string `json:"model,omitempty"`
}

// Sink receives asynchronous notifications from a subscribed event stream.
// Both methods are called from the stream's reader goroutine and must not
// block for long.
type Sink interface {
	// OnEvent delivers one decoded runtime event.
	OnEvent(evt Event)
	// OnStreamError reports that the stream has failed or ended. No further
	// calls are made after it.
	OnStreamError(err error)
}

// Client is the narrow contract the runner needs from an agent runtime.
// All methods take the sandbox control URL so one client serves every task.
type Client interface {
	// Health reports whether the runtime is up and accepting requests.
	Health(ctx context.Context, baseURL string) error

	// CreateSession opens a new session and returns its id.
	CreateSession(ctx context.Context, baseURL string, opts SessionOptions) (string, error)

	// SubscribeEvents establishes the long-lived event stream. Events and
	// transport errors are delivered to sink asynchronously until the stream
	// ends or the returned listener is closed.
	SubscribeEvents(ctx context.Context, baseURL string, sink Sink) (io.Closer, error)

	// SendPromptAsync submits a prompt without waiting for the turn to finish;
	// progress arrives on the event stream.
	SendPromptAsync(ctx context.Context, baseURL, sessionID string, parts []Part, opts PromptOptions) error

	// ReplyPermission answers a permission.asked event.
	ReplyPermission(ctx context.Context, baseURL, sessionID, permissionID, decision string) error

	// AbortSession stops the session's current work.
	AbortSession(ctx context.Context, baseURL, sessionID string) error
}
