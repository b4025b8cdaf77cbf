// Package runner implements the per-task state machine that provisions an
// ephemeral sandbox, drives a remote coding-agent session to completion, and
// guarantees the sandbox is released exactly once however the task ends.
//
// Each task owns one Runner on one goroutine with a private mailbox. Agent
// events, stream errors, and cancellation requests all arrive as mailbox
// messages and are handled strictly in arrival order, so a terminal event
// already queued ahead of a cancel request determines the final outcome.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/platform-q-ai/taskrun/common/retry"
	"github.com/platform-q-ai/taskrun/common/trace"
	"github.com/platform-q-ai/taskrun/internal/taskrun/agent"
	"github.com/platform-q-ai/taskrun/internal/taskrun/bus"
	"github.com/platform-q-ai/taskrun/internal/taskrun/observability"
	"github.com/platform-q-ai/taskrun/internal/taskrun/sandbox"
	"github.com/platform-q-ai/taskrun/internal/taskrun/store"
)

const (
	// mailboxSize bounds queued messages per runner. The agent stream is the
	// only high-volume producer and its reader blocks when the box is full,
	// which applies backpressure instead of dropping events.
	mailboxSize = 64

	// cleanupTimeout bounds abort/stop calls made while tearing down.
	cleanupTimeout = 30 * time.Second
)

// TaskStore is the slice of the task store a runner needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status store.Status, attrs store.StatusAttrs) error
}

// Publisher is the slice of the event bus a runner needs.
type Publisher interface {
	Publish(topic string, msg bus.Message)
}

// Collaborators groups the injected dependencies of a runner. All four are
// leaves: none of them call back into the runner.
type Collaborators struct {
	Provider sandbox.Provider
	Agent    agent.Client
	Store    TaskStore
	Bus      Publisher
}

// Options tunes runner behaviour shared across tasks.
type Options struct {
	// SandboxImage is the container image running the agent runtime.
	SandboxImage string
	// SandboxNetwork overrides the provider's default network when non-empty.
	SandboxNetwork string
	// ControlPort is the agent runtime port inside the sandbox.
	ControlPort int
	// HealthRetry bounds the pre-running health-check loop. The zero value
	// gets a default of 30 attempts starting at 1s, capped at 5s.
	HealthRetry retry.Config
	// Permission decides replies to permission.asked events.
	// Defaults to ApproveAll.
	Permission PermissionPolicy
}

// defaultHealthRetry gives a freshly provisioned sandbox about two minutes to
// come up before the task fails.
var defaultHealthRetry = retry.Config{
	MaxAttempts:  30,
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Second,
}

// mailbox message kinds.
type message interface{ isRunnerMessage() }

type agentEvent struct{ evt agent.Event }
type streamError struct{ err error }
type cancelRequest struct{}

func (agentEvent) isRunnerMessage()    {}
func (streamError) isRunnerMessage()   {}
func (cancelRequest) isRunnerMessage() {}

// Runner drives a single task from pending to a terminal status. All fields
// are owned by the Run goroutine; only Cancel and the Sink callbacks are safe
// to call from elsewhere.
type Runner struct {
	taskID string
	c      Collaborators
	opts   Options
	log    *slog.Logger

	mailbox chan message
	// quit is closed as the first teardown step so producers blocked on a
	// full mailbox unblock before the listener is waited on.
	quit chan struct{}
	done chan struct{}

	releaseOnce sync.Once
	handle      sandbox.Handle
	hasHandle   bool
	sessionID   string
	listener    interface{ Close() error }
	seenBusy    bool
}

// New creates a runner for the given task. Run must be called exactly once.
func New(taskID string, c Collaborators, opts Options) *Runner {
	if opts.HealthRetry.MaxAttempts == 0 {
		opts.HealthRetry = defaultHealthRetry
	}
	if opts.Permission == nil {
		opts.Permission = ApproveAll
	}
	return &Runner{
		taskID:  taskID,
		c:       c,
		opts:    opts,
		log:     slog.With("task_id", taskID),
		mailbox: make(chan message, mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Cancel requests cooperative cancellation. It is delivered as an ordinary
// mailbox message: a terminal event already queued ahead of it wins.
func (r *Runner) Cancel() {
	r.deliver(cancelRequest{})
}

// OnEvent implements agent.Sink.
func (r *Runner) OnEvent(evt agent.Event) {
	r.deliver(agentEvent{evt: evt})
}

// OnStreamError implements agent.Sink.
func (r *Runner) OnStreamError(err error) {
	r.deliver(streamError{err: err})
}

// deliver enqueues a message, giving up once teardown has begun. Nothing
// drains the mailbox after the loop returns, so waiting on it past that point
// would block the stream reader forever.
func (r *Runner) deliver(m message) {
	select {
	case r.mailbox <- m:
	case <-r.quit:
	}
}

// Done is closed when Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Run drives the task to a terminal status. It blocks until the task ends and
// releases the sandbox it provisioned exactly once, on every exit path
// including a panic in the state machine.
func (r *Runner) Run(ctx context.Context) {
	// Teardown order matters: quit closes first so the stream reader cannot
	// stay blocked delivering into a full mailbox while closeListener waits
	// for it to exit.
	defer close(r.done)
	defer r.releaseSandbox()
	defer r.closeListener()
	defer close(r.quit)

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	r.log = observability.WithTrace(ctx).With("task_id", r.taskID)

	task, err := r.c.Store.GetTask(ctx, r.taskID)
	if err != nil {
		// No row means no status to update; accepted fatal init error.
		r.log.Error("runner: task load failed", "err", err)
		return
	}

	if err := r.setStatus(ctx, store.StatusStarting, store.StatusAttrs{}); err != nil {
		return
	}

	if !r.provision(ctx) {
		return
	}
	if !r.bootstrap(ctx, task.Instruction) {
		return
	}
	r.loop(ctx)
}

// provision starts the sandbox and records the handle.
func (r *Runner) provision(ctx context.Context) bool {
	handle, err := r.c.Provider.Start(ctx, sandbox.Spec{
		TaskID:      r.taskID,
		Image:       r.opts.SandboxImage,
		NetworkName: r.opts.SandboxNetwork,
		ControlPort: r.opts.ControlPort,
	})
	if err != nil {
		// Nothing was provisioned, so there is nothing to release.
		r.fail(ctx, fmt.Sprintf("Container start failed: %v", err))
		return false
	}
	r.handle = handle
	r.hasHandle = true
	r.log.Info("runner: sandbox provisioned",
		"container_id", handle.ContainerID, "control_url", handle.ControlURL)
	return true
}

// bootstrap waits for the runtime to come up, opens the session, subscribes
// to events, and submits the instruction. On success the task is running.
func (r *Runner) bootstrap(ctx context.Context, instruction string) bool {
	err := retry.Do(ctx, r.opts.HealthRetry, func() error {
		return r.c.Agent.Health(ctx, r.handle.ControlURL)
	})
	if err != nil {
		r.fail(ctx, fmt.Sprintf("Agent health check failed: %v", err))
		return false
	}

	sessionID, err := r.c.Agent.CreateSession(ctx, r.handle.ControlURL,
		agent.SessionOptions{Title: "task " + r.taskID})
	if err != nil {
		r.fail(ctx, fmt.Sprintf("Session create failed: %v", err))
		return false
	}
	r.sessionID = sessionID

	listener, err := r.c.Agent.SubscribeEvents(ctx, r.handle.ControlURL, r)
	if err != nil {
		r.fail(ctx, fmt.Sprintf("Event subscribe failed: %v", err))
		return false
	}
	r.listener = listener

	if err := r.c.Agent.SendPromptAsync(ctx, r.handle.ControlURL, sessionID,
		agent.TextPrompt(instruction), agent.PromptOptions{}); err != nil {
		r.fail(ctx, fmt.Sprintf("Prompt send failed: %v", err))
		return false
	}

	if err := r.setStatus(ctx, store.StatusRunning, store.StatusAttrs{
		ContainerID: r.handle.ContainerID,
		SessionID:   sessionID,
	}); err != nil {
		return false
	}
	r.log.Info("runner: task running", "session_id", sessionID)
	return true
}

// loop processes mailbox messages until a terminal transition.
func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Daemon shutdown counts as cancellation.
			r.cancelTask(ctx)
			return
		case m := <-r.mailbox:
			switch m := m.(type) {
			case agentEvent:
				if terminal := r.handleEvent(ctx, m.evt); terminal {
					return
				}
			case streamError:
				r.fail(ctx, fmt.Sprintf("SSE connection failed: %v", m.err))
				return
			case cancelRequest:
				r.cancelTask(ctx)
				return
			}
		}
	}
}

// handleEvent classifies one agent event. Returns true on a terminal
// transition.
func (r *Runner) handleEvent(ctx context.Context, evt agent.Event) bool {
	switch evt.Type {
	case agent.EventSessionStatus:
		status, ok := evt.SessionStatus()
		if !ok {
			r.forward(evt)
			return false
		}
		switch status {
		case agent.SessionBusy:
			r.seenBusy = true
			r.forward(evt)
			return false
		case agent.SessionIdle:
			if !r.seenBusy {
				// Pre-prompt resting state, not task completion. Treating
				// this as done would finish the task before it started.
				r.forward(evt)
				return false
			}
			r.setStatus(ctx, store.StatusCompleted, store.StatusAttrs{})
			r.forward(evt)
			r.log.Info("runner: task completed")
			return true
		default:
			r.forward(evt)
			return false
		}

	case agent.EventSessionError:
		r.fail(ctx, evt.ErrorMessage())
		return true

	case agent.EventPermissionAsked:
		r.handlePermission(ctx, evt)
		return false

	default:
		// Unknown types pass through unmodified.
		r.forward(evt)
		return false
	}
}

// handlePermission answers a permission prompt without changing task status.
func (r *Runner) handlePermission(ctx context.Context, evt agent.Event) {
	decision := r.opts.Permission(evt)
	if decision == "" {
		decision = agent.DecisionAlways
	}
	err := r.c.Agent.ReplyPermission(ctx, r.handle.ControlURL, r.sessionID,
		evt.PermissionID(), decision)
	if err != nil {
		r.log.Warn("runner: permission reply failed",
			"permission_id", evt.PermissionID(), "err", err)
	}
}

// cancelTask aborts the session, releases the sandbox, and records the
// cancelled status.
func (r *Runner) cancelTask(ctx context.Context) {
	if ctx.Err() != nil {
		// The parent is gone; teardown still needs a usable context.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
	}
	if r.sessionID != "" {
		if err := r.c.Agent.AbortSession(ctx, r.handle.ControlURL, r.sessionID); err != nil {
			r.log.Warn("runner: session abort failed", "err", err)
		}
	}
	r.releaseSandbox()
	r.setStatus(ctx, store.StatusCancelled, store.StatusAttrs{})
	r.log.Info("runner: task cancelled")
}

// fail records a terminal failed status. Sandbox release is handled by the
// deferred teardown in Run.
func (r *Runner) fail(ctx context.Context, reason string) {
	r.log.Warn("runner: task failed", "reason", reason)
	r.setStatus(ctx, store.StatusFailed, store.StatusAttrs{Error: reason})
}

// setStatus persists a transition and then publishes it, so observers never
// see a status the store has not recorded. A failed write is retried once;
// if it still fails the caller terminates rather than run on unconfirmed
// state.
func (r *Runner) setStatus(ctx context.Context, status store.Status, attrs store.StatusAttrs) error {
	err := r.c.Store.UpdateTaskStatus(ctx, r.taskID, status, attrs)
	if err != nil {
		r.log.Warn("runner: status write failed, retrying", "status", status, "err", err)
		err = r.c.Store.UpdateTaskStatus(ctx, r.taskID, status, attrs)
	}
	if err != nil {
		r.log.Error("runner: status write failed, terminating", "status", status, "err", err)
		return err
	}
	r.c.Bus.Publish(bus.TaskTopic(r.taskID), bus.StatusChanged{
		TaskID: r.taskID,
		Status: string(status),
	})
	return nil
}

// forward passes an event through to subscribers unmodified.
func (r *Runner) forward(evt agent.Event) {
	r.c.Bus.Publish(bus.TaskTopic(r.taskID), bus.EventForwarded{
		TaskID: r.taskID,
		Event:  evt,
	})
}

// releaseSandbox stops and removes the sandbox at most once. It runs on every
// exit path via defer, so a crash in the state machine still frees the
// container. Sandboxes are single-use, so the container is deleted rather
// than left stopped for the startup sweep to collect.
func (r *Runner) releaseSandbox() {
	r.releaseOnce.Do(func() {
		if !r.hasHandle {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := r.c.Provider.Stop(ctx, r.handle); err != nil {
			r.log.Error("runner: sandbox stop failed",
				"container_id", r.handle.ContainerID, "err", err)
		}
		if err := r.c.Provider.Remove(ctx, r.handle); err != nil {
			r.log.Error("runner: sandbox remove failed",
				"container_id", r.handle.ContainerID, "err", err)
			return
		}
		r.log.Info("runner: sandbox released", "container_id", r.handle.ContainerID)
	})
}

func (r *Runner) closeListener() {
	if r.listener != nil {
		_ = r.listener.Close()
	}
}
