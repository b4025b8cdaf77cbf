// Package sandbox defines the Provider interface for ephemeral task sandboxes.
//
// A sandbox is a disposable, isolated execution environment created for one
// task and destroyed when the task ends. The concrete backend (Docker in this
// repo) lives in a sub-package so runners stay unit-testable with substitute
// providers.
package sandbox

import "context"

// Spec describes how a task sandbox should be created.
type Spec struct {
	// TaskID is the owning task's identifier (attached as a container label).
	TaskID string
	// Image is the container image running the agent runtime.
	Image string
	// Env holds additional environment variables to inject.
	Env map[string]string
	// NetworkName is the network to attach (provider default if empty).
	NetworkName string
	// ControlPort is the port the agent runtime listens on inside the sandbox.
	ControlPort int
}

// Handle identifies a provisioned sandbox.
type Handle struct {
	// TaskID is the owning task's identifier.
	TaskID string
	// ContainerID is the backend container ID.
	ContainerID string
	// ContainerName is the backend container name.
	ContainerName string
	// ControlURL is the base URL for agent runtime calls
	// (e.g. "http://10.0.12.5:4096").
	ControlURL string
}

// Provider provisions and releases task sandboxes.
type Provider interface {
	// Start creates and starts a sandbox for the given spec.
	Start(ctx context.Context, spec Spec) (Handle, error)

	// Stop releases the sandbox. Idempotent: stopping an already-stopped or
	// unknown sandbox is not an error.
	Stop(ctx context.Context, handle Handle) error

	// List returns handles for every sandbox this provider manages,
	// including stopped ones. Used by the startup janitor to find orphans.
	List(ctx context.Context) ([]Handle, error)

	// Remove stops and deletes the sandbox entirely.
	Remove(ctx context.Context, handle Handle) error
}

// DefaultControlPort is the port agent runtimes listen on inside a sandbox.
const DefaultControlPort = 4096

// DefaultNetwork is the network task sandboxes are attached to.
const DefaultNetwork = "taskrun"

// ContainerNameFor returns the container name for a task ID.
func ContainerNameFor(taskID string) string {
	return "taskrun-sandbox-" + taskID
}
