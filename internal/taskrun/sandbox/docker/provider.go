// Package docker provides a Docker Engine sandbox provider for task runners.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/platform-q-ai/taskrun/internal/taskrun/sandbox"
)

const (
	labelManagedBy = "taskrun.managed-by"
	labelTaskID    = "taskrun.task-id"
	managedByValue = "taskrun"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// Provider implements sandbox.Provider using the Docker Engine API.
type Provider struct {
	client  *dockerclient.Client
	network string
}

// New creates a Docker sandbox provider.
// Uses the DOCKER_HOST env var or the default socket path.
func New() (*Provider, error) {
	return NewWithNetwork(sandbox.DefaultNetwork)
}

// NewWithNetwork creates a provider using a specific Docker network name.
func NewWithNetwork(networkName string) (*Provider, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Provider{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the taskrun Docker network if it doesn't exist.
func (p *Provider) EnsureNetwork(ctx context.Context) error {
	nets, err := p.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", p.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == p.network {
			return nil // already exists
		}
	}
	_, err = p.client.NetworkCreate(ctx, p.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", p.network, err)
	}
	return nil
}

// Start creates and starts a sandbox container from the given spec.
func (p *Provider) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	if spec.Image == "" {
		return sandbox.Handle{}, fmt.Errorf("spec.Image is required")
	}

	controlPort := spec.ControlPort
	if controlPort == 0 {
		controlPort = sandbox.DefaultControlPort
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = p.network
	}

	containerName := sandbox.ContainerNameFor(spec.TaskID)

	env := []string{
		fmt.Sprintf("TASK_ID=%s", spec.TaskID),
		fmt.Sprintf("AGENT_PORT=%d", controlPort),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelTaskID:    spec.TaskID,
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}

	// Sandboxes are single-use; a crashed agent runtime is a failed task,
	// not something Docker should resurrect.
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return sandbox.Handle{}, fmt.Errorf("start container: %w", err)
	}

	// Inspect to get the assigned network IP for the control URL
	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("inspect container: %w", err)
	}

	return sandbox.Handle{
		TaskID:        spec.TaskID,
		ContainerID:   resp.ID,
		ContainerName: containerName,
		ControlURL:    controlURLFromInspect(inspect, networkName, controlPort),
	}, nil
}

// Stop gracefully stops the sandbox container. Stopping a container that is
// already gone is success, so terminal paths can always call Stop.
func (p *Provider) Stop(ctx context.Context, handle sandbox.Handle) error {
	timeout := int(stopTimeout.Seconds())
	err := p.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// List returns handles for all taskrun-managed sandbox containers.
func (p *Provider) List(ctx context.Context) ([]sandbox.Handle, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]sandbox.Handle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, sandbox.Handle{
			TaskID:        c.Labels[labelTaskID],
			ContainerID:   c.ID,
			ContainerName: name,
		})
	}
	return handles, nil
}

// Remove stops and removes the container entirely.
func (p *Provider) Remove(ctx context.Context, handle sandbox.Handle) error {
	_ = p.Stop(ctx, handle) // best-effort graceful stop first
	if err := p.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

func controlURLFromInspect(inspect types.ContainerJSON, networkName string, port int) string {
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", ep.IPAddress, port)
		}
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
