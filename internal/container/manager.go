// Package container runs one WhatsApp gateway engine container per session.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	namePrefix      = "wa-gw-"
	dataMountPath   = "/app/.sessions"
	stopTimeoutSecs = 10

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// Config selects the gateway image and where its containers run.
type Config struct {
	Image   string
	Network string
	Subnet  string
	Port    int
	Runtime string // "" for the default runtime, "runsc" for gVisor
}

// Resources are the limits applied to one gateway container.
type Resources struct {
	MemoryBytes int64
	CPUQuota    int64 // microseconds per 100ms period
	PidsLimit   int64
	ShmBytes    int64
}

// Instance is a running gateway container.
type Instance struct {
	ID      string
	Name    string
	BaseURL string
}

// Manager defines gateway container lifecycle operations.
type Manager interface {
	// EnsureGateway returns a running container for the session, creating or
	// recreating it when its resources do not match.
	EnsureGateway(ctx context.Context, sessionName string, res Resources, env map[string]string) (Instance, error)

	// StopGateway stops and removes a container. Missing containers are not an error.
	StopGateway(ctx context.Context, containerID string) error

	// StopSession stops the session's container by name.
	StopSession(ctx context.Context, sessionName string) error

	// RemoveData deletes the session's engine data volume.
	RemoveData(ctx context.Context, sessionName string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// EnsureNetwork creates the gateway bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli *client.Client
	cfg Config
}

// NewDockerManager creates a Docker-backed gateway container manager.
func NewDockerManager(cfg Config) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerManager{cli: cli, cfg: cfg}, nil
}

// ContainerName returns the container name of a session.
func ContainerName(sessionName string) string {
	return namePrefix + sessionName
}

// VolumeName returns the data volume name of a session.
func VolumeName(sessionName string) string {
	return namePrefix + sessionName + "-data"
}

func (m *DockerManager) instance(id, name string) Instance {
	return Instance{ID: id, Name: name, BaseURL: fmt.Sprintf("http://%s:%d", name, m.cfg.Port)}
}

func sameResources(hc *container.HostConfig, res Resources) bool {
	if hc == nil {
		return false
	}
	return hc.Memory == res.MemoryBytes && hc.CPUQuota == res.CPUQuota
}

func isNameConflict(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "is already in use") || strings.Contains(s, "conflict")
}

// EnsureGateway ensures a gateway container is running for a session.
//
//nolint:gocyclo // Inspect, recreate and retry branches mirror the Docker lifecycle.
func (m *DockerManager) EnsureGateway(ctx context.Context, sessionName string, res Resources, env map[string]string) (Instance, error) {
	name := ContainerName(sessionName)

	inspect, err := m.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil && sameResources(inspect.HostConfig, res):
		if inspect.State != nil && inspect.State.Running {
			slog.Info("Gateway container already running", "container_id", inspect.ID, "session", sessionName)
			return m.instance(inspect.ID, name), nil
		}
		slog.Info("Restarting stopped gateway container", "container_id", inspect.ID, "session", sessionName)
		if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return Instance{}, fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		return m.instance(inspect.ID, name), nil
	case err == nil:
		slog.Info("Gateway container resources changed, recreating", "container_id", inspect.ID, "session", sessionName)
		if err := m.StopGateway(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to stop gateway container before recreation", "error", err, "container_id", inspect.ID)
		}
	case !errdefs.IsNotFound(err):
		return Instance{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:  m.cfg.Image,
		Env:    envVars,
		Labels: map[string]string{"wa-gateway.session": sessionName},
	}
	hostConfig := &container.HostConfig{
		Runtime: m.cfg.Runtime,
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: VolumeName(sessionName),
			Target: dataMountPath,
		}},
		Resources: container.Resources{
			Memory:    res.MemoryBytes,
			CPUQuota:  res.CPUQuota,
			PidsLimit: ptr(res.PidsLimit),
		},
		ShmSize: res.ShmBytes,
	}
	if m.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(m.cfg.Network)
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}
		if !isNameConflict(createErr) {
			return Instance{}, fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent teardown can leave the old named container briefly.
		slog.Warn("Gateway container name conflict, retrying", "session", sessionName, "attempt", i+1, "error", createErr)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := m.StopGateway(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return Instance{}, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return Instance{}, fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return Instance{}, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Gateway container created and started", "container_id", resp.ID, "session", sessionName, "memory", res.MemoryBytes)
	return m.instance(resp.ID, name), nil
}

// StopGateway stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopGateway(ctx context.Context, containerID string) error {
	if _, err := m.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Gateway container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		switch {
		case errdefs.IsNotFound(err):
			return nil
		case strings.Contains(err.Error(), "is already in progress"):
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		case ctx.Err() != nil:
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Gateway container stopped and removed", "container_id", containerID)
	return nil
}

// StopSession stops the session's container by name.
func (m *DockerManager) StopSession(ctx context.Context, sessionName string) error {
	return m.StopGateway(ctx, ContainerName(sessionName))
}

// RemoveData deletes the session's engine data volume.
func (m *DockerManager) RemoveData(ctx context.Context, sessionName string) error {
	if err := m.cli.VolumeRemove(ctx, VolumeName(sessionName), true); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", VolumeName(sessionName), err)
	}
	return nil
}

// IsRunning checks if a container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// EnsureNetwork creates the gateway bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	if m.cfg.Network == "" {
		return "", nil
	}
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == m.cfg.Network {
			slog.Info("Gateway network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	opts := network.CreateOptions{Driver: "bridge"}
	if m.cfg.Subnet != "" {
		opts.IPAM = &network.IPAM{Config: []network.IPAMConfig{{Subnet: m.cfg.Subnet}}}
	}
	createResp, err := m.cli.NetworkCreate(ctx, m.cfg.Network, opts)
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", m.cfg.Network, err)
	}
	slog.Info("Gateway network created", "network_id", createResp.ID, "subnet", m.cfg.Subnet)
	return createResp.ID, nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
