// Package container provides Docker container management for disposable
// challenge browsers.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	// Labels identifying browser containers owned by this process family.
	LabelRole       = "flowgate.role"
	LabelWorker     = "flowgate.worker"
	roleBrowser     = "challenge-browser"
	profileMountDir = "/data/profile"
	stopTimeoutSecs = 5

	// DevToolsPort is the CDP port exposed by headless-shell images.
	DevToolsPort nat.Port = "9222/tcp"

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	shmSizeBytes     = 512 * 1024 * 1024  // Chrome needs a larger /dev/shm
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	browserSubnet = "172.29.0.0/16"

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// BrowserSpec describes one disposable browser container.
type BrowserSpec struct {
	Name       string
	WorkerID   int
	Image      string
	Network    string
	SessionDir string   // host directory bind-mounted as the profile, optional
	Args       []string // extra Chrome flags appended to the image entrypoint
}

// Browser is a running browser container.
type Browser struct {
	ID          string
	Name        string
	WorkerID    int
	DevToolsURL string // http://host:port of the CDP endpoint, empty when listed
	Running     bool
}

// Manager defines the interface for managing browser containers.
type Manager interface {
	// StartBrowser creates and starts a browser container and returns its
	// published DevTools endpoint.
	StartBrowser(ctx context.Context, spec BrowserSpec) (*Browser, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// ListBrowsers returns every browser container, running or not.
	ListBrowsers(ctx context.Context) ([]Browser, error)

	// EnsureNetwork creates the named bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context, name string) (string, error)

	// Ping verifies the Docker daemon is reachable.
	Ping(ctx context.Context) error
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli     *client.Client
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
}

// NewDockerManager creates a new Docker-backed container manager.
// runtime can be "" for default Docker runtime or "runsc" for gVisor.
func NewDockerManager(runtime string) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerManager{cli: cli, runtime: runtime}, nil
}

// Ping verifies the Docker daemon is reachable.
func (m *DockerManager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// StartBrowser creates and starts a browser container.
func (m *DockerManager) StartBrowser(ctx context.Context, spec BrowserSpec) (*Browser, error) {
	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	args := append([]string(nil), spec.Args...)
	var mounts []mount.Mount
	if spec.SessionDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: spec.SessionDir,
			Target: profileMountDir,
		})
		args = append(args, "--user-data-dir="+profileMountDir)
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          args,
		ExposedPorts: nat.PortSet{DevToolsPort: struct{}{}},
		Labels: map[string]string{
			LabelRole:   roleBrowser,
			LabelWorker: strconv.Itoa(spec.WorkerID),
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.runtime,
		NetworkMode: container.NetworkMode(spec.Network),
		// Bind to loopback with a daemon-assigned host port.
		PortBindings: nat.PortMap{DevToolsPort: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
		Mounts:       mounts,
		ShmSize:      shmSizeBytes,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("create browser container: %w", createErr)
		}

		// A crashed attempt can leave the named container behind.
		slog.Warn("Browser container name conflict, retrying",
			"worker_id", spec.WorkerID,
			"container_name", spec.Name,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, spec.Name); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("create browser container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.removeQuietly(resp.ID)
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	inspect, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		m.removeQuietly(resp.ID)
		return nil, fmt.Errorf("inspect container %s: %w", resp.ID, err)
	}
	if inspect.NetworkSettings == nil || len(inspect.NetworkSettings.Ports[DevToolsPort]) == 0 {
		m.removeQuietly(resp.ID)
		return nil, fmt.Errorf("container %s has no published devtools port", resp.ID)
	}
	binding := inspect.NetworkSettings.Ports[DevToolsPort][0]

	browser := &Browser{
		ID:          resp.ID,
		Name:        spec.Name,
		WorkerID:    spec.WorkerID,
		DevToolsURL: devToolsURL(binding),
		Running:     true,
	}
	slog.Info("Browser container started",
		"container_id", resp.ID,
		"worker_id", spec.WorkerID,
		"devtools", browser.DevToolsURL)
	return browser, nil
}

func devToolsURL(b nat.PortBinding) string {
	host := b.HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + b.HostPort
}

// removeQuietly force-removes a container on a detached context after a
// failed start.
func (m *DockerManager) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("Failed to remove container after start failure", "container_id", containerID, "error", err)
	}
}

func (m *DockerManager) ensureImage(ctx context.Context, ref string) error {
	if _, err := m.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	slog.Info("Pulling browser image", "image", ref)
	rc, err := m.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", ref, err)
	}
	return nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	slog.Debug("Stopping container", "container_id", containerID)

	_, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
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

// ListBrowsers returns every container carrying the browser role label.
func (m *DockerManager) ListBrowsers(ctx context.Context) ([]Browser, error) {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelRole+"="+roleBrowser)),
	})
	if err != nil {
		return nil, fmt.Errorf("list browser containers: %w", err)
	}

	browsers := make([]Browser, 0, len(list))
	for _, c := range list {
		workerID, err := strconv.Atoi(c.Labels[LabelWorker])
		if err != nil {
			workerID = -1
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		browsers = append(browsers, Browser{
			ID:       c.ID,
			Name:     name,
			WorkerID: workerID,
			Running:  c.State == "running",
		})
	}
	return browsers, nil
}

// EnsureNetwork creates the named bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("network name is empty")
	}

	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == name {
			slog.Info("Browser network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: browserSubnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}

	slog.Info("Browser network created", "network_id", createResp.ID, "subnet", browserSubnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}
