// Package docker provides a Docker Engine runtime adapter implementing
// container.Runtime. Every spawned container gets no-new-privileges, and
// EnsureNetwork creates its network as internal. Dropping all capabilities
// and a read-only root filesystem apply only when the caller sets
// SpawnOptions.DropAllCapabilities and SpawnOptions.ReadOnlyRootfs.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"

	carapacecontainer "github.com/fred-drake/carapace/internal/carapace/container"
)

const (
	labelManagedBy = "carapace.managed-by"
	labelGroup     = "carapace.group"
	managedByValue = "carapace"

	defaultNetwork = "carapace-agents"

	// stopTimeout is how long to wait for graceful container stop before
	// the engine escalates to SIGKILL.
	stopTimeout = 10 * time.Second
)

// Adapter implements carapacecontainer.Runtime using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates a Docker adapter using DOCKER_HOST or the default socket.
func New() (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli, network: defaultNetwork}, nil
}

// NewWithNetwork creates an adapter that attaches spawned containers to a
// specific isolated network instead of the adapter default.
func NewWithNetwork(networkName string) (*Adapter, error) {
	a, err := New()
	if err != nil {
		return nil, err
	}
	a.network = networkName
	return a, nil
}

// Name identifies this adapter.
func (a *Adapter) Name() string { return "docker" }

// IsAvailable reports whether the daemon responds to a ping.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	_, err := a.client.Ping(ctx)
	return err == nil
}

// ImageExists reports whether img is present in the local image store.
func (a *Adapter) ImageExists(ctx context.Context, img string) (bool, error) {
	_, _, err := a.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return true, nil
	}
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect image %q: %w", img, err)
}

// EnsureNetwork creates the adapter's isolated bridge network if it does
// not already exist.
func (a *Adapter) EnsureNetwork(ctx context.Context, networkName string) error {
	if networkName == "" {
		networkName = a.network
	}
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", networkName)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == networkName {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Internal:   true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", networkName, err)
	}
	return nil
}

// Spawn creates and starts a locked-down agent container.
func (a *Adapter) Spawn(ctx context.Context, opts carapacecontainer.SpawnOptions) (carapacecontainer.Handle, error) {
	if opts.Image == "" {
		return carapacecontainer.Handle{}, fmt.Errorf("docker: SpawnOptions.Image is required")
	}
	if opts.ConnectionIdentity == "" {
		return carapacecontainer.Handle{}, fmt.Errorf("docker: SpawnOptions.ConnectionIdentity is required")
	}

	networkName := opts.NetworkName
	if networkName == "" {
		networkName = a.network
	}

	env := make([]string, 0, len(opts.Env)+1)
	env = append(env, fmt.Sprintf("CARAPACE_CONNECTION_IDENTITY=%s", opts.ConnectionIdentity))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelGroup:     opts.Group,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	capDrop := []string{}
	if opts.DropAllCapabilities {
		capDrop = []string{"ALL"}
	}

	resources := container.Resources{}
	if opts.MemoryLimitBytes > 0 {
		resources.Memory = opts.MemoryLimitBytes
	}
	if opts.CPUQuota > 0 {
		resources.NanoCPUs = int64(opts.CPUQuota * 1e9)
	}

	containerCfg := &container.Config{
		Image:  opts.Image,
		Env:    env,
		Labels: labels,
	}

	hostCfg := &container.HostConfig{
		RestartPolicy:  container.RestartPolicy{Name: "no"},
		ReadonlyRootfs: opts.ReadOnlyRootfs,
		CapDrop:        capDrop,
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources:      resources,
		NetworkMode:    container.NetworkMode(networkName),
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	containerName := containerNameFor(opts.ConnectionIdentity)
	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return carapacecontainer.Handle{}, fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return carapacecontainer.Handle{}, fmt.Errorf("start container: %w", err)
	}

	return carapacecontainer.Handle{ContainerID: resp.ID, ConnectionIdentity: opts.ConnectionIdentity}, nil
}

// Stop gracefully stops the container, escalating to SIGKILL after timeout.
func (a *Adapter) Stop(ctx context.Context, handle carapacecontainer.Handle, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = stopTimeout
	}
	secs := int(timeout.Seconds())
	if err := a.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// IsRunning reports whether the container is currently in the running
// state.
func (a *Adapter) IsRunning(ctx context.Context, handle carapacecontainer.Handle) (bool, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Inspect returns the container's current status.
func (a *Adapter) Inspect(ctx context.Context, handle carapacecontainer.Handle) (carapacecontainer.Status, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return carapacecontainer.Status{ContainerID: handle.ContainerID, State: carapacecontainer.StateUnknown}, nil
		}
		return carapacecontainer.Status{}, fmt.Errorf("inspect container: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)

	return carapacecontainer.Status{
		ContainerID: inspect.ID,
		State:       parseState(inspect.State.Status),
		StartedAt:   startedAt,
		ExitCode:    inspect.State.ExitCode,
		Error:       inspect.State.Error,
	}, nil
}

// Remove stops (best-effort) and deletes the container.
func (a *Adapter) Remove(ctx context.Context, handle carapacecontainer.Handle) error {
	_ = a.Stop(ctx, handle, stopTimeout)
	if err := a.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

// managedContainers lists every carapace-managed container, regardless of
// group, for diagnostics and shutdown sweeps.
func (a *Adapter) managedContainers(ctx context.Context) ([]carapacecontainer.Handle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	handles := make([]carapacecontainer.Handle, 0, len(containers))
	for _, c := range containers {
		handles = append(handles, carapacecontainer.Handle{ContainerID: c.ID})
	}
	return handles, nil
}

// PullIfMissing pulls img when it is not already present locally, logging
// progress sizes via go-units for operator-readable output.
func (a *Adapter) PullIfMissing(ctx context.Context, img string) error {
	exists, err := a.ImageExists(ctx, img)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	reader, err := a.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", img, err)
	}
	defer reader.Close()
	var discard [32 * 1024]byte
	total := int64(0)
	for {
		n, err := reader.Read(discard[:])
		total += int64(n)
		if err != nil {
			break
		}
	}
	_ = units.HumanSize(float64(total))
	return nil
}

func parseState(s string) carapacecontainer.State {
	switch strings.ToLower(s) {
	case "running":
		return carapacecontainer.StateRunning
	case "exited":
		return carapacecontainer.StateExited
	case "created":
		return carapacecontainer.StateCreated
	default:
		return carapacecontainer.StateUnknown
	}
}

func containerNameFor(connectionIdentity string) string {
	return "carapace-agent-" + connectionIdentity
}
