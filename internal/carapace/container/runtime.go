// Package container defines the runtime adapter surface (C8) and the
// lifecycle manager that spawns a locked-down container, waits for it to
// become healthy, binds it to a session, and tears it down again. Concrete
// engines (docker, or any other) are plugins behind the Runtime interface;
// the core depends only on the methods listed here.
package container

import (
	"context"
	"time"
)

// State mirrors the coarse container lifecycle states the core cares about.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateExited   State = "exited"
	StateCreated  State = "created"
	StateUnknown  State = "unknown"
)

// Handle identifies a spawned container and the connection identity the
// bus will see traffic from once it attaches.
type Handle struct {
	ContainerID         string
	ConnectionIdentity  string
}

// Status is a point-in-time snapshot of a container's runtime state.
type Status struct {
	ContainerID string
	State       State
	StartedAt   time.Time
	ExitCode    int
	Error       string
}

// SpawnOptions describes how to create a new agent container. The
// ReadOnlyRootfs and DropAllCapabilities hardening flags are opt-in: a
// SpawnOptions with only Image set neither drops capabilities nor mounts
// the root filesystem read-only.
type SpawnOptions struct {
	// Group assigns the spawned container to a tool-authorization group.
	Group string
	// Image is the container image to run.
	Image string
	// ConnectionIdentity is the stable bus identity this container will use
	// once it attaches; generated by the lifecycle manager, never by the
	// container itself.
	ConnectionIdentity string
	// Env holds additional non-secret environment variables. Credentials
	// never belong here; see the credentials package.
	Env map[string]string
	// Labels are adapter-specific metadata tags.
	Labels map[string]string
	// ReadOnlyRootfs mounts the container filesystem read-only except for
	// adapter-provided scratch volumes.
	ReadOnlyRootfs bool
	// DropAllCapabilities requests the adapter drop every Linux capability
	// before adding back only what the image declares it needs.
	DropAllCapabilities bool
	// NetworkName restricts the container to a named isolated network;
	// empty means the adapter's default locked-down network.
	NetworkName string
	// MemoryLimitBytes and CPUQuota bound resource consumption; zero means
	// the adapter's default.
	MemoryLimitBytes int64
	CPUQuota         float64
}

// Runtime abstracts the container orchestration backend. The core never
// imports a concrete engine package directly.
type Runtime interface {
	// Name identifies the adapter implementation (e.g. "docker").
	Name() string
	// IsAvailable reports whether the adapter can currently reach its
	// backend (e.g. the Docker daemon socket).
	IsAvailable(ctx context.Context) bool
	// ImageExists reports whether image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// Spawn creates and starts a container from opts.
	Spawn(ctx context.Context, opts SpawnOptions) (Handle, error)
	// Stop gracefully stops the container, escalating after timeout.
	Stop(ctx context.Context, handle Handle, timeout time.Duration) error
	// IsRunning reports whether the container is currently running.
	IsRunning(ctx context.Context, handle Handle) (bool, error)
	// Inspect returns the container's current status.
	Inspect(ctx context.Context, handle Handle) (Status, error)
	// Remove stops (if needed) and deletes the container.
	Remove(ctx context.Context, handle Handle) error
}
