package container

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/carapace/session"
)

// DefaultHealthTimeout bounds how long Spawn waits for a container to
// report a running state before giving up and tearing it down.
const DefaultHealthTimeout = 90 * time.Second

// healthPollInterval is how often Spawn re-checks IsRunning while waiting.
const healthPollInterval = 250 * time.Millisecond

// LifecycleManager spawns containers, waits for them to become healthy,
// binds them to a session, and tears them down again. It is a one-shot
// bounded wait, not a periodic reconciliation loop: Spawn either succeeds
// with a bound session or returns an error having cleaned up after itself.
type LifecycleManager struct {
	runtime       Runtime
	sessions      *session.Manager
	healthTimeout time.Duration
	now           func() time.Time
}

// NewLifecycleManager creates a LifecycleManager. A zero healthTimeout uses
// DefaultHealthTimeout.
func NewLifecycleManager(rt Runtime, sessions *session.Manager, healthTimeout time.Duration) *LifecycleManager {
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthTimeout
	}
	return &LifecycleManager{runtime: rt, sessions: sessions, healthTimeout: healthTimeout, now: time.Now}
}

// Spawn starts a container for opts.Group and opts.Image, waits for it to
// report running, then creates and returns its session. On any failure
// after the container exists, Spawn removes it before returning the error.
func (m *LifecycleManager) Spawn(ctx context.Context, opts SpawnOptions) (*session.Session, error) {
	if opts.ConnectionIdentity == "" {
		opts.ConnectionIdentity = uuid.NewString()
	}

	handle, err := m.runtime.Spawn(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container: spawn failed: %w", err)
	}

	if err := m.awaitHealthy(ctx, handle); err != nil {
		_ = m.runtime.Remove(context.Background(), handle)
		return nil, fmt.Errorf("container: health check failed: %w", err)
	}

	sess, err := m.sessions.Create(handle.ContainerID, opts.Group, handle.ConnectionIdentity)
	if err != nil {
		_ = m.runtime.Remove(context.Background(), handle)
		return nil, fmt.Errorf("container: bind session failed: %w", err)
	}

	return sess, nil
}

func (m *LifecycleManager) awaitHealthy(ctx context.Context, handle Handle) error {
	deadline := m.now().Add(m.healthTimeout)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		running, err := m.runtime.IsRunning(ctx, handle)
		if err == nil && running {
			return nil
		}

		if m.now().After(deadline) {
			return fmt.Errorf("container %s did not become healthy within %s", handle.ContainerID, m.healthTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown tears down the container bound to sessionID and deletes its
// session.
func (m *LifecycleManager) Shutdown(ctx context.Context, sessionID string) error {
	sess, err := m.sessions.BySessionID(sessionID)
	if err != nil {
		return fmt.Errorf("container: %w", err)
	}

	handle := Handle{ContainerID: sess.ContainerID, ConnectionIdentity: sess.ConnectionIdentity}
	if err := m.runtime.Stop(ctx, handle, 10*time.Second); err != nil {
		return fmt.Errorf("container: stop failed: %w", err)
	}
	if err := m.runtime.Remove(ctx, handle); err != nil {
		return fmt.Errorf("container: remove failed: %w", err)
	}

	m.sessions.Delete(sessionID)
	return nil
}

// ShutdownAll tears down every currently managed session's container. It
// collects every error rather than stopping at the first one, since this
// runs on process exit and every container deserves a shutdown attempt.
func (m *LifecycleManager) ShutdownAll(ctx context.Context) []error {
	var errs []error
	for _, sess := range m.sessions.All() {
		if err := m.Shutdown(ctx, sess.SessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
