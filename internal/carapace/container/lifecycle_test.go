package container_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fred-drake/carapace/internal/carapace/container"
	"github.com/fred-drake/carapace/internal/carapace/session"
)

// fakeRuntime is an in-memory Runtime for exercising the lifecycle manager
// without a real container engine.
type fakeRuntime struct {
	mu           sync.Mutex
	running      map[string]bool
	removed      map[string]bool
	spawnErr     error
	healthyAfter int // number of IsRunning polls before reporting healthy
	polls        int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string]bool), removed: make(map[string]bool)}
}

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) IsAvailable(ctx context.Context) bool { return true }
func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) { return true, nil }

func (f *fakeRuntime) Spawn(ctx context.Context, opts container.SpawnOptions) (container.Handle, error) {
	if f.spawnErr != nil {
		return container.Handle{}, f.spawnErr
	}
	id := "container-" + opts.ConnectionIdentity
	f.mu.Lock()
	f.running[id] = f.healthyAfter == 0
	f.mu.Unlock()
	return container.Handle{ContainerID: id, ConnectionIdentity: opts.ConnectionIdentity}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, handle container.Handle, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[handle.ContainerID] = false
	return nil
}

func (f *fakeRuntime) IsRunning(ctx context.Context, handle container.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls >= f.healthyAfter {
		f.running[handle.ContainerID] = true
	}
	return f.running[handle.ContainerID], nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, handle container.Handle) (container.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := container.StateExited
	if f.running[handle.ContainerID] {
		state = container.StateRunning
	}
	return container.Status{ContainerID: handle.ContainerID, State: state}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, handle container.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[handle.ContainerID] = true
	delete(f.running, handle.ContainerID)
	return nil
}

func TestSpawnCreatesSessionOnceHealthy(t *testing.T) {
	rt := newFakeRuntime()
	sessions := session.New()
	mgr := container.NewLifecycleManager(rt, sessions, time.Second)

	sess, err := mgr.Spawn(context.Background(), container.SpawnOptions{Group: "default", Image: "agent:latest"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if sess.Group != "default" {
		t.Fatalf("expected group 'default', got %q", sess.Group)
	}
	if sessions.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", sessions.Count())
	}
}

func TestSpawnFailsAndCleansUpOnHealthTimeout(t *testing.T) {
	rt := newFakeRuntime()
	rt.healthyAfter = 1000000 // never healthy within the test timeout
	sessions := session.New()
	mgr := container.NewLifecycleManager(rt, sessions, 50*time.Millisecond)

	_, err := mgr.Spawn(context.Background(), container.SpawnOptions{Group: "default", Image: "agent:latest"})
	if err == nil {
		t.Fatal("expected health timeout error")
	}
	if sessions.Count() != 0 {
		t.Fatalf("expected no session to be created, got %d", sessions.Count())
	}

	rt.mu.Lock()
	removedCount := len(rt.removed)
	rt.mu.Unlock()
	if removedCount != 1 {
		t.Fatalf("expected the unhealthy container to be removed, got %d removals", removedCount)
	}
}

func TestSpawnPropagatesSpawnError(t *testing.T) {
	rt := newFakeRuntime()
	rt.spawnErr = fmt.Errorf("daemon unreachable")
	sessions := session.New()
	mgr := container.NewLifecycleManager(rt, sessions, time.Second)

	_, err := mgr.Spawn(context.Background(), container.SpawnOptions{Group: "default", Image: "agent:latest"})
	if err == nil {
		t.Fatal("expected spawn error to propagate")
	}
}

func TestShutdownStopsRemovesAndDeletesSession(t *testing.T) {
	rt := newFakeRuntime()
	sessions := session.New()
	mgr := container.NewLifecycleManager(rt, sessions, time.Second)

	sess, err := mgr.Spawn(context.Background(), container.SpawnOptions{Group: "default", Image: "agent:latest"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := mgr.Shutdown(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sessions.Count() != 0 {
		t.Fatalf("expected session to be removed, got count %d", sessions.Count())
	}
	if _, err := sessions.BySessionID(sess.SessionID); err != session.ErrNotFound {
		t.Fatalf("expected ErrNotFound after shutdown, got %v", err)
	}
}

func TestShutdownAllTearsDownEverySession(t *testing.T) {
	rt := newFakeRuntime()
	sessions := session.New()
	mgr := container.NewLifecycleManager(rt, sessions, time.Second)

	for i := 0; i < 3; i++ {
		if _, err := mgr.Spawn(context.Background(), container.SpawnOptions{Group: "default", Image: "agent:latest"}); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	errs := mgr.ShutdownAll(context.Background())
	if len(errs) != 0 {
		t.Fatalf("expected no errors tearing down, got %v", errs)
	}
	if sessions.Count() != 0 {
		t.Fatalf("expected all sessions removed, got %d", sessions.Count())
	}
}
