package dockerengine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeEngine is a minimal in-memory stand-in for Engine, used by
// dispatcher tests since the real Docker Engine API cannot be exercised
// without a daemon. It implements the same surface dispatcher consumes.
type FakeEngine struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer

	// PingErr, when set, is returned by every Ping call.
	PingErr error
	// ExitCode and ExitErr control what WaitForExit returns for every
	// container spawned after they are set.
	ExitCode int
	ExitErr  error
	// Hang, when true, makes WaitForExit block until ctx/timeout expires.
	Hang bool
	// Containers is returned verbatim by ListContainers.
	Containers []ContainerInfo
}

type fakeContainer struct {
	spec    Spec
	stopped bool
}

func NewFake() *FakeEngine {
	return &FakeEngine{containers: map[string]*fakeContainer{}}
}

func (f *FakeEngine) Ping(ctx context.Context) error { return f.PingErr }

func (f *FakeEngine) Spawn(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec}
	return id, nil
}

func (f *FakeEngine) WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (int, error) {
	if f.Hang {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		<-ctx.Done()
		return -1, ErrTimeout
	}
	return f.ExitCode, f.ExitErr
}

func (f *FakeEngine) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("unknown container %s", containerID)
	}
	c.stopped = true
	return nil
}

func (f *FakeEngine) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	return "", nil
}

func (f *FakeEngine) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	return f.Containers, nil
}

func (f *FakeEngine) Close() error { return nil }

// Stopped reports whether Stop was ever called for containerID, for test
// assertions on best-effort-stop behavior.
func (f *FakeEngine) Stopped(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	return ok && c.stopped
}
