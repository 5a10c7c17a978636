// Package dockerengine wraps the Docker Engine API client used by the Host
// Router (health pings) and the Worker Dispatcher (container spawn/wait/
// stop). One Engine is held per WorkerHost endpoint for the process
// lifetime; it is not a singleton — callers own and close it explicitly.
package dockerengine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Interface is the subset of Engine that the Host Router and Worker
// Dispatcher depend on. Both *Engine and *FakeEngine implement it.
type Interface interface {
	Ping(ctx context.Context) error
	Spawn(ctx context.Context, spec Spec) (string, error)
	WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (int, error)
	Stop(ctx context.Context, containerID string) error
	Logs(ctx context.Context, containerID string, tailLines int) (string, error)
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	Close() error
}

// ContainerInfo is the minimal shape the dispatcher needs for log_triage's
// container-log collection and service_map's topology inference: no log
// content is carried on this type, only identity/labels/network.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	Labels   map[string]string
	Networks []string
	State    string
}

// Engine is a thin wrapper over *client.Client scoped to one WorkerHost
// endpoint (a Unix socket locally, or a TCP address — possibly the local
// end of an SSH tunnel — remotely).
type Engine struct {
	cli      *client.Client
	endpoint string
}

// Dial opens a Docker Engine API client against endpoint, which is either a
// unix:// socket path or a tcp:// address. It does not verify connectivity;
// call Ping for that.
func Dial(endpoint string) (*Engine, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(endpoint),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial docker endpoint %s: %w", endpoint, err)
	}
	return &Engine{cli: cli, endpoint: endpoint}, nil
}

// Close releases the underlying HTTP client. It does not affect running
// containers.
func (e *Engine) Close() error {
	if e == nil || e.cli == nil {
		return nil
	}
	return e.cli.Close()
}

// Ping probes the endpoint with a short timeout independent of any Job
// timeout, per spec.md §5 "health-check RPCs have their own short timeout".
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.cli.Ping(ctx)
	return err
}

// Spec is the fixed container policy from spec.md §4.5 step 3: no
// user-supplied mounts, host bridge networking, no inbound ports, labels
// identifying the owning Run/Job, auto-remove on exit.
type Spec struct {
	Image           string
	Tag             string
	Env             map[string]string
	Labels          map[string]string
	ArtifactRootDir string // host path mounted read-write as /logs
	UploadRootDir   string // host path mounted read-only as /uploads, optional
	RequiresGPU     bool
	GPUDeviceIndex  int // only meaningful when RequiresGPU
}

// imageRef renders "image:tag", defaulting the tag to "latest".
func (s Spec) imageRef() string {
	tag := s.Tag
	if tag == "" {
		tag = "latest"
	}
	return s.Image + ":" + tag
}

// Spawn creates and starts an ephemeral container per Spec. It does not
// wait for exit; callers pair this with WaitForExit and a guaranteed Stop
// on every error path (spec.md §9 "scoped resource acquisition for
// container lifecycles").
func (e *Engine) Spawn(ctx context.Context, spec Spec) (containerID string, err error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: spec.ArtifactRootDir, Target: "/logs", ReadOnly: false},
	}
	if spec.UploadRootDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: spec.UploadRootDir, Target: "/uploads", ReadOnly: true})
	}

	hostConfig := &container.HostConfig{
		Mounts:       mounts,
		NetworkMode:  container.NetworkMode("bridge"),
		AutoRemove:   true,
		PortBindings: nat.PortMap{},
	}
	if spec.RequiresGPU {
		hostConfig.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				Count:        0,
				DeviceIDs:    []string{fmt.Sprintf("%d", spec.GPUDeviceIndex)},
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}

	cfg := &container.Config{
		Image:  spec.imageRef(),
		Env:    env,
		Labels: spec.Labels,
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.imageRef(), err)
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("start container %s: %w", created.ID, err)
	}
	return created.ID, nil
}

// WaitForExit blocks until containerID exits, the context is cancelled, or
// timeout elapses, whichever first. On timeout it returns ErrTimeout; the
// caller is responsible for issuing Stop.
func (e *Engine) WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (exitCode int, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := e.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return int(st.StatusCode), fmt.Errorf("container %s exited with error: %s", containerID, st.Error.Message)
		}
		return int(st.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("wait for container %s: %w", containerID, err)
	case <-waitCtx.Done():
		return -1, ErrTimeout
	}
}

// ErrTimeout is returned by WaitForExit when the per-Job wall-clock limit
// elapses before the container exits.
var ErrTimeout = fmt.Errorf("container wait timed out")

// Stop issues a best-effort stop against containerID. Errors are returned to
// the caller, not retried — spec.md §7 "dispatcher operations against
// Docker are not retried internally".
func (e *Engine) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// ListContainers enumerates all containers on the endpoint (running and
// stopped). The dispatcher intersects this with ContainerAllowlist before
// exposing anything to a worker.
func (e *Engine) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = s.Names[0]
		}
		var networks []string
		if s.NetworkSettings != nil {
			for net := range s.NetworkSettings.Networks {
				networks = append(networks, net)
			}
		}
		out = append(out, ContainerInfo{
			ID:       s.ID,
			Name:     name,
			Image:    s.Image,
			Labels:   s.Labels,
			Networks: networks,
			State:    s.State,
		})
	}
	return out, nil
}

// Logs returns up to 4096 bytes of the tail of the container's combined
// stdout/stderr. The dispatcher uses it to stage allowlisted containers'
// log tails as input files for log_triage; the log content is never written
// to the database.
func (e *Engine) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, containerID, containerLogsOptions(tailLines))
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
