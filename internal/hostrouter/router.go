// Package hostrouter implements the Host Router & Health component (C4):
// WorkerHost selection for a Run, and the periodic Docker-endpoint health
// probe that marks hosts healthy/unhealthy and tracks staleness.
package hostrouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/dockerengine"
	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter/sshtunnel"
	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// ErrNoEligibleHost is the stable `no_eligible_host` error kind from
// spec.md §7.
var ErrNoEligibleHost = errors.New("no_eligible_host")

const defaultStaleness = 5 * time.Minute

// Router selects a WorkerHost for a Run and owns one dockerengine.Interface
// per host, dialing lazily and reusing the connection across health checks
// and dispatches.
type Router struct {
	store         state.Store
	tunnels       *sshtunnel.Manager
	staleness     time.Duration
	healthTimeout time.Duration
	engines       map[int64]dockerengine.Interface
	dialOverride  func(endpoint string) (dockerengine.Interface, error)
}

type Options struct {
	Staleness     time.Duration
	HealthTimeout time.Duration
	SSHPortRange  sshtunnel.PortRange
}

func New(store state.Store, opts Options) *Router {
	staleness := opts.Staleness
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	healthTimeout := opts.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	return &Router{
		store:         store,
		tunnels:       sshtunnel.NewManager(opts.SSHPortRange),
		staleness:     staleness,
		healthTimeout: healthTimeout,
		engines:       map[int64]dockerengine.Interface{},
	}
}

// WithDialOverride replaces the Docker Engine dial function with dial,
// so tests can inject a dockerengine.FakeEngine instead of dialing a real
// daemon. Intended for construction-time wiring only.
func (r *Router) WithDialOverride(dial func(endpoint string) (dockerengine.Interface, error)) *Router {
	r.dialOverride = dial
	return r
}

// Select implements spec.md §4.4 selection: explicit override, else the
// healthy/non-stale/capacity-available candidate set ordered by free
// capacity, lowest active count, most recent last_seen_at, then id.
func (r *Router) Select(ctx context.Context, run state.RunRecord, requiresGPU bool) (state.WorkerHostRecord, error) {
	if run.WorkerHostID != nil {
		host, err := r.store.GetWorkerHost(ctx, *run.WorkerHostID)
		if err != nil {
			return state.WorkerHostRecord{}, fmt.Errorf("%w: target host %d: %v", ErrNoEligibleHost, *run.WorkerHostID, err)
		}
		if !host.Enabled {
			return state.WorkerHostRecord{}, fmt.Errorf("%w: target host %d is disabled", ErrNoEligibleHost, host.ID)
		}
		if requiresGPU && !host.Capabilities.GPUs {
			return state.WorkerHostRecord{}, fmt.Errorf("%w: target host %d has no GPU capability", ErrNoEligibleHost, host.ID)
		}
		return host, nil
	}

	hosts, err := r.store.ListWorkerHosts(ctx)
	if err != nil {
		return state.WorkerHostRecord{}, err
	}
	now := time.Now().UTC()
	candidates := make([]state.WorkerHostRecord, 0, len(hosts))
	for _, h := range hosts {
		if !h.Enabled || !h.Healthy {
			continue
		}
		if r.isStale(h, now) {
			continue
		}
		if h.ActiveRunsCount >= h.Capabilities.MaxConcurrency {
			continue
		}
		if requiresGPU && !h.Capabilities.GPUs {
			continue
		}
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		return state.WorkerHostRecord{}, ErrNoEligibleHost
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		freeA := a.Capabilities.MaxConcurrency - a.ActiveRunsCount
		freeB := b.Capabilities.MaxConcurrency - b.ActiveRunsCount
		if freeA != freeB {
			return freeA > freeB
		}
		if a.ActiveRunsCount != b.ActiveRunsCount {
			return a.ActiveRunsCount < b.ActiveRunsCount
		}
		at, bt := lastSeenOrZero(a), lastSeenOrZero(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

func lastSeenOrZero(h state.WorkerHostRecord) time.Time {
	if h.LastSeenAt == nil {
		return time.Time{}
	}
	return *h.LastSeenAt
}

// isStale reports whether host's last successful probe is older than the
// configured staleness threshold, per spec.md §4.4.
func (r *Router) isStale(h state.WorkerHostRecord, now time.Time) bool {
	if h.LastSeenAt == nil {
		return true
	}
	return now.Sub(*h.LastSeenAt) > r.staleness
}

// AcquireSlot atomically bumps active_runs_count. On false/nil it means the
// precondition failed (disabled, unhealthy, or at capacity) — the caller
// must not dispatch.
func (r *Router) AcquireSlot(ctx context.Context, hostID int64) (bool, error) {
	return r.store.IncrementActiveRuns(ctx, hostID)
}

// ReleaseSlot decrements active_runs_count on dispatch completion
// (success or failure), per spec.md §4.4.
func (r *Router) ReleaseSlot(ctx context.Context, hostID int64) error {
	return r.store.DecrementActiveRuns(ctx, hostID)
}

// Engine returns (dialing and caching if needed) the dockerengine.Interface
// for host, resolving an SSH tunnel first when host.SSH is set.
func (r *Router) Engine(host state.WorkerHostRecord) (dockerengine.Interface, error) {
	if e, ok := r.engines[host.ID]; ok {
		return e, nil
	}
	endpoint := host.EndpointURL
	if host.SSH != nil {
		tun, err := r.tunnels.Open(host.ID, sshtunnel.Config{
			Host:    host.SSH.Host,
			Port:    host.SSH.Port,
			User:    host.SSH.User,
			KeyPath: host.SSH.KeyPath,
		})
		if err != nil {
			return nil, fmt.Errorf("open ssh tunnel for host %s: %w", host.Name, err)
		}
		endpoint = tun.LocalURL
	}
	var engine dockerengine.Interface
	var err error
	if r.dialOverride != nil {
		engine, err = r.dialOverride(endpoint)
	} else {
		engine, err = dockerengine.Dial(endpoint)
	}
	if err != nil {
		return nil, err
	}
	r.engines[host.ID] = engine
	return engine, nil
}

// CloseHost tears down the cached engine and SSH tunnel for hostID — called
// when a WorkerHost is updated or deleted.
func (r *Router) CloseHost(hostID int64) {
	if e, ok := r.engines[hostID]; ok {
		_ = e.Close()
		delete(r.engines, hostID)
	}
	r.tunnels.Close(hostID)
}

// Shutdown tears down every cached engine and tunnel, for process shutdown.
func (r *Router) Shutdown() {
	for id, e := range r.engines {
		_ = e.Close()
		delete(r.engines, id)
	}
	r.tunnels.CloseAll()
}

// CheckHealth pings host's Docker endpoint and updates its healthy /
// last_seen_at fields, per spec.md §4.4.
func (r *Router) CheckHealth(ctx context.Context, host state.WorkerHostRecord) error {
	ctx, span := observability.StartSpan(ctx, "orchestrator.host_health_check")
	defer span.End()

	engine, err := r.Engine(host)
	if err != nil {
		observability.Default.IncCounter("orchestrator_host_health_dial_errors_total", map[string]string{"host": host.Name}, 1)
		return r.store.SetHostHealth(ctx, host.ID, false, nil)
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()
	if err := engine.Ping(pingCtx); err != nil {
		observability.Default.IncCounter("orchestrator_host_health_ping_failures_total", map[string]string{"host": host.Name}, 1)
		return r.store.SetHostHealth(ctx, host.ID, false, nil)
	}
	now := time.Now().UTC()
	return r.store.SetHostHealth(ctx, host.ID, true, &now)
}

// CheckAll probes every enabled host once. Intended to be called from a
// periodic ticker in each Scheduler process.
func (r *Router) CheckAll(ctx context.Context) {
	hosts, err := r.store.ListWorkerHosts(ctx)
	if err != nil {
		return
	}
	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		_ = r.CheckHealth(ctx, h)
	}
}

// Run periodically probes every enabled host until ctx is cancelled.
func (r *Router) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	r.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}
