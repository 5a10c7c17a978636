package hostrouter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

func mustCreateHost(t *testing.T, store state.Store, h state.WorkerHostRecord) state.WorkerHostRecord {
	t.Helper()
	created, err := store.CreateWorkerHost(context.Background(), h)
	if err != nil {
		t.Fatalf("CreateWorkerHost: %v", err)
	}
	return created
}

// Selection orders healthy, non-stale, under-capacity candidates by free
// capacity first, per spec.md §4.4.
func TestSelectOrdersByFreeCapacity(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()
	r := New(store, Options{})

	mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "tight", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 2}, ActiveRunsCount: 1,
	})
	roomy := mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "roomy", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 5}, ActiveRunsCount: 1,
	})

	got, err := r.Select(context.Background(), state.RunRecord{}, false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != roomy.ID {
		t.Fatalf("expected the host with more free capacity (4 free) to win over (1 free), got %q", got.Name)
	}
}

// A host whose last_seen_at predates the staleness threshold is excluded
// even though healthy=true.
func TestSelectExcludesStaleHosts(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()
	r := New(store, Options{Staleness: time.Minute})

	stale := now.Add(-10 * time.Minute)
	mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "stale", Enabled: true, Healthy: true, LastSeenAt: &stale,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 5},
	})

	_, err := r.Select(context.Background(), state.RunRecord{}, false)
	if !errors.Is(err, ErrNoEligibleHost) {
		t.Fatalf("expected no_eligible_host when only a stale host exists, got %v", err)
	}
}

// Scenario 5: an unhealthy host is excluded from selection in favor of a
// healthy one — host failover.
func TestSelectFailsOverPastUnhealthyHost(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()
	r := New(store, Options{})

	mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "down", Enabled: true, Healthy: false, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 5},
	})
	up := mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "up", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 5},
	})

	got, err := r.Select(context.Background(), state.RunRecord{}, false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != up.ID {
		t.Fatalf("expected failover to the healthy host, got %q", got.Name)
	}
}

// A host at full capacity (active_runs_count == max_concurrency) is
// excluded from the candidate set.
func TestSelectExcludesHostsAtCapacity(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()
	r := New(store, Options{})

	mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "full", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 1}, ActiveRunsCount: 1,
	})

	_, err := r.Select(context.Background(), state.RunRecord{}, false)
	if !errors.Is(err, ErrNoEligibleHost) {
		t.Fatalf("expected no_eligible_host when the only host is at capacity, got %v", err)
	}
}

// A Run with an explicit target host bypasses the candidate ranking
// entirely, but still rejects a target lacking a required GPU.
func TestSelectExplicitTargetRejectsGPUMismatch(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()
	r := New(store, Options{})

	cpuOnly := mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "cpu-only", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 5, GPUs: false},
	})

	run := state.RunRecord{WorkerHostID: &cpuOnly.ID}
	_, err := r.Select(context.Background(), run, true)
	if !errors.Is(err, ErrNoEligibleHost) {
		t.Fatalf("expected no_eligible_host for a GPU job pinned to a CPU-only host, got %v", err)
	}
}

// A Run with an explicit target host selects it even though, absent the
// override, it would have lost to another candidate on free capacity.
func TestSelectExplicitTargetOverridesRanking(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()
	r := New(store, Options{})

	tight := mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "tight", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 2}, ActiveRunsCount: 1,
	})
	mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "roomy", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 5},
	})

	run := state.RunRecord{WorkerHostID: &tight.ID}
	got, err := r.Select(context.Background(), run, false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.ID != tight.ID {
		t.Fatalf("expected the explicit target to be honored regardless of ranking, got %q", got.Name)
	}
}

// AcquireSlot refuses to bump active_runs_count past max_concurrency, and
// ReleaseSlot gives the slot back.
func TestAcquireAndReleaseSlotGateCapacity(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()
	r := New(store, Options{})

	host := mustCreateHost(t, store, state.WorkerHostRecord{
		Name: "h", Enabled: true, Healthy: true, LastSeenAt: &now,
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 1},
	})

	ok, err := r.AcquireSlot(context.Background(), host.ID)
	if err != nil || !ok {
		t.Fatalf("expected the first AcquireSlot to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = r.AcquireSlot(context.Background(), host.ID)
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	if ok {
		t.Fatalf("expected a second AcquireSlot at capacity=1 to fail")
	}

	if err := r.ReleaseSlot(context.Background(), host.ID); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	ok, err = r.AcquireSlot(context.Background(), host.ID)
	if err != nil || !ok {
		t.Fatalf("expected AcquireSlot to succeed after the slot was released, got ok=%v err=%v", ok, err)
	}
}
