package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/dockerengine"
	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter"
	"github.com/malgorath/cyberbrain-orchestrator/internal/models"
	"github.com/malgorath/cyberbrain-orchestrator/internal/policy"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, state.Store, *hostrouter.Router, *dockerengine.FakeEngine) {
	t.Helper()
	store := state.NewMemoryStore()
	fake := dockerengine.NewFake()
	router := hostrouter.New(store, hostrouter.Options{}).WithDialOverride(func(string) (dockerengine.Interface, error) {
		return fake, nil
	})
	d := New(store, router, models.NewDefaultRouter(), policy.NewAllowAll(), Options{ArtifactRoot: t.TempDir()})
	return d, store, router, fake
}

func mustCreateHost(t *testing.T, store state.Store, maxConcurrency int, gpus bool) state.WorkerHostRecord {
	t.Helper()
	now := time.Now().UTC()
	host, err := store.CreateWorkerHost(context.Background(), state.WorkerHostRecord{
		Name:        "H0",
		Kind:        "docker",
		EndpointURL: "unix:///var/run/docker.sock",
		Capabilities: state.WorkerHostCapabilities{
			GPUs:           gpus,
			MaxConcurrency: maxConcurrency,
		},
		Enabled:    true,
		Healthy:    true,
		LastSeenAt: &now,
	})
	if err != nil {
		t.Fatalf("CreateWorkerHost: %v", err)
	}
	return host
}

func mustAllowImage(t *testing.T, store state.Store, image, tag string, requiresGPU bool, minVRAM int, cpuFallback bool) {
	t.Helper()
	_, err := store.UpsertImageAllowlist(context.Background(), state.WorkerImageAllowlistRecord{
		Image:             image,
		Tag:               tag,
		Enabled:           true,
		RequiresGPU:       requiresGPU,
		MinVRAMMB:         minVRAM,
		AllowsCPUFallback: cpuFallback,
	})
	if err != nil {
		t.Fatalf("UpsertImageAllowlist: %v", err)
	}
}

func mustLaunchRun(t *testing.T, store state.Store, taskKinds ...string) state.RunRecord {
	t.Helper()
	jobs := make([]state.JobRecord, 0, len(taskKinds))
	now := time.Now().UTC()
	for _, k := range taskKinds {
		jobs = append(jobs, state.JobRecord{
			TaskKind:  k,
			Required:  true,
			Status:    state.JobPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	run, _, err := store.LaunchRun(context.Background(), state.RunRecord{
		Status:    state.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, jobs, nil)
	if err != nil {
		t.Fatalf("LaunchRun: %v", err)
	}
	return run
}

// Scenario 1: happy path, single task.
func TestDispatchRunHappyPathSingleTask(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	mustCreateHost(t, store, 5, false)
	mustAllowImage(t, store, "orchestrator/log-triage-worker", "latest", false, 0, false)
	run := mustLaunchRun(t, store, state.TaskLogTriage)

	jobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	jobDir := filepath.Join(d.ingester.RunDir(run.ID), fmt.Sprintf("job_%d", jobs[0].ID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("mkdir job dir: %v", err)
	}
	sidecar := `{"calls":[{"model_id":"llama3-8b-q4","prompt_tokens":120,"completion_tokens":40,"total_tokens":160,"success":true}]}`
	if err := os.WriteFile(filepath.Join(jobDir, "telemetry.json"), []byte(sidecar), 0o644); err != nil {
		t.Fatalf("write telemetry sidecar: %v", err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "report.md"), []byte("# worker report\n"), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}

	result := d.DispatchRun(context.Background(), run)
	if result.Err != nil {
		t.Fatalf("DispatchRun: %v", result.Err)
	}
	if result.Run.Status != state.RunSuccess {
		t.Fatalf("expected run success, got %s", result.Run.Status)
	}
	if result.Run.TotalTokens != 160 || result.Run.PromptTokens != 120 || result.Run.CompletionTokens != 40 {
		t.Fatalf("expected run token totals to reflect the LLMCall sum, got prompt=%d completion=%d total=%d",
			result.Run.PromptTokens, result.Run.CompletionTokens, result.Run.TotalTokens)
	}
	if !strings.Contains(result.Run.ReportMarkdown, "total: 160") {
		t.Fatalf("expected report markdown to carry token totals, got:\n%s", result.Run.ReportMarkdown)
	}

	finishedJobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	if len(finishedJobs) != 1 || finishedJobs[0].Status != state.JobSuccess {
		t.Fatalf("expected exactly one successful job, got %+v", finishedJobs)
	}

	calls, err := store.ListLLMCallsByJob(context.Background(), jobs[0].ID)
	if err != nil {
		t.Fatalf("ListLLMCallsByJob: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected one LLMCall row, got %d", len(calls))
	}

	artifacts, err := store.ListArtifactsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListArtifactsByRun: %v", err)
	}
	foundReport := false
	for _, a := range artifacts {
		if a.Kind == state.ArtifactReport {
			foundReport = true
		}
	}
	if !foundReport {
		t.Fatalf("expected a report artifact, got %+v", artifacts)
	}
}

// Scenario 2: GPU placement under pressure — the lower-scoring device wins.
func TestDispatchRunGPUPlacementChoosesLowerScoringDevice(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	host := mustCreateHost(t, store, 5, true)
	mustAllowImage(t, store, "orchestrator/gpu-report-worker", "latest", true, 1024, false)

	if err := store.UpsertGPUDevice(context.Background(), state.GPUDeviceRecord{
		HostID: host.ID, DeviceIndex: 0, Name: "gpu0",
		TotalVRAMMB: 8192, UsedVRAMMB: 7168, FreeVRAMMB: 1024, UtilizationPercent: 90,
	}); err != nil {
		t.Fatalf("UpsertGPUDevice gpu0: %v", err)
	}
	if err := store.UpsertGPUDevice(context.Background(), state.GPUDeviceRecord{
		HostID: host.ID, DeviceIndex: 1, Name: "gpu1",
		TotalVRAMMB: 8192, UsedVRAMMB: 1024, FreeVRAMMB: 7168, UtilizationPercent: 10,
	}); err != nil {
		t.Fatalf("UpsertGPUDevice gpu1: %v", err)
	}

	run := mustLaunchRun(t, store, state.TaskGPUReport)
	result := d.DispatchRun(context.Background(), run)
	if result.Err != nil {
		t.Fatalf("DispatchRun: %v", result.Err)
	}
	if result.Run.Status != state.RunSuccess {
		t.Fatalf("expected run success, got %s", result.Run.Status)
	}

	audits, err := store.ListWorkerAudit(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListWorkerAudit: %v", err)
	}
	var spawnAudit *state.WorkerAuditRecord
	for i := range audits {
		if audits[i].Operation == state.AuditSpawn {
			spawnAudit = &audits[i]
		}
	}
	if spawnAudit == nil {
		t.Fatalf("expected a spawn audit row, got %+v", audits)
	}
	if spawnAudit.ChosenGPU != "1" {
		t.Fatalf("expected chosen_gpu=1 (lower scoring device), got %q", spawnAudit.ChosenGPU)
	}
}

// Scenario 2, second half: no device meets the floor, CPU fallback disallowed.
func TestDispatchRunGPUInsufficientVRAMFailsWithoutFallback(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	host := mustCreateHost(t, store, 5, true)
	mustAllowImage(t, store, "orchestrator/gpu-report-worker", "latest", true, 1024, false)

	if err := store.UpsertGPUDevice(context.Background(), state.GPUDeviceRecord{
		HostID: host.ID, DeviceIndex: 1, Name: "gpu1",
		TotalVRAMMB: 8192, UsedVRAMMB: 7680, FreeVRAMMB: 512, UtilizationPercent: 95,
	}); err != nil {
		t.Fatalf("UpsertGPUDevice: %v", err)
	}

	run := mustLaunchRun(t, store, state.TaskGPUReport)
	result := d.DispatchRun(context.Background(), run)
	if result.Err != nil {
		t.Fatalf("DispatchRun: %v", result.Err)
	}
	if result.Run.Status != state.RunFailed {
		t.Fatalf("expected run failed, got %s", result.Run.Status)
	}

	jobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != state.JobFailed {
		t.Fatalf("expected the job to fail, got %+v", jobs)
	}
	if !strings.Contains(jobs[0].ErrorMessage, "insufficient_vram") {
		t.Fatalf("expected insufficient_vram error, got %q", jobs[0].ErrorMessage)
	}
}

// A required job's failure skips remaining jobs as "prerequisite failed",
// distinct from a run-cancellation skip (which marks "cancelled").
func TestDispatchRunSkipsDownstreamJobsAfterRequiredFailure(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	mustCreateHost(t, store, 5, false)
	// Only log_triage is allowlisted; service_map's image is not, so it fails
	// and the trailing gpu_report job should be skipped as a consequence.
	mustAllowImage(t, store, "orchestrator/log-triage-worker", "latest", false, 0, false)

	run := mustLaunchRun(t, store, state.TaskServiceMap, state.TaskGPUReport)
	result := d.DispatchRun(context.Background(), run)
	if result.Err != nil {
		t.Fatalf("DispatchRun: %v", result.Err)
	}

	jobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != state.JobFailed {
			t.Fatalf("expected both jobs failed, got %+v", j)
		}
	}
	if !strings.Contains(jobs[0].ErrorMessage, "image_not_allowed") {
		t.Fatalf("expected the first job to fail with image_not_allowed, got %q", jobs[0].ErrorMessage)
	}
	if jobs[1].ErrorMessage != "prerequisite failed" {
		t.Fatalf("expected the skipped job to be marked prerequisite failed, got %q", jobs[1].ErrorMessage)
	}
}

// A cancelled Run marks not-yet-started jobs "cancelled", not "prerequisite
// failed" — the two skip reasons must stay distinct.
func TestDispatchRunMarksRemainingJobsCancelledWhenRunIsCancelled(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	mustCreateHost(t, store, 5, false)
	mustAllowImage(t, store, "orchestrator/log-triage-worker", "latest", false, 0, false)

	run := mustLaunchRun(t, store, state.TaskLogTriage, state.TaskServiceMap)
	run.Status = state.RunCancelled
	if err := store.UpdateRun(context.Background(), run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	result := d.DispatchRun(context.Background(), run)
	if result.Err != nil {
		t.Fatalf("DispatchRun: %v", result.Err)
	}

	jobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	for _, j := range jobs {
		if j.Status != state.JobFailed || j.ErrorMessage != "cancelled" {
			t.Fatalf("expected every job cancelled, got %+v", j)
		}
	}
}

// The dispatcher must stop the container and mark the job failed on a
// worker that never exits within its deadline.
func TestDispatchRunStopsContainerOnTimeout(t *testing.T) {
	d, store, _, fake := newTestDispatcher(t)
	mustCreateHost(t, store, 5, false)
	mustAllowImage(t, store, "orchestrator/log-triage-worker", "latest", false, 0, false)
	fake.Hang = true

	run := mustLaunchRun(t, store, state.TaskLogTriage)
	run.DirectiveSnapshot.TaskConfig = map[string]any{"job_timeout_seconds": float64(0)}
	// jobTimeout falls back to defaultJobTimeout when the value isn't > 0;
	// WaitForExit's own ctx governs how long Hang blocks in this test.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d.DispatchRun(ctx, run)
	jobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	if jobs[0].Status != state.JobFailed {
		t.Fatalf("expected the hung job to fail, got %s", jobs[0].Status)
	}
	if !fake.Stopped("fake-1") {
		t.Fatalf("expected the hung container to be stopped on timeout")
	}
}

// No eligible host fails every job on the run with no_eligible_host.
func TestDispatchRunNoEligibleHostFailsAllJobs(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	// No host seeded at all.
	run := mustLaunchRun(t, store, state.TaskLogTriage, state.TaskServiceMap)

	result := d.DispatchRun(context.Background(), run)
	if result.Run.Status != state.RunFailed {
		t.Fatalf("expected run failed, got %s", result.Run.Status)
	}

	jobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	for _, j := range jobs {
		if j.Status != state.JobFailed || !strings.Contains(j.ErrorMessage, "no_eligible_host") {
			t.Fatalf("expected every job to fail with no_eligible_host, got %+v", j)
		}
	}
}

// Scenario 6: the no-content guarantee is structural — LLMCallRecord must
// never grow a field capable of holding prompt or response text.
func TestLLMCallRecordCarriesNoPromptOrResponseField(t *testing.T) {
	allowed := map[string]bool{
		"ID": true, "JobID": true, "ModelID": true, "Endpoint": true,
		"PromptTokens": true, "CompletionTokens": true, "TotalTokens": true,
		"DurationMS": true, "Success": true, "ErrorKind": true, "CreatedAt": true,
	}
	typ := reflect.TypeOf(state.LLMCallRecord{})
	for i := 0; i < typ.NumField(); i++ {
		name := typ.Field(i).Name
		if !allowed[name] {
			t.Fatalf("LLMCallRecord grew an unexpected field %q — verify it cannot carry prompt/response text", name)
		}
	}
}
