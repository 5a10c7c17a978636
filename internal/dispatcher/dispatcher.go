// Package dispatcher implements the Worker Dispatcher (C5): for each Job on
// a Run, it resolves an allowed image, places it on a GPU when required,
// spawns an ephemeral Docker container with the fixed mount/network policy,
// waits for exit, ingests artifacts and LLM telemetry, audits every
// transition, and rolls the Run up to its terminal status.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/artifacts"
	"github.com/malgorath/cyberbrain-orchestrator/internal/dockerengine"
	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter"
	"github.com/malgorath/cyberbrain-orchestrator/internal/models"
	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
	"github.com/malgorath/cyberbrain-orchestrator/internal/policy"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

const defaultJobTimeout = 10 * time.Minute

// Result is what DispatchRun hands back to the Claim Loop.
type Result struct {
	Run state.RunRecord
	Err error
}

type Dispatcher struct {
	store       state.Store
	router      *hostrouter.Router
	ingester    *artifacts.Ingester
	modelRouter *models.Router
	policy      *policy.Engine

	artifactRoot string
	uploadRoot   string
}

type Options struct {
	ArtifactRoot string
	UploadRoot   string
}

func New(store state.Store, router *hostrouter.Router, modelRouter *models.Router, p *policy.Engine, opts Options) *Dispatcher {
	if p == nil {
		p = policy.NewAllowAll()
	}
	ing := artifacts.New(store, opts.ArtifactRoot, nil)
	return &Dispatcher{
		store:        store,
		router:       router,
		ingester:     ing,
		modelRouter:  modelRouter,
		policy:       p,
		artifactRoot: opts.ArtifactRoot,
		uploadRoot:   opts.UploadRoot,
	}
}

// WithMirror attaches an artifact mirror (e.g. minio) to the Dispatcher's
// Ingester. Optional; nil disables mirroring.
func (d *Dispatcher) WithMirror(m *artifacts.Mirror) *Dispatcher {
	d.ingester = artifacts.New(d.store, d.artifactRoot, m)
	return d
}

// DispatchRun executes every Job of run in order on a single selected host.
// It never panics out: any programmer error is recovered and recorded as
// `internal` on the Run.
func (d *Dispatcher) DispatchRun(ctx context.Context, run state.RunRecord) (res Result) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.dispatch_job")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			observability.Default.IncCounter("orchestrator_dispatcher_panics_total", nil, 1)
			res = d.failRun(ctx, run, fmt.Errorf("internal: recovered panic: %v", r))
		}
	}()

	jobs, err := d.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return d.failRun(ctx, run, fmt.Errorf("internal: list jobs: %w", err))
	}

	requiresGPU, resolveErr := d.anyJobRequiresGPU(ctx, run, jobs)
	if resolveErr != nil {
		return d.failRun(ctx, run, resolveErr)
	}

	host, err := d.router.Select(ctx, run, requiresGPU)
	if err != nil {
		return d.failRunAllJobs(ctx, run, jobs, "no_eligible_host", err)
	}

	acquired, err := d.router.AcquireSlot(ctx, host.ID)
	if err != nil {
		return d.failRun(ctx, run, fmt.Errorf("internal: acquire host slot: %w", err))
	}
	if !acquired {
		return d.failRunAllJobs(ctx, run, jobs, "no_eligible_host", hostrouter.ErrNoEligibleHost)
	}
	defer func() { _ = d.router.ReleaseSlot(ctx, host.ID) }()

	engine, err := d.router.Engine(host)
	if err != nil {
		return d.failRunAllJobs(ctx, run, jobs, "dispatch_failed", err)
	}

	run.WorkerHostID = &host.ID

	skipRest := false
	skipReason := "prerequisite failed"
	for i := range jobs {
		job := jobs[i]
		if skipRest {
			d.failJob(ctx, &job, run, skipReason)
			jobs[i] = job
			continue
		}

		current, err := d.store.GetRun(ctx, run.ID)
		if err == nil && current.Status == state.RunCancelled {
			d.failJob(ctx, &job, run, "cancelled")
			jobs[i] = job
			skipRest = true
			skipReason = "cancelled"
			continue
		}

		d.runJob(ctx, engine, host, run, &job)
		jobs[i] = job
		if job.Status == state.JobFailed && job.Required {
			skipRest = true
		}
	}

	finished := time.Now().UTC()
	run.EndedAt = &finished
	run.Status = rollupStatus(jobs)
	run.PromptTokens, run.CompletionTokens, run.TotalTokens = sumTokens(ctx, d.store, jobs)
	run.ReportMarkdown, run.ReportJSON = buildReport(run, jobs)
	run.UpdatedAt = finished
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return Result{Run: run, Err: fmt.Errorf("internal: update run rollup: %w", err)}
	}
	observability.Default.IncCounter("orchestrator_runs_completed_total", map[string]string{"status": run.Status}, 1)
	return Result{Run: run}
}

func (d *Dispatcher) anyJobRequiresGPU(ctx context.Context, run state.RunRecord, jobs []state.JobRecord) (bool, error) {
	for _, j := range jobs {
		img, ok, err := d.resolveImage(ctx, run, j.TaskKind)
		if err != nil {
			return false, err
		}
		if ok && img.RequiresGPU {
			return true, nil
		}
	}
	return false, nil
}

func (d *Dispatcher) runJob(ctx context.Context, engine dockerengine.Interface, host state.WorkerHostRecord, run state.RunRecord, job *state.JobRecord) {
	img, ok, err := d.resolveImage(ctx, run, job.TaskKind)
	if err != nil || !ok {
		d.auditAndFail(ctx, run, job, state.AuditError, "", "", "", "", err, "image_not_allowed")
		return
	}

	decision := d.policy.EvaluateDispatch(policy.DispatchInput{
		Directive:   run.DirectiveSnapshot.Name,
		TaskKind:    job.TaskKind,
		HostName:    host.Name,
		HostKind:    host.Kind,
		RequiresGPU: img.RequiresGPU,
	})
	if !decision.Allowed {
		d.auditAndFail(ctx, run, job, state.AuditError, "", img.Image, "", "", fmt.Errorf("policy denied dispatch: %s", decision.Message), "image_not_allowed")
		return
	}

	gpuIndex := -1
	gpuReason := ""
	if img.RequiresGPU {
		chosen, reason, fallback, err := d.placeGPU(ctx, host.ID, img.MinVRAMMB)
		gpuReason = reason
		if err != nil {
			if !img.AllowsCPUFallback {
				d.auditAndFail(ctx, run, job, state.AuditError, "", img.Image, "", gpuReason, err, "insufficient_vram")
				return
			}
			_ = fallback
		} else {
			gpuIndex = chosen
		}
	}

	spec, err := d.buildSpec(ctx, run, job, img, host, gpuIndex)
	if err != nil {
		d.auditAndFail(ctx, run, job, state.AuditError, "", img.Image, "", gpuReason, err, "dispatch_failed")
		return
	}

	containerID, err := engine.Spawn(ctx, spec)
	d.audit(ctx, run.ID, job.ID, state.AuditSpawn, containerID, img.Image, gpuLabel(gpuIndex), gpuReason, spec.Env, err == nil, errString(err))
	if err != nil {
		if containerID != "" {
			_ = engine.Stop(ctx, containerID)
		}
		d.failJob(ctx, job, run, "dispatch_failed: "+err.Error())
		return
	}

	now := time.Now().UTC()
	job.Status = state.JobRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	_ = d.store.UpdateJob(ctx, *job)
	d.audit(ctx, run.ID, job.ID, state.AuditStart, containerID, img.Image, gpuLabel(gpuIndex), gpuReason, nil, true, "")

	timeout := jobTimeout(run.DirectiveSnapshot)
	exitCode, err := engine.WaitForExit(ctx, containerID, timeout)
	if err == dockerengine.ErrTimeout {
		_ = engine.Stop(ctx, containerID)
		d.audit(ctx, run.ID, job.ID, state.AuditStop, containerID, img.Image, gpuLabel(gpuIndex), gpuReason, nil, true, "timeout")
		d.failJob(ctx, job, run, "timeout")
		return
	}
	if err != nil || exitCode != 0 {
		if err != nil {
			_ = engine.Stop(ctx, containerID)
		}
		d.audit(ctx, run.ID, job.ID, state.AuditError, containerID, img.Image, gpuLabel(gpuIndex), gpuReason, nil, false, errString(err))
		d.failJob(ctx, job, run, fmt.Sprintf("dispatch_failed: worker exited %d: %v", exitCode, err))
		return
	}

	d.ingest(ctx, run, job)

	finished := time.Now().UTC()
	job.Status = state.JobSuccess
	job.EndedAt = &finished
	job.UpdatedAt = finished
	_ = d.store.UpdateJob(ctx, *job)
	d.audit(ctx, run.ID, job.ID, state.AuditRemove, containerID, img.Image, gpuLabel(gpuIndex), gpuReason, nil, true, "")
}

func (d *Dispatcher) ingest(ctx context.Context, run state.RunRecord, job *state.JobRecord) {
	sidecarPath := fmt.Sprintf("%s/job_%d/telemetry.json", d.ingester.RunDir(run.ID), job.ID)
	if calls, ok := readTelemetrySidecar(sidecarPath); ok {
		for _, c := range calls {
			c.JobID = job.ID
			c.CreatedAt = time.Now().UTC()
			_, _ = d.store.CreateLLMCall(ctx, c)
		}
	}
	if _, err := d.ingester.IngestRun(ctx, run.ID); err != nil {
		observability.Default.IncCounter("orchestrator_artifact_ingestion_errors_total", nil, 1)
	}
	result, err := readJobResult(fmt.Sprintf("%s/job_%d/result.json", d.ingester.RunDir(run.ID), job.ID))
	if err == nil {
		job.Result = result
	}
}

func (d *Dispatcher) failJob(ctx context.Context, job *state.JobRecord, run state.RunRecord, reason string) {
	now := time.Now().UTC()
	job.Status = state.JobFailed
	job.ErrorMessage = reason
	if job.EndedAt == nil {
		job.EndedAt = &now
	}
	job.UpdatedAt = now
	_ = d.store.UpdateJob(ctx, *job)
}

func (d *Dispatcher) auditAndFail(ctx context.Context, run state.RunRecord, job *state.JobRecord, op, containerID, image, gpu, gpuReason string, err error, reason string) {
	d.audit(ctx, run.ID, job.ID, op, containerID, image, gpu, gpuReason, nil, false, errString(err))
	d.failJob(ctx, job, run, reason)
}

func (d *Dispatcher) audit(ctx context.Context, runID, jobID int64, op, containerID, image, gpu, gpuReason string, configSnapshot any, success bool, errMsg string) {
	snap := map[string]any{}
	if configSnapshot != nil {
		b, _ := json.Marshal(configSnapshot)
		_ = json.Unmarshal(b, &snap)
	}
	_ = d.store.AppendWorkerAudit(ctx, state.WorkerAuditRecord{
		RunID:          runID,
		JobID:          jobID,
		Operation:      op,
		ContainerID:    containerID,
		Image:          image,
		ChosenGPU:      gpu,
		GPUReason:      gpuReason,
		ConfigSnapshot: snap,
		Success:        success,
		ErrorMessage:   errMsg,
		CreatedAt:      time.Now().UTC(),
	})
}

func (d *Dispatcher) failRun(ctx context.Context, run state.RunRecord, err error) Result {
	now := time.Now().UTC()
	run.Status = state.RunFailed
	run.ErrorMessage = err.Error()
	run.EndedAt = &now
	run.UpdatedAt = now
	_ = d.store.UpdateRun(ctx, run)
	return Result{Run: run, Err: err}
}

func (d *Dispatcher) failRunAllJobs(ctx context.Context, run state.RunRecord, jobs []state.JobRecord, reason string, cause error) Result {
	for i := range jobs {
		d.failJob(ctx, &jobs[i], run, reason+": "+errString(cause))
	}
	return d.failRun(ctx, run, fmt.Errorf("%s: %w", reason, cause))
}

func rollupStatus(jobs []state.JobRecord) string {
	if len(jobs) == 0 {
		return state.RunSuccess
	}
	allSuccess, allFailed := true, true
	for _, j := range jobs {
		if j.Status != state.JobSuccess {
			allSuccess = false
		}
		if j.Status != state.JobFailed {
			allFailed = false
		}
	}
	switch {
	case allSuccess:
		return state.RunSuccess
	case allFailed:
		return state.RunFailed
	default:
		return state.RunPartial
	}
}

func sumTokens(ctx context.Context, store state.Store, jobs []state.JobRecord) (prompt, completion, total int64) {
	for _, j := range jobs {
		calls, err := store.ListLLMCallsByJob(ctx, j.ID)
		if err != nil {
			continue
		}
		for _, c := range calls {
			prompt += c.PromptTokens
			completion += c.CompletionTokens
			total += c.TotalTokens
		}
	}
	return
}

func jobTimeout(snapshot state.DirectiveSnapshot) time.Duration {
	if v, ok := snapshot.TaskConfig["job_timeout_seconds"]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			return time.Duration(f) * time.Second
		}
	}
	return defaultJobTimeout
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func gpuLabel(index int) string {
	if index < 0 {
		return ""
	}
	return fmt.Sprintf("%d", index)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
