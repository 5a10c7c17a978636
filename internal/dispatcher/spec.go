package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/malgorath/cyberbrain-orchestrator/internal/dockerengine"
	"github.com/malgorath/cyberbrain-orchestrator/internal/models"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// buildSpec assembles the fixed container policy from spec.md §4.5 step 3
// and stages any task-specific inputs the worker needs but cannot fetch
// itself (the Docker socket is never mounted into workers).
func (d *Dispatcher) buildSpec(ctx context.Context, run state.RunRecord, job *state.JobRecord, img state.WorkerImageAllowlistRecord, host state.WorkerHostRecord, gpuIndex int) (dockerengine.Spec, error) {
	jobDir := filepath.Join(d.ingester.RunDir(run.ID), fmt.Sprintf("job_%d", job.ID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return dockerengine.Spec{}, fmt.Errorf("mkdir job dir: %w", err)
	}

	engine, err := d.router.Engine(host)
	if err != nil {
		return dockerengine.Spec{}, err
	}
	if err := d.stageInputs(ctx, engine, run, job, jobDir); err != nil {
		return dockerengine.Spec{}, err
	}

	snapshotJSON, err := json.Marshal(run.DirectiveSnapshot)
	if err != nil {
		return dockerengine.Spec{}, err
	}

	env := map[string]string{
		"ORC_RUN_ID":               fmt.Sprintf("%d", run.ID),
		"ORC_JOB_ID":               fmt.Sprintf("%d", job.ID),
		"ORC_TASK_KIND":            job.TaskKind,
		"ORC_DIRECTIVE_SNAPSHOT":   string(snapshotJSON),
		"ORC_ARTIFACT_PATH_PREFIX": fmt.Sprintf("/logs/run_%d/job_%d", run.ID, job.ID),
	}
	if job.TaskKind == state.TaskLogTriage {
		decision := d.modelRouter.Route(models.FromTaskConfig(job.TaskKind, run.DirectiveSnapshot.TaskConfig))
		env["ORC_MODEL_BACKEND"] = decision.Backend
		env["ORC_MODEL_ID"] = decision.Model
	}

	return dockerengine.Spec{
		Image:           img.Image,
		Tag:             img.Tag,
		Env:             env,
		Labels: map[string]string{
			"orchestrator.run_id": fmt.Sprintf("%d", run.ID),
			"orchestrator.job_id": fmt.Sprintf("%d", job.ID),
			"orchestrator.task":   job.TaskKind,
		},
		ArtifactRootDir: d.artifactRoot,
		UploadRootDir:   d.uploadRoot,
		RequiresGPU:     gpuIndex >= 0,
		GPUDeviceIndex:  gpuIndex,
	}, nil
}

// stageInputs writes what log_triage and service_map need (allowlisted
// container identities, and for log_triage their recent log tail) into
// job_<id>/_inputs/ — a directory the artifact ingester skips, so staged
// inputs never become RunArtifact rows themselves.
func (d *Dispatcher) stageInputs(ctx context.Context, engine dockerengine.Interface, run state.RunRecord, job *state.JobRecord, jobDir string) error {
	if job.TaskKind != state.TaskLogTriage && job.TaskKind != state.TaskServiceMap {
		return nil
	}
	allowlist, err := d.store.ListContainerAllowlist(ctx)
	if err != nil {
		return err
	}
	allowed := make(map[string]state.ContainerAllowlistRecord, len(allowlist))
	for _, c := range allowlist {
		if c.Enabled {
			allowed[c.ContainerID] = c
		}
	}

	containers, err := engine.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list containers for input staging: %w", err)
	}

	inputsDir := filepath.Join(jobDir, "_inputs")
	if err := os.MkdirAll(inputsDir, 0o755); err != nil {
		return err
	}

	var matched []dockerengine.ContainerInfo
	for _, c := range containers {
		if _, ok := allowed[c.ID]; ok {
			matched = append(matched, c)
		}
	}

	manifest, err := json.MarshalIndent(matched, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(inputsDir, "containers.json"), manifest, 0o644); err != nil {
		return err
	}

	if job.TaskKind == state.TaskLogTriage {
		for _, c := range matched {
			tail, err := engine.Logs(ctx, c.ID, 500)
			if err != nil {
				continue
			}
			_ = os.WriteFile(filepath.Join(inputsDir, sanitizeFilename(c.Name)+".log"), []byte(tail), 0o644)
		}
	}
	return nil
}

func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "container"
	}
	return string(out)
}
