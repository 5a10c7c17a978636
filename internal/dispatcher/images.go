package dispatcher

import (
	"context"
	"strings"

	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// defaultImages names the reference task-worker image per built-in task
// kind when the directive snapshot's task_config carries no override.
var defaultImages = map[string]struct{ Image, Tag string }{
	state.TaskLogTriage:  {"orchestrator/log-triage-worker", "latest"},
	state.TaskGPUReport:  {"orchestrator/gpu-report-worker", "latest"},
	state.TaskServiceMap: {"orchestrator/service-map-worker", "latest"},
}

// resolveImage derives the (image, tag) for taskKind from the directive
// snapshot (an optional "images" map keyed by task kind, each value
// "image:tag") and checks it against WorkerImageAllowlist, per spec.md
// §4.5 step 1.
func (d *Dispatcher) resolveImage(ctx context.Context, run state.RunRecord, taskKind string) (state.WorkerImageAllowlistRecord, bool, error) {
	image, tag := taskKind, "latest"
	if def, ok := defaultImages[taskKind]; ok {
		image, tag = def.Image, def.Tag
	}
	if raw, ok := run.DirectiveSnapshot.TaskConfig["images"]; ok {
		if m, ok := raw.(map[string]any); ok {
			if v, ok := m[taskKind].(string); ok && v != "" {
				image, tag = splitImageRef(v)
			}
		}
	}
	rec, found, err := d.store.FindAllowedImage(ctx, image, tag)
	if err != nil {
		return state.WorkerImageAllowlistRecord{}, false, err
	}
	if !found || !rec.Enabled {
		return state.WorkerImageAllowlistRecord{Image: image, Tag: tag}, false, nil
	}
	return rec, true, nil
}

func splitImageRef(ref string) (image, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 {
		return ref, "latest"
	}
	return ref[:idx], ref[idx+1:]
}
