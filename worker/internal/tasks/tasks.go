// Package tasks implements the three built-in task kinds as pure
// functions keyed off a tagged Input, per spec.md §9's redesign flag
// replacing OO/inheritance task-worker classes with a tagged variant and
// pure per-kind functions.
package tasks

import (
	"context"

	"github.com/malgorath/cyberbrain-orchestrator/worker/internal/llmclient"
)

// Input is everything a task-kind function needs; no function reaches
// outside what's passed here (no ambient globals, no hidden I/O beyond
// the InputsDir/ArtifactDir paths named on it).
type Input struct {
	RunID              int64
	JobID              int64
	DirectiveSnapshot  map[string]any
	InputsDir          string // staged read-only inputs, set by the dispatcher
	ArtifactDir        string // writable output root for this Job
	ModelBackend       string
	ModelID            string
	LLM                llmclient.Client
}

// Output is what every task-kind function returns: a bounded JSON result
// (references only, never raw content — spec.md §9), the LLM calls it
// made (empty for gpu_report/service_map), and a markdown report body.
type Output struct {
	Result         map[string]any
	Calls          []llmclient.Call
	ReportMarkdown string
}

// Run dispatches to the named task kind. Unknown kinds are a dispatcher
// bug (the image allowlist should never route here), not a recoverable
// worker condition.
func Run(ctx context.Context, kind string, in Input) (Output, error) {
	switch kind {
	case "log_triage":
		return RunLogTriage(ctx, in)
	case "gpu_report":
		return RunGPUReport(ctx, in)
	case "service_map":
		return RunServiceMap(ctx, in)
	default:
		return Output{}, &UnknownTaskKindError{Kind: kind}
	}
}

type UnknownTaskKindError struct{ Kind string }

func (e *UnknownTaskKindError) Error() string {
	return "unsupported task kind: " + e.Kind
}
