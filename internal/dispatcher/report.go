package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// buildReport renders the Run rollup: a markdown summary with one section
// per Job (status, duration, error, result keys) followed by a run-level
// token-totals section, and a structured JSON mirror of the same data.
// Artifact paths are not listed in either form.
func buildReport(run state.RunRecord, jobs []state.JobRecord) (markdown string, structuredJSON map[string]any) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %d report\n\n", run.ID)
	fmt.Fprintf(&b, "Directive: %s (v%d)\n\n", run.DirectiveSnapshot.Name, run.DirectiveSnapshot.Version)

	jobSections := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&b, "## Job %d: %s\n\n", j.ID, j.TaskKind)
		fmt.Fprintf(&b, "- status: %s\n", j.Status)
		fmt.Fprintf(&b, "- duration: %s\n", jobDuration(j))
		if j.ErrorMessage != "" {
			fmt.Fprintf(&b, "- error: %s\n", j.ErrorMessage)
		}
		if len(j.Result) > 0 {
			fmt.Fprintf(&b, "- result keys: %s\n", strings.Join(resultKeys(j.Result), ", "))
		}
		b.WriteString("\n")

		jobSections = append(jobSections, map[string]any{
			"job_id":     j.ID,
			"task_kind":  j.TaskKind,
			"status":     j.Status,
			"duration_s": jobDurationSeconds(j),
			"error":      j.ErrorMessage,
			"result":     j.Result,
		})
	}

	fmt.Fprintf(&b, "## Tokens\n\n- prompt: %d\n- completion: %d\n- total: %d\n",
		run.PromptTokens, run.CompletionTokens, run.TotalTokens)

	structuredJSON = map[string]any{
		"run_id":            run.ID,
		"directive":         run.DirectiveSnapshot.Name,
		"status":            run.Status,
		"jobs":              jobSections,
		"prompt_tokens":     run.PromptTokens,
		"completion_tokens": run.CompletionTokens,
		"total_tokens":      run.TotalTokens,
	}
	return b.String(), structuredJSON
}

func jobDuration(j state.JobRecord) string {
	if j.StartedAt == nil || j.EndedAt == nil {
		return "n/a"
	}
	return j.EndedAt.Sub(*j.StartedAt).Round(time.Second).String()
}

func jobDurationSeconds(j state.JobRecord) float64 {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt).Seconds()
}

func resultKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
