package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/malgorath/cyberbrain-orchestrator/worker/internal/llmclient"
)

// RunLogTriage summarizes the container log tails the dispatcher staged
// under in.InputsDir, per spec.md §4.5's log_triage semantics: one model
// call, a markdown report, and a result carrying only counts/paths, never
// log content.
func RunLogTriage(ctx context.Context, in Input) (Output, error) {
	logFiles, err := stagedLogFiles(in.InputsDir)
	if err != nil {
		return Output{}, fmt.Errorf("read staged logs: %w", err)
	}
	if len(logFiles) == 0 {
		return Output{
			Result:         map[string]any{"containers_inspected": 0},
			ReportMarkdown: "# Log triage\n\nNo allowlisted containers produced logs.\n",
		}, nil
	}

	var combined strings.Builder
	names := make([]string, 0, len(logFiles))
	for name, content := range logFiles {
		names = append(names, name)
		fmt.Fprintf(&combined, "=== %s ===\n%s\n\n", name, content)
	}
	sort.Strings(names)

	prompt := "Summarize the following container logs. Note any errors, crash loops, or anomalies. Be concise.\n\n" + combined.String()
	text, call, err := in.LLM.Complete(ctx, in.ModelBackend, in.ModelID, prompt)
	if err != nil {
		return Output{}, fmt.Errorf("llm triage call: %w", err)
	}

	report := fmt.Sprintf("# Log triage\n\nContainers inspected: %s\n\n## Summary\n\n%s\n", strings.Join(names, ", "), text)
	return Output{
		Result: map[string]any{
			"containers_inspected": len(logFiles),
			"containers":           names,
			"model_id":             call.ModelID,
		},
		Calls:          []llmclient.Call{call},
		ReportMarkdown: report,
	}, nil
}

func stagedLogFiles(inputsDir string) (map[string]string, error) {
	entries, err := os.ReadDir(inputsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(inputsDir, e.Name()))
		if err != nil {
			continue
		}
		out[strings.TrimSuffix(e.Name(), ".log")] = string(b)
	}
	return out, nil
}
