// Command task-worker is the binary the dispatcher spawns as an ephemeral
// container for a single Job. It runs to completion and exits; there is no
// poll loop, heartbeat, or registration handshake — replacing the
// teacher's worker-agent process model per spec.md §9's redesign flag
// against scoped-resource container lifecycle idioms.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/worker/internal/config"
	"github.com/malgorath/cyberbrain-orchestrator/worker/internal/llmclient"
	"github.com/malgorath/cyberbrain-orchestrator/worker/internal/tasks"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 9*time.Minute)
	defer cancel()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("task-worker: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("task-worker: job %d failed: %v", cfg.JobID, err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	in := tasks.Input{
		RunID:             cfg.RunID,
		JobID:             cfg.JobID,
		DirectiveSnapshot: cfg.DirectiveSnapshot,
		InputsDir:         filepath.Join(cfg.ArtifactPathPrefix, "_inputs"),
		ArtifactDir:       cfg.ArtifactPathPrefix,
		ModelBackend:      cfg.ModelBackend,
		ModelID:           cfg.ModelID,
		LLM: llmclient.Client{
			OllamaBaseURL: cfg.OllamaBaseURL,
			VLLMBaseURL:   cfg.VLLMBaseURL,
		},
	}

	out, err := tasks.Run(ctx, cfg.TaskKind, in)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.ArtifactPathPrefix, 0o755); err != nil {
		return fmt.Errorf("mkdir artifact dir: %w", err)
	}
	if err := writeJSON(filepath.Join(cfg.ArtifactPathPrefix, "result.json"), out.Result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if len(out.Calls) > 0 {
		if err := writeJSON(filepath.Join(cfg.ArtifactPathPrefix, "telemetry.json"), map[string]any{"calls": out.Calls}); err != nil {
			return fmt.Errorf("write telemetry: %w", err)
		}
	}
	if out.ReportMarkdown != "" {
		if err := os.WriteFile(filepath.Join(cfg.ArtifactPathPrefix, "report.md"), []byte(out.ReportMarkdown), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
