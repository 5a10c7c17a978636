// Package config reads the fixed env contract the dispatcher sets on every
// task-worker container (spec.md §4.5 step 3 / §6.3), replacing the
// teacher's poll/register worker-agent config with the one-shot set a
// short-lived container actually needs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	RunID               int64
	JobID               int64
	TaskKind            string
	DirectiveSnapshot   map[string]any
	ArtifactPathPrefix  string
	ModelBackend        string
	ModelID             string
	OllamaBaseURL       string
	VLLMBaseURL         string
}

// FromEnv parses the ORC_* variables the dispatcher sets via
// dockerengine.Spec.Env. Missing RUN_ID/JOB_ID/TASK_KIND is a programmer
// error on the dispatcher side, not a recoverable worker condition.
func FromEnv() (Config, error) {
	var cfg Config
	if err := intFromEnv("ORC_RUN_ID", &cfg.RunID); err != nil {
		return cfg, err
	}
	if err := intFromEnv("ORC_JOB_ID", &cfg.JobID); err != nil {
		return cfg, err
	}
	cfg.TaskKind = os.Getenv("ORC_TASK_KIND")
	if cfg.TaskKind == "" {
		return cfg, fmt.Errorf("ORC_TASK_KIND is required")
	}
	cfg.ArtifactPathPrefix = os.Getenv("ORC_ARTIFACT_PATH_PREFIX")
	if cfg.ArtifactPathPrefix == "" {
		return cfg, fmt.Errorf("ORC_ARTIFACT_PATH_PREFIX is required")
	}
	cfg.ModelBackend = os.Getenv("ORC_MODEL_BACKEND")
	cfg.ModelID = os.Getenv("ORC_MODEL_ID")
	cfg.OllamaBaseURL = getenv("ORC_OLLAMA_BASE_URL", "http://ollama:11434")
	cfg.VLLMBaseURL = getenv("ORC_VLLM_BASE_URL", "http://vllm:8000")

	if raw := os.Getenv("ORC_DIRECTIVE_SNAPSHOT"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.DirectiveSnapshot); err != nil {
			return cfg, fmt.Errorf("parse ORC_DIRECTIVE_SNAPSHOT: %w", err)
		}
	}
	return cfg, nil
}

func intFromEnv(key string, dst *int64) error {
	raw := os.Getenv(key)
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	var v int64
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = v
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
