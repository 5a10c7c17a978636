package dispatcher

import (
	"encoding/json"
	"os"

	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// telemetrySidecar is the JSON shape a task-worker writes to
// job_<id>/telemetry.json, per spec.md §6.3's sidecar contract. Workers
// never write prompt or response text here — only the structural fields
// LLMCallRecord persists.
type telemetrySidecar struct {
	Calls []struct {
		ModelID          string `json:"model_id"`
		Endpoint         string `json:"endpoint"`
		PromptTokens     int64  `json:"prompt_tokens"`
		CompletionTokens int64  `json:"completion_tokens"`
		TotalTokens      int64  `json:"total_tokens"`
		DurationMS       int64  `json:"duration_ms"`
		Success          bool   `json:"success"`
		ErrorKind        string `json:"error_kind"`
	} `json:"calls"`
}

// readTelemetrySidecar reads and parses the optional per-Job LLM telemetry
// file. Its absence is normal for task kinds that never call a model.
func readTelemetrySidecar(path string) ([]state.LLMCallRecord, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var sidecar telemetrySidecar
	if err := json.Unmarshal(b, &sidecar); err != nil {
		return nil, false
	}
	out := make([]state.LLMCallRecord, 0, len(sidecar.Calls))
	for _, c := range sidecar.Calls {
		out = append(out, state.LLMCallRecord{
			ModelID:          c.ModelID,
			Endpoint:         c.Endpoint,
			PromptTokens:     c.PromptTokens,
			CompletionTokens: c.CompletionTokens,
			TotalTokens:      c.TotalTokens,
			DurationMS:       c.DurationMS,
			Success:          c.Success,
			ErrorKind:        c.ErrorKind,
		})
	}
	return out, true
}

// readJobResult reads the small structured result a task-worker writes to
// job_<id>/result.json — the data the Run report's per-Job section quotes.
func readJobResult(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
