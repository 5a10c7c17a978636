package models

import "testing"

func TestRouteSelectsReasoningRule(t *testing.T) {
	r := &Router{cfg: Config{
		DefaultBackend: "vllm",
		DefaultModel:   "llama3-8b-q4",
		Rules: []Rule{
			{
				Name:          "reasoning-gpu",
				WhenReasoning: boolPtr(true),
				UseBackend:    "vllm",
				UseModel:      "llama3-70b",
				WhenTaskKind:  "log_triage",
			},
		},
	}}
	d := r.Route(RouteInput{TaskKind: "log_triage", ReasoningRequired: true})
	if d.Backend != "vllm" || d.Model != "llama3-70b" || d.Rule != "reasoning-gpu" {
		t.Fatalf("unexpected route decision: %#v", d)
	}
}

func TestFromTaskConfigExtractsConventionalKeys(t *testing.T) {
	in := FromTaskConfig("log_triage", map[string]any{
		"reasoning_required":  true,
		"data_classification": "internal",
		"model_hint":          "llama3-70b",
	})
	if !in.ReasoningRequired || in.DataClassification != "internal" || in.RequestedModel != "llama3-70b" {
		t.Fatalf("unexpected route input: %#v", in)
	}
}

func boolPtr(v bool) *bool { return &v }
