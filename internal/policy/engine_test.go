package policy

import "testing"

func TestEvaluateLaunchQuotaAndDenyRule(t *testing.T) {
	engine := NewFromConfig(Config{
		DefaultAction: "allow",
		DirectiveQuotas: map[string]DirectiveQuota{
			"nightly-triage": {MaxRunningRuns: 1},
		},
		Rules: []Rule{
			{
				Name:   "deny-gpu-triage",
				Effect: "deny",
				Reason: "gpu_triage_forbidden",
				Match: RuleMatch{
					Directive: "gpu-triage",
				},
			},
		},
	})

	d := engine.EvaluateLaunch(LaunchInput{
		Directive:   "gpu-triage",
		RunningRuns: 0,
	})
	if d.Allowed {
		t.Fatalf("expected deny decision")
	}
	if d.ReasonCode != "gpu_triage_forbidden" {
		t.Fatalf("unexpected reason code: %s", d.ReasonCode)
	}

	d = engine.EvaluateLaunch(LaunchInput{
		Directive:   "nightly-triage",
		RunningRuns: 1,
	})
	if d.Allowed {
		t.Fatalf("expected quota deny decision")
	}
	if d.ReasonCode != "quota_running_runs_exceeded" {
		t.Fatalf("unexpected quota reason code: %s", d.ReasonCode)
	}
}

func TestEvaluateDispatchDenyRule(t *testing.T) {
	engine := NewFromConfig(Config{
		DefaultAction: "allow",
		Rules: []Rule{
			{
				Name:   "deny-gpu-on-cpu-host",
				Effect: "deny",
				Reason: "gpu_task_requires_gpu_host",
				Match: RuleMatch{
					HostKind:    "cpu_only",
					RequiresGPU: boolPtr(true),
				},
			},
		},
	})

	d := engine.EvaluateDispatch(DispatchInput{
		Directive:   "nightly-triage",
		TaskKind:    "gpu_report",
		HostName:    "host-a",
		HostKind:    "cpu_only",
		RequiresGPU: true,
	})
	if d.Allowed {
		t.Fatalf("expected deny decision")
	}
	if d.ReasonCode != "gpu_task_requires_gpu_host" {
		t.Fatalf("unexpected reason code: %s", d.ReasonCode)
	}

	d = engine.EvaluateDispatch(DispatchInput{
		Directive: "nightly-triage",
		TaskKind:  "log_triage",
		HostName:  "host-a",
		HostKind:  "cpu_only",
	})
	if !d.Allowed {
		t.Fatalf("expected allow decision, got %s", d.ReasonCode)
	}
}

func TestAllowAllIsNoop(t *testing.T) {
	engine := NewAllowAll()
	if !engine.IsNoop() {
		t.Fatalf("expected NewAllowAll to be a noop engine")
	}
	d := engine.EvaluateLaunch(LaunchInput{Directive: "anything"})
	if !d.Allowed {
		t.Fatalf("expected allow-all engine to allow")
	}
}

func boolPtr(v bool) *bool { return &v }
