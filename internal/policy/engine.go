package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DirectiveQuota is an operator-set ceiling on running Runs, checked when a
// Run of the named directive is launched. The Run Launcher compares it with
// the count of all running Runs (Store.CountRunning); the directive's own
// MaxConcurrentRuns is not checked by the launcher.
type DirectiveQuota struct {
	MaxRunningRuns int `yaml:"max_running_runs"`
}

type RuleMatch struct {
	Directive   string `yaml:"directive"`
	TaskKind    string `yaml:"task_kind"`
	HostName    string `yaml:"host_name"`
	HostKind    string `yaml:"host_kind"`
	RequiresGPU *bool  `yaml:"requires_gpu"`
}

type Rule struct {
	Name   string    `yaml:"name"`
	Effect string    `yaml:"effect"` // allow|deny
	Reason string    `yaml:"reason"`
	Match  RuleMatch `yaml:"match"`
}

type Config struct {
	DefaultAction   string                    `yaml:"default_action"` // allow|deny
	Rules           []Rule                    `yaml:"rules"`
	DirectiveQuotas map[string]DirectiveQuota `yaml:"directive_quotas"`
}

type Decision struct {
	Allowed    bool
	ReasonCode string
	Rule       string
	Message    string
}

// LaunchInput is evaluated by the Run Launcher (C2) before a Run is created.
type LaunchInput struct {
	Directive        string
	ApprovalRequired bool
	RunningRuns      int
}

// DispatchInput is evaluated by the Worker Dispatcher (C5) before a Job's
// container is spawned on a specific host.
type DispatchInput struct {
	Directive   string
	TaskKind    string
	HostName    string
	HostKind    string
	RequiresGPU bool
}

type Engine struct {
	defaultAction string
	rules         []Rule
	quotas        map[string]DirectiveQuota
	noop          bool
}

func NewAllowAll() *Engine {
	return &Engine{
		defaultAction: "allow",
		rules:         nil,
		quotas:        map[string]DirectiveQuota{},
		noop:          true,
	}
}

func LoadFromEnv() (*Engine, error) {
	path := strings.TrimSpace(os.Getenv("ORC_POLICY_FILE"))
	if path == "" {
		return NewAllowAll(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewFromConfig(cfg), nil
}

func NewFromConfig(cfg Config) *Engine {
	e := &Engine{
		defaultAction: normalizeAction(cfg.DefaultAction),
		rules:         make([]Rule, 0, len(cfg.Rules)),
		quotas:        map[string]DirectiveQuota{},
	}
	for _, r := range cfg.Rules {
		r.Effect = normalizeAction(r.Effect)
		if r.Effect == "" {
			r.Effect = "deny"
		}
		e.rules = append(e.rules, r)
	}
	for k, v := range cfg.DirectiveQuotas {
		e.quotas[strings.TrimSpace(k)] = v
	}
	if e.defaultAction == "" {
		e.defaultAction = "allow"
	}
	if e.defaultAction == "allow" && len(e.rules) == 0 && len(e.quotas) == 0 {
		e.noop = true
	}
	return e
}

func (e *Engine) IsNoop() bool { return e != nil && e.noop }

// EvaluateLaunch checks the directive-scoped quota and, if the directive
// requires approval, requires the caller to have already resolved that
// before calling (approval is tracked on the Run, not re-derived here).
func (e *Engine) EvaluateLaunch(in LaunchInput) Decision {
	directive := strings.TrimSpace(in.Directive)
	if q, ok := e.quotas[directive]; ok && q.MaxRunningRuns > 0 && in.RunningRuns >= q.MaxRunningRuns {
		return Decision{
			Allowed:    false,
			ReasonCode: "quota_running_runs_exceeded",
			Rule:       "directive_quotas." + directive,
			Message:    fmt.Sprintf("running runs %d reached max_running_runs %d", in.RunningRuns, q.MaxRunningRuns),
		}
	}
	return e.evaluateRules(RuleMatch{Directive: directive})
}

func (e *Engine) EvaluateDispatch(in DispatchInput) Decision {
	return e.evaluateRules(RuleMatch{
		Directive:   strings.TrimSpace(in.Directive),
		TaskKind:    in.TaskKind,
		HostName:    in.HostName,
		HostKind:    in.HostKind,
		RequiresGPU: &in.RequiresGPU,
	})
}

func (e *Engine) evaluateRules(input RuleMatch) Decision {
	for _, r := range e.rules {
		if !matches(r.Match, input) {
			continue
		}
		allowed := r.Effect == "allow"
		reason := "policy_rule_" + r.Effect
		if r.Reason != "" {
			reason = strings.TrimSpace(r.Reason)
		}
		msg := reason
		if r.Name != "" {
			msg = r.Name + ": " + reason
		}
		return Decision{
			Allowed:    allowed,
			ReasonCode: reason,
			Rule:       r.Name,
			Message:    msg,
		}
	}
	if e.defaultAction == "deny" {
		return Decision{
			Allowed:    false,
			ReasonCode: "default_deny",
			Rule:       "default_action",
			Message:    "request denied by default_action=deny",
		}
	}
	return Decision{
		Allowed:    true,
		ReasonCode: "default_allow",
		Rule:       "default_action",
		Message:    "request allowed by default_action=allow",
	}
}

func matches(rule RuleMatch, in RuleMatch) bool {
	if rule.Directive != "" && rule.Directive != in.Directive {
		return false
	}
	if rule.TaskKind != "" && rule.TaskKind != in.TaskKind {
		return false
	}
	if rule.HostName != "" && rule.HostName != in.HostName {
		return false
	}
	if rule.HostKind != "" && rule.HostKind != in.HostKind {
		return false
	}
	if rule.RequiresGPU != nil && *rule.RequiresGPU != derefBool(in.RequiresGPU) {
		return false
	}
	return true
}

func normalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "allow":
		return "allow"
	case "deny":
		return "deny"
	default:
		return ""
	}
}

func derefBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}
