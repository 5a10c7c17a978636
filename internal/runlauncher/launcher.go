// Package runlauncher implements the Run Launcher (C2): it validates a
// launch request against a Directive, snapshots the Directive by value, and
// creates the Run/Job/Schedule/ScheduledRun rows that make the work due for
// the claim loop to pick up.
package runlauncher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
	"github.com/malgorath/cyberbrain-orchestrator/internal/policy"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
	"go.opentelemetry.io/otel/attribute"
)

// Kind identifies a stable error kind from spec §7.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindDirectiveNotFound Kind = "directive_not_found"
	KindHostNotFound     Kind = "host_not_found"
)

// Error carries a stable kind alongside a short message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func fail(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

type Request struct {
	DirectiveID         *int64
	Tasks               []string
	TargetHostID        *int64
	UseRAG              bool
	CustomDirectiveText string
}

type Launcher struct {
	store  state.Store
	policy *policy.Engine
}

func New(store state.Store, p *policy.Engine) *Launcher {
	if p == nil {
		p = policy.NewAllowAll()
	}
	return &Launcher{store: store, policy: p}
}

// Launch validates req, resolves the directive, snapshots it, and creates
// the Run and its Jobs in one Store call (LaunchRun), then one one-shot
// Schedule per Job and its ScheduledRun binding in separate Store calls.
// These calls do not share a transaction: if a later one fails, Launch
// returns the error and the rows already written stay in place. It never
// dispatches.
func (l *Launcher) Launch(ctx context.Context, req Request) (state.RunRecord, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.launch_run")
	defer span.End()

	directive, err := l.resolveDirective(ctx, req.DirectiveID)
	if err != nil {
		return state.RunRecord{}, err
	}

	tasks := req.Tasks
	if len(tasks) == 0 {
		tasks = directive.TaskList
	}
	if len(tasks) == 0 {
		return state.RunRecord{}, fail(KindValidation, "tasks must be non-empty when the directive's task_list is also empty")
	}
	if err := validateTasksSubsetOf(tasks, directive.TaskList); err != nil {
		return state.RunRecord{}, err
	}

	if req.TargetHostID != nil {
		host, err := l.store.GetWorkerHost(ctx, *req.TargetHostID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return state.RunRecord{}, fail(KindHostNotFound, "worker host %d not found", *req.TargetHostID)
			}
			return state.RunRecord{}, err
		}
		_ = host
	}

	if !l.policy.IsNoop() {
		running, err := l.store.CountRunning(ctx)
		if err != nil {
			return state.RunRecord{}, err
		}
		decision := l.policy.EvaluateLaunch(policy.LaunchInput{
			Directive:        directive.Name,
			ApprovalRequired: directive.ApprovalRequired,
			RunningRuns:      running,
		})
		if !decision.Allowed {
			return state.RunRecord{}, fail(KindValidation, "policy denied launch: %s", decision.ReasonCode)
		}
	}

	now := time.Now().UTC()
	snapshot := state.DirectiveSnapshot{
		DirectiveID:       directive.ID,
		Name:              directive.Name,
		TaskConfig:        directive.TaskConfig,
		TaskList:          directive.TaskList,
		ApprovalRequired:  directive.ApprovalRequired,
		MaxConcurrentRuns: directive.MaxConcurrentRuns,
		Version:           directive.Version,
	}

	approval := state.ApprovalNone
	if directive.ApprovalRequired {
		approval = state.ApprovalPending
	}

	run := state.RunRecord{
		DirectiveID:       &directive.ID,
		DirectiveSnapshot: snapshot,
		Status:            state.RunPending,
		ApprovalStatus:    approval,
		WorkerHostID:      req.TargetHostID,
		UseRAG:            req.UseRAG,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	jobs := make([]state.JobRecord, 0, len(tasks))
	for _, kind := range tasks {
		jobs = append(jobs, state.JobRecord{
			TaskKind:  kind,
			Required:  true,
			Status:    state.JobPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	created, _, err := l.store.LaunchRun(ctx, run, jobs, nil)
	if err != nil {
		return state.RunRecord{}, err
	}

	// One one-shot Schedule per task kind, bound to this Run via a
	// ScheduledRun, so the claim loop picks it up within one poll period.
	for _, kind := range tasks {
		template, err := l.store.CreateJobTemplate(ctx, state.JobTemplateRecord{
			Name:     fmt.Sprintf("%s-%d", kind, now.UnixNano()),
			TaskKind: kind,
		})
		if err != nil {
			return state.RunRecord{}, err
		}
		schedule, err := l.store.CreateSchedule(ctx, state.ScheduleRecord{
			Name:                fmt.Sprintf("one-shot-%s-%d", kind, now.UnixNano()),
			JobTemplateID:       template.ID,
			DirectiveID:         &directive.ID,
			CustomDirectiveText: req.CustomDirectiveText,
			Enabled:             true,
			Kind:                state.ScheduleInterval,
			NextRunAt:           now,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
		if err != nil {
			return state.RunRecord{}, err
		}
		if _, err := l.store.CreateScheduledRun(ctx, state.ScheduledRunRecord{
			ScheduleID: schedule.ID,
			RunID:      created.ID,
			Status:     state.ScheduledRunPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return state.RunRecord{}, err
		}
	}

	span.SetAttributes(attribute.Int64("run.id", created.ID), attribute.Int("run.job_count", len(jobs)))
	observability.Default.IncCounter("orchestrator_runs_launched_total", map[string]string{"directive": directive.Name}, 1)
	return created, nil
}

func (l *Launcher) resolveDirective(ctx context.Context, id *int64) (state.DirectiveRecord, error) {
	if id != nil {
		d, err := l.store.GetDirective(ctx, *id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return state.DirectiveRecord{}, fail(KindDirectiveNotFound, "directive %d not found", *id)
			}
			return state.DirectiveRecord{}, err
		}
		return d, nil
	}
	d, err := l.store.FirstEnabledDirective(ctx)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.DirectiveRecord{}, fail(KindDirectiveNotFound, "no enabled directive available and none specified")
		}
		return state.DirectiveRecord{}, err
	}
	return d, nil
}

func validateTasksSubsetOf(tasks, allowed []string) error {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	for _, t := range tasks {
		if t == "" {
			return fail(KindValidation, "task kind must not be empty")
		}
		if len(allowed) == 0 {
			continue
		}
		if _, ok := allowedSet[t]; !ok {
			return fail(KindValidation, "task kind %q is not in the directive's task_list", t)
		}
	}
	return nil
}
