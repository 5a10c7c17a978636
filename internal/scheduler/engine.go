// Package scheduler implements the Claim Loop (C3): a single-threaded
// cooperative tick that claims due Schedules, enforces the concurrency
// gate, resolves or creates the Run to dispatch, hands it to the Worker
// Dispatcher, and records recurrence.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/malgorath/cyberbrain-orchestrator/internal/dispatcher"
	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultBatchSize   = 16
	defaultClaimTTL    = 120 * time.Second
	defaultTickPeriod  = 20 * time.Second
	concurrencyBackoff = 60 * time.Second
)

type Options struct {
	ClaimantID string
	ClaimTTL   time.Duration
	BatchSize  int
	TickPeriod time.Duration
}

type Engine struct {
	store      state.Store
	dispatcher *dispatcher.Dispatcher
	claimant   string
	ttl        time.Duration
	batchSize  int
	tickPeriod time.Duration
}

func NewEngine(store state.Store, d *dispatcher.Dispatcher, opts Options) *Engine {
	ttl := opts.ClaimTTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	period := opts.TickPeriod
	if period <= 0 {
		period = defaultTickPeriod
	}
	claimant := strings.TrimSpace(opts.ClaimantID)
	if claimant == "" {
		claimant = fmt.Sprintf("scheduler-%d", time.Now().UnixNano())
	}
	return &Engine{store: store, dispatcher: d, claimant: claimant, ttl: ttl, batchSize: batch, tickPeriod: period}
}

// Run ticks on a period until ctx is cancelled. A tick never panics out of
// the loop: safeTick recovers a panic and counts it in
// orchestrator_scheduler_tick_panics_total without writing a row. A panic
// during a Run's dispatch is recovered by the dispatcher itself and
// recorded as `internal` on that Run.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickPeriod)
	defer ticker.Stop()
	for {
		e.safeTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observability.Default.IncCounter("orchestrator_scheduler_tick_panics_total", nil, 1)
		}
	}()
	if err := e.Tick(ctx); err != nil {
		observability.Default.IncCounter("orchestrator_scheduler_tick_errors_total", nil, 1)
	}
}

// Tick runs exactly one claim-loop iteration.
func (e *Engine) Tick(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "orchestrator.claim_tick")
	defer span.End()

	now := time.Now().UTC()
	claims, err := e.store.ClaimDueSchedules(ctx, now, e.claimant, e.ttl, e.batchSize)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("claims.count", len(claims)))
	for _, claim := range claims {
		e.processClaim(ctx, now, claim)
	}
	return nil
}

func (e *Engine) processClaim(ctx context.Context, now time.Time, claim state.ClaimResult) {
	schedule := claim.Schedule

	allowed, err := e.concurrencyGateAllows(ctx, schedule)
	if err != nil {
		observability.Default.IncCounter("orchestrator_scheduler_gate_errors_total", nil, 1)
		_ = e.store.ReleaseClaim(ctx, schedule.ID)
		return
	}
	if !allowed {
		_ = e.store.PushBack(ctx, schedule.ID, now.Add(concurrencyBackoff))
		_ = e.store.ReleaseClaim(ctx, schedule.ID)
		observability.Default.IncCounter("orchestrator_scheduler_concurrency_deferred_total", nil, 1)
		return
	}

	run, scheduledRun, err := e.resolveRun(ctx, now, claim)
	if err != nil {
		e.recordScheduledRunError(ctx, scheduledRun, err)
		_ = e.store.ReleaseClaim(ctx, schedule.ID)
		return
	}

	if run.Status == state.RunCancelled {
		e.finishScheduledRun(ctx, scheduledRun, state.ScheduledRunFinished, "cancelled before dispatch")
		e.advanceRecurrence(ctx, now, schedule)
		_ = e.store.ReleaseClaim(ctx, schedule.ID)
		return
	}

	e.dispatchRun(ctx, run, scheduledRun)
	e.advanceRecurrence(ctx, now, schedule)
	_ = e.store.ReleaseClaim(ctx, schedule.ID)
}

// concurrencyGateAllows checks max_global/max_per_job per spec.md §4.3 step 2.
func (e *Engine) concurrencyGateAllows(ctx context.Context, s state.ScheduleRecord) (bool, error) {
	if s.MaxGlobal != nil {
		running, err := e.store.CountRunning(ctx)
		if err != nil {
			return false, err
		}
		if running >= *s.MaxGlobal {
			return false, nil
		}
	}
	if s.MaxPerJob != nil {
		template, err := e.store.GetJobTemplate(ctx, s.JobTemplateID)
		if err != nil {
			return false, err
		}
		running, err := e.store.CountRunningByTaskKind(ctx, template.TaskKind)
		if err != nil {
			return false, err
		}
		if running >= *s.MaxPerJob {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) resolveRun(ctx context.Context, now time.Time, claim state.ClaimResult) (state.RunRecord, *state.ScheduledRunRecord, error) {
	if claim.ScheduledRun != nil {
		run, err := e.store.GetRun(ctx, claim.ScheduledRun.RunID)
		if err != nil {
			return state.RunRecord{}, claim.ScheduledRun, err
		}
		return run, claim.ScheduledRun, nil
	}

	// Recurring schedule with no pending one-shot binding: create a fresh
	// Run + one Job from the schedule's job template and resolved directive.
	schedule := claim.Schedule
	template, err := e.store.GetJobTemplate(ctx, schedule.JobTemplateID)
	if err != nil {
		return state.RunRecord{}, nil, err
	}
	directive, err := e.resolveScheduleDirective(ctx, schedule)
	if err != nil {
		return state.RunRecord{}, nil, err
	}
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
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	job := state.JobRecord{
		TaskKind:  template.TaskKind,
		Required:  true,
		Status:    state.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, _, err := e.store.LaunchRun(ctx, run, []state.JobRecord{job}, nil)
	if err != nil {
		return state.RunRecord{}, nil, err
	}
	scheduledRun, err := e.store.CreateScheduledRun(ctx, state.ScheduledRunRecord{
		ScheduleID: schedule.ID,
		RunID:      created.ID,
		Status:     state.ScheduledRunPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return state.RunRecord{}, nil, err
	}
	return created, &scheduledRun, nil
}

func (e *Engine) resolveScheduleDirective(ctx context.Context, s state.ScheduleRecord) (state.DirectiveRecord, error) {
	if s.DirectiveID != nil {
		return e.store.GetDirective(ctx, *s.DirectiveID)
	}
	return e.store.FirstEnabledDirective(ctx)
}

func (e *Engine) dispatchRun(ctx context.Context, run state.RunRecord, scheduledRun *state.ScheduledRunRecord) {
	now := time.Now().UTC()
	run.Status = state.RunRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.recordScheduledRunError(ctx, scheduledRun, err)
		return
	}
	if scheduledRun != nil {
		scheduledRun.Status = state.ScheduledRunStarted
		scheduledRun.StartedAt = &now
		scheduledRun.UpdatedAt = now
		_ = e.store.UpdateScheduledRun(ctx, *scheduledRun)
	}

	result := e.dispatcher.DispatchRun(ctx, run)

	finished := time.Now().UTC()
	if scheduledRun != nil {
		scheduledRun.Status = state.ScheduledRunFinished
		if result.Err != nil {
			scheduledRun.Status = state.ScheduledRunFailed
			scheduledRun.Error = result.Err.Error()
		}
		scheduledRun.FinishedAt = &finished
		scheduledRun.UpdatedAt = finished
		_ = e.store.UpdateScheduledRun(ctx, *scheduledRun)
	}
}

func (e *Engine) advanceRecurrence(ctx context.Context, now time.Time, s state.ScheduleRecord) {
	// One-shot schedules (interval=nil, no cron) never run again.
	if s.Kind == state.ScheduleInterval && s.IntervalMinutes == nil && s.CronExpr == "" {
		s.LastRunAt = &now
		s.NextRunAt = now.AddDate(100, 0, 0)
		s.UpdatedAt = now
		_ = e.store.UpdateSchedule(ctx, s)
		return
	}
	next := now
	switch s.Kind {
	case state.ScheduleCron:
		loc := time.UTC
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		schedule, err := cron.ParseStandard(s.CronExpr)
		if err == nil {
			next = schedule.Next(now.In(loc)).UTC()
		} else {
			next = now.Add(time.Hour)
		}
	default:
		minutes := 60
		if s.IntervalMinutes != nil && *s.IntervalMinutes > 0 {
			minutes = *s.IntervalMinutes
		}
		next = now.Add(time.Duration(minutes) * time.Minute)
	}
	s.LastRunAt = &now
	s.NextRunAt = next
	s.UpdatedAt = now
	_ = e.store.UpdateSchedule(ctx, s)
}

func (e *Engine) finishScheduledRun(ctx context.Context, sr *state.ScheduledRunRecord, status, reason string) {
	if sr == nil {
		return
	}
	now := time.Now().UTC()
	sr.Status = status
	sr.Error = reason
	sr.FinishedAt = &now
	sr.UpdatedAt = now
	_ = e.store.UpdateScheduledRun(ctx, *sr)
}

func (e *Engine) recordScheduledRunError(ctx context.Context, sr *state.ScheduledRunRecord, err error) {
	observability.Default.IncCounter("orchestrator_scheduler_claim_errors_total", nil, 1)
	if sr == nil {
		return
	}
	now := time.Now().UTC()
	sr.Status = state.ScheduledRunFailed
	sr.Error = err.Error()
	sr.FinishedAt = &now
	sr.UpdatedAt = now
	_ = e.store.UpdateScheduledRun(ctx, *sr)
}
