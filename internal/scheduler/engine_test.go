package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/dispatcher"
	"github.com/malgorath/cyberbrain-orchestrator/internal/dockerengine"
	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter"
	"github.com/malgorath/cyberbrain-orchestrator/internal/models"
	"github.com/malgorath/cyberbrain-orchestrator/internal/policy"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	fake := dockerengine.NewFake()
	router := hostrouter.New(store, hostrouter.Options{}).WithDialOverride(func(string) (dockerengine.Interface, error) {
		return fake, nil
	})
	d := dispatcher.New(store, router, models.NewDefaultRouter(), policy.NewAllowAll(), dispatcher.Options{ArtifactRoot: t.TempDir()})
	return NewEngine(store, d, opts), store
}

func mustCreateDirective(t *testing.T, store state.Store, taskList ...string) state.DirectiveRecord {
	t.Helper()
	d, err := store.CreateDirective(context.Background(), state.DirectiveRecord{
		Name:     "nightly",
		TaskList: taskList,
	})
	if err != nil {
		t.Fatalf("CreateDirective: %v", err)
	}
	return d
}

func mustCreateJobTemplate(t *testing.T, store state.Store, taskKind string) state.JobTemplateRecord {
	t.Helper()
	jt, err := store.CreateJobTemplate(context.Background(), state.JobTemplateRecord{
		Name:     taskKind,
		TaskKind: taskKind,
	})
	if err != nil {
		t.Fatalf("CreateJobTemplate: %v", err)
	}
	return jt
}

// Scenario 3: a schedule that would exceed max_global is pushed back to
// now+60s and released, not left claimed, and the run it would have
// started is never created.
func TestTickConcurrencyGateDefersSchedule(t *testing.T) {
	engine, store := newTestEngine(t, Options{})
	now := time.Now().UTC()

	already := state.RunRecord{Status: state.RunRunning, CreatedAt: now, UpdatedAt: now}
	created, _, err := store.LaunchRun(context.Background(), already, []state.JobRecord{{
		TaskKind: state.TaskLogTriage, Required: true, Status: state.JobRunning, CreatedAt: now, UpdatedAt: now,
	}}, nil)
	if err != nil {
		t.Fatalf("LaunchRun: %v", err)
	}

	directive := mustCreateDirective(t, store, state.TaskLogTriage)
	template := mustCreateJobTemplate(t, store, state.TaskLogTriage)
	maxGlobal := 1
	sched, err := store.CreateSchedule(context.Background(), state.ScheduleRecord{
		Name:          "every-hour",
		JobTemplateID: template.ID,
		DirectiveID:   &directive.ID,
		Enabled:       true,
		Kind:          state.ScheduleInterval,
		MaxGlobal:     &maxGlobal,
		NextRunAt:     now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.ClaimedBy != "" || got.ClaimedUntil != nil {
		t.Fatalf("expected a deferred schedule to be released, got claimed_by=%q claimed_until=%v", got.ClaimedBy, got.ClaimedUntil)
	}
	if !got.NextRunAt.After(now.Add(50 * time.Second)) {
		t.Fatalf("expected next_run_at pushed back ~60s, got %v (now=%v)", got.NextRunAt, now)
	}

	runs, err := store.ListRuns(context.Background(), state.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != created.ID {
		t.Fatalf("expected the concurrency gate to block creation of a second run, got %+v", runs)
	}
}

// Scenario 4: a schedule claimed by one claimant cannot be re-claimed by
// another before its claim TTL elapses, and becomes claimable once it
// does — the crash-safety property the claim loop depends on.
func TestClaimDueSchedulesRespectsTTL(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()

	directive := mustCreateDirective(t, store, state.TaskLogTriage)
	template := mustCreateJobTemplate(t, store, state.TaskLogTriage)
	_, err := store.CreateSchedule(context.Background(), state.ScheduleRecord{
		Name:          "every-hour",
		JobTemplateID: template.ID,
		DirectiveID:   &directive.ID,
		Enabled:       true,
		Kind:          state.ScheduleInterval,
		NextRunAt:     now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	first, err := store.ClaimDueSchedules(context.Background(), now, "worker-a", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueSchedules (first): %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected exactly one claim, got %d", len(first))
	}

	// A second claimant ticking moments later must not re-claim the same
	// row: its claimed_until has not elapsed yet.
	second, err := store.ClaimDueSchedules(context.Background(), now.Add(5*time.Second), "worker-b", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueSchedules (second): %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected the still-claimed schedule to be invisible to a second claimant, got %d", len(second))
	}

	// Simulate worker-a crashing without releasing: once the TTL has
	// elapsed the row becomes claimable again.
	third, err := store.ClaimDueSchedules(context.Background(), now.Add(2*time.Minute), "worker-c", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueSchedules (third): %v", err)
	}
	if len(third) != 1 {
		t.Fatalf("expected the expired claim to be recoverable, got %d", len(third))
	}
}

func TestAdvanceRecurrenceOneShotNeverRepeats(t *testing.T) {
	engine, store := newTestEngine(t, Options{})
	now := time.Now().UTC()
	sched, err := store.CreateSchedule(context.Background(), state.ScheduleRecord{
		Name: "once", Enabled: true, Kind: state.ScheduleInterval, NextRunAt: now,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	engine.advanceRecurrence(context.Background(), now, sched)

	got, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !got.NextRunAt.After(now.AddDate(50, 0, 0)) {
		t.Fatalf("expected a one-shot schedule to never come due again, got next_run_at=%v", got.NextRunAt)
	}
}

func TestAdvanceRecurrenceIntervalAdvancesByMinutes(t *testing.T) {
	engine, store := newTestEngine(t, Options{})
	now := time.Now().UTC()
	minutes := 30
	sched, err := store.CreateSchedule(context.Background(), state.ScheduleRecord{
		Name: "every-30m", Enabled: true, Kind: state.ScheduleInterval, IntervalMinutes: &minutes, NextRunAt: now,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	engine.advanceRecurrence(context.Background(), now, sched)

	got, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	want := now.Add(30 * time.Minute)
	if !got.NextRunAt.Equal(want) {
		t.Fatalf("expected next_run_at=%v, got %v", want, got.NextRunAt)
	}
}

func TestAdvanceRecurrenceCronAdvancesToNextMatch(t *testing.T) {
	engine, store := newTestEngine(t, Options{})
	// Pin "now" to a known instant so the cron expression's next match is
	// deterministic: top-of-hour, every hour.
	now := time.Date(2026, 8, 6, 14, 17, 0, 0, time.UTC)
	sched, err := store.CreateSchedule(context.Background(), state.ScheduleRecord{
		Name: "hourly", Enabled: true, Kind: state.ScheduleCron, CronExpr: "0 * * * *", NextRunAt: now,
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	engine.advanceRecurrence(context.Background(), now, sched)

	got, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	want := time.Date(2026, 8, 6, 15, 0, 0, 0, time.UTC)
	if !got.NextRunAt.Equal(want) {
		t.Fatalf("expected next_run_at=%v, got %v", want, got.NextRunAt)
	}
}

// A full tick on a recurring schedule with no pending one-shot binding
// creates a fresh Run + Job from the job template/directive, dispatches
// it, and advances recurrence — exercising resolveRun's create path.
func TestTickCreatesAndDispatchesRunForRecurringSchedule(t *testing.T) {
	engine, store := newTestEngine(t, Options{})
	now := time.Now().UTC()

	directive := mustCreateDirective(t, store, state.TaskLogTriage)
	template := mustCreateJobTemplate(t, store, state.TaskLogTriage)
	minutes := 60
	sched, err := store.CreateSchedule(context.Background(), state.ScheduleRecord{
		Name:            "hourly-triage",
		JobTemplateID:   template.ID,
		DirectiveID:     &directive.ID,
		Enabled:         true,
		Kind:            state.ScheduleInterval,
		IntervalMinutes: &minutes,
		NextRunAt:       now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	runs, err := store.ListRuns(context.Background(), state.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run created, got %d", len(runs))
	}
	if runs[0].DirectiveID == nil || *runs[0].DirectiveID != directive.ID {
		t.Fatalf("expected the run to carry the schedule's directive, got %+v", runs[0])
	}

	history, err := store.ListScheduledRunHistory(context.Background(), sched.ID, 10)
	if err != nil {
		t.Fatalf("ListScheduledRunHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one scheduled-run history row, got %d", len(history))
	}

	got, err := store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.ClaimedBy != "" || got.ClaimedUntil != nil {
		t.Fatalf("expected the claim to be released after the tick, got claimed_by=%q", got.ClaimedBy)
	}
	if !got.NextRunAt.After(now) {
		t.Fatalf("expected recurrence to advance past now, got %v", got.NextRunAt)
	}
}
