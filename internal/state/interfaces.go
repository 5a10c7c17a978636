package state

import (
	"context"
	"time"
)

// ErrNotFound is returned by Get*/lookup operations when no row matches.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status      string
	SinceEndedAt time.Time
	Limit       int
}

// ClaimResult is what ClaimDueSchedules hands back for a single claimed row.
type ClaimResult struct {
	Schedule     ScheduleRecord
	ScheduledRun *ScheduledRunRecord // non-nil when a pending one-shot binding already exists
}

// Store is the transactional interface the rest of the orchestrator runs
// against. MemoryStore and PostgresStore both implement it.
type Store interface {
	// Directives
	CreateDirective(ctx context.Context, d DirectiveRecord) (DirectiveRecord, error)
	GetDirective(ctx context.Context, id int64) (DirectiveRecord, error)
	GetDirectiveByName(ctx context.Context, name string) (DirectiveRecord, error)
	FirstEnabledDirective(ctx context.Context) (DirectiveRecord, error)
	ListDirectives(ctx context.Context) ([]DirectiveRecord, error)
	UpdateDirective(ctx context.Context, d DirectiveRecord) error
	DeleteDirective(ctx context.Context, id int64) error

	// Runs + Jobs
	LaunchRun(ctx context.Context, run RunRecord, jobs []JobRecord, schedules []ScheduleRecord) (RunRecord, []JobRecord, error)
	GetRun(ctx context.Context, id int64) (RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	MostRecentSuccessfulRun(ctx context.Context) (RunRecord, bool, error)
	RunsEndedAfter(ctx context.Context, t time.Time) ([]RunRecord, error)
	UpdateRun(ctx context.Context, run RunRecord) error
	ListJobsByRun(ctx context.Context, runID int64) ([]JobRecord, error)
	GetJob(ctx context.Context, id int64) (JobRecord, error)
	UpdateJob(ctx context.Context, job JobRecord) error

	// Schedules + claim loop primitives
	CreateSchedule(ctx context.Context, s ScheduleRecord) (ScheduleRecord, error)
	GetSchedule(ctx context.Context, id int64) (ScheduleRecord, error)
	ListSchedules(ctx context.Context) ([]ScheduleRecord, error)
	UpdateSchedule(ctx context.Context, s ScheduleRecord) error
	DeleteSchedule(ctx context.Context, id int64) error
	// ClaimDueSchedules claims up to max rows where enabled, due, and
	// unclaimed (or claim expired), setting claimed_by/claimed_until in
	// the same transaction. Ordered by next_run_at ascending.
	ClaimDueSchedules(ctx context.Context, now time.Time, claimant string, ttl time.Duration, max int) ([]ClaimResult, error)
	ReleaseClaim(ctx context.Context, scheduleID int64) error
	PushBack(ctx context.Context, scheduleID int64, nextRunAt time.Time) error

	CreateScheduledRun(ctx context.Context, sr ScheduledRunRecord) (ScheduledRunRecord, error)
	PendingScheduledRunFor(ctx context.Context, scheduleID int64) (ScheduledRunRecord, bool, error)
	UpdateScheduledRun(ctx context.Context, sr ScheduledRunRecord) error
	ListScheduledRunHistory(ctx context.Context, scheduleID int64, limit int) ([]ScheduledRunRecord, error)

	CreateJobTemplate(ctx context.Context, jt JobTemplateRecord) (JobTemplateRecord, error)
	GetJobTemplate(ctx context.Context, id int64) (JobTemplateRecord, error)

	// Counting for concurrency gates
	CountRunningByTaskKind(ctx context.Context, taskKind string) (int, error)
	CountRunning(ctx context.Context) (int, error)

	// WorkerHosts
	CreateWorkerHost(ctx context.Context, h WorkerHostRecord) (WorkerHostRecord, error)
	GetWorkerHost(ctx context.Context, id int64) (WorkerHostRecord, error)
	ListWorkerHosts(ctx context.Context) ([]WorkerHostRecord, error)
	UpdateWorkerHost(ctx context.Context, h WorkerHostRecord) error
	DeleteWorkerHost(ctx context.Context, id int64) error
	// IncrementActiveRuns increments iff enabled && healthy && (max_concurrency
	// is 0, meaning no limit, or count < max_concurrency). Returns false when
	// the precondition fails.
	IncrementActiveRuns(ctx context.Context, hostID int64) (bool, error)
	DecrementActiveRuns(ctx context.Context, hostID int64) error
	SetHostHealth(ctx context.Context, hostID int64, healthy bool, lastSeenAt *time.Time) error

	// Allowlists
	UpsertContainerAllowlist(ctx context.Context, c ContainerAllowlistRecord) error
	ListContainerAllowlist(ctx context.Context) ([]ContainerAllowlistRecord, error)
	DeleteContainerAllowlist(ctx context.Context, containerID string) error
	UpsertImageAllowlist(ctx context.Context, i WorkerImageAllowlistRecord) (WorkerImageAllowlistRecord, error)
	ListImageAllowlist(ctx context.Context) ([]WorkerImageAllowlistRecord, error)
	FindAllowedImage(ctx context.Context, image, tag string) (WorkerImageAllowlistRecord, bool, error)
	DeleteImageAllowlist(ctx context.Context, id int64) error

	// GPU state
	UpsertGPUDevice(ctx context.Context, g GPUDeviceRecord) error
	ListGPUDevices(ctx context.Context, hostID int64) ([]GPUDeviceRecord, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a RunArtifactRecord) (RunArtifactRecord, error)
	ListArtifactsByRun(ctx context.Context, runID int64) ([]RunArtifactRecord, error)
	GetArtifact(ctx context.Context, id int64) (RunArtifactRecord, error)

	// LLM telemetry
	CreateLLMCall(ctx context.Context, c LLMCallRecord) (LLMCallRecord, error)
	ListLLMCallsByJob(ctx context.Context, jobID int64) ([]LLMCallRecord, error)
	TokenStatsByModel(ctx context.Context) (map[string]TokenStats, error)

	// Audit
	AppendWorkerAudit(ctx context.Context, a WorkerAuditRecord) error
	ListWorkerAudit(ctx context.Context, runID int64) ([]WorkerAuditRecord, error)
}

// TokenStats aggregates LLMCall rows grouped by model for §6.1 token-stats.
type TokenStats struct {
	ModelID          string
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}
