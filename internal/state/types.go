package state

import "time"

// Run statuses. The lattice is one-way: pending -> running -> terminal.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSuccess   = "success"
	RunFailed    = "failed"
	RunPartial   = "partial"
	RunCancelled = "cancelled"
)

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// Approval statuses for a Run.
const (
	ApprovalNone     = "none"
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Task kinds. The semantic names from the spec, not source task1/2/3.
const (
	TaskLogTriage  = "log_triage"
	TaskGPUReport  = "gpu_report"
	TaskServiceMap = "service_map"
)

// Schedule kinds.
const (
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// Task3 scope values.
const (
	ScopeAllowlist = "allowlist"
	ScopeAll       = "all"
)

// ScheduledRun statuses.
const (
	ScheduledRunPending  = "pending"
	ScheduledRunStarted  = "started"
	ScheduledRunFinished = "finished"
	ScheduledRunFailed   = "failed"
)

// WorkerHost kinds.
const (
	HostLocalSocket = "local_socket"
	HostRemoteTCP   = "remote_tcp"
)

// RunArtifact kinds.
const (
	ArtifactLog    = "log"
	ArtifactReport = "report"
	ArtifactData   = "data"
	ArtifactOther  = "other"
)

// WorkerAudit operations.
const (
	AuditSpawn  = "spawn"
	AuditStart  = "start"
	AuditStop   = "stop"
	AuditRemove = "remove"
	AuditError  = "error"
)

// DirectiveRecord is a named configuration snapshot-source. Mutated only by
// operators; cited by value at Run launch time and never retroactively.
type DirectiveRecord struct {
	ID                int64
	Name              string
	TaskConfig        map[string]any
	TaskList          []string
	ApprovalRequired  bool
	MaxConcurrentRuns int
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DirectiveSnapshot is the immutable, by-value capture of a DirectiveRecord
// a Run carries for its entire lifetime.
type DirectiveSnapshot struct {
	DirectiveID       int64          `json:"directive_id"`
	Name              string         `json:"name"`
	TaskConfig        map[string]any `json:"task_config"`
	TaskList          []string       `json:"task_list"`
	ApprovalRequired  bool           `json:"approval_required"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs"`
	Version           int64          `json:"version"`
}

// RunRecord is a single orchestrated execution.
type RunRecord struct {
	ID                int64
	DirectiveID       *int64
	DirectiveSnapshot DirectiveSnapshot
	Status            string
	ApprovalStatus    string
	ApprovedBy        string
	ApprovedAt        *time.Time
	WorkerHostID      *int64
	UseRAG            bool
	PromptTokens      int64
	CompletionTokens  int64
	TotalTokens       int64
	StartedAt         *time.Time
	EndedAt           *time.Time
	ReportMarkdown    string
	ReportJSON        map[string]any
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// JobRecord is a single task within a Run.
type JobRecord struct {
	ID           int64
	RunID        int64
	TaskKind     string
	Required     bool
	Status       string
	StartedAt    *time.Time
	EndedAt      *time.Time
	Result       map[string]any
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobTemplateRecord names the task kind a Schedule dispatches, independent
// of any one Run.
type JobTemplateRecord struct {
	ID       int64
	Name     string
	TaskKind string
}

// ScheduleRecord is a due-time pointer consumed by the claim loop.
type ScheduleRecord struct {
	ID                  int64
	Name                string
	JobTemplateID       int64
	DirectiveID         *int64
	CustomDirectiveText string
	Enabled             bool
	Kind                string
	IntervalMinutes     *int
	CronExpr            string
	Timezone            string
	Task3Scope          string
	MaxGlobal           *int
	MaxPerJob           *int
	LastRunAt           *time.Time
	NextRunAt           time.Time
	ClaimedBy           string
	ClaimedUntil        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ScheduledRunRecord binds a Schedule to the Run it produced/will produce.
type ScheduledRunRecord struct {
	ID         int64
	ScheduleID int64
	RunID      int64
	Status     string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SSHConfig holds remote-tunnel credentials for a WorkerHost. Never
// serialized by any read surface — see WorkerHostRecord.HasSSHConfig.
type SSHConfig struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

// WorkerHostCapabilities describes what a host can run.
type WorkerHostCapabilities struct {
	GPUs           bool     `json:"gpus"`
	GPUCount       int      `json:"gpu_count"`
	MaxConcurrency int      `json:"max_concurrency"`
	Labels         []string `json:"labels"`
}

// WorkerHostRecord is a Docker endpoint the dispatcher may use.
type WorkerHostRecord struct {
	ID              int64
	Name            string
	Kind            string
	EndpointURL     string
	Capabilities    WorkerHostCapabilities
	SSH             *SSHConfig
	Enabled         bool
	Healthy         bool
	ActiveRunsCount int
	LastSeenAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasSSHConfig reports whether SSH tunnel credentials are configured,
// without exposing them.
func (w WorkerHostRecord) HasSSHConfig() bool {
	return w.SSH != nil
}

// ContainerAllowlistRecord is a container identity permitted for log
// triage / service map inspection on a host.
type ContainerAllowlistRecord struct {
	ContainerID string
	Name        string
	Description string
	Enabled     bool
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkerImageAllowlistRecord is an (image, tag) pair the dispatcher may
// spawn.
type WorkerImageAllowlistRecord struct {
	ID                int64
	Image             string
	Tag               string
	Description       string
	Enabled           bool
	RequiresGPU       bool
	MinVRAMMB         int
	AllowsCPUFallback bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GPUDeviceRecord is a per-host, per-device VRAM/utilization record.
type GPUDeviceRecord struct {
	HostID             int64
	DeviceIndex        int
	Name               string
	TotalVRAMMB        int
	UsedVRAMMB         int
	FreeVRAMMB         int
	UtilizationPercent float64
	ActiveWorkers      int
	UpdatedAt          time.Time
}

// SchedulingScore is the weighted-blend score from spec.md §4.5: lower
// wins. 0.6*(used/total) + 0.4*(util/100).
func (g GPUDeviceRecord) SchedulingScore() float64 {
	usedRatio := 0.0
	if g.TotalVRAMMB > 0 {
		usedRatio = float64(g.UsedVRAMMB) / float64(g.TotalVRAMMB)
	}
	return 0.6*usedRatio + 0.4*(g.UtilizationPercent/100.0)
}

// RunArtifactRecord is metadata about a file a worker produced. Content is
// never stored.
type RunArtifactRecord struct {
	ID        int64
	RunID     int64
	Kind      string
	Path      string
	ByteSize  int64
	MIMEType  string
	CreatedAt time.Time
}

// LLMCallRecord is per-model telemetry. No column may hold prompt or
// response text.
type LLMCallRecord struct {
	ID               int64
	JobID            int64
	ModelID          string
	Endpoint         string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	DurationMS       int64
	Success          bool
	ErrorKind        string
	CreatedAt        time.Time
}

// WorkerAuditRecord is an append-only dispatcher action log entry.
type WorkerAuditRecord struct {
	ID             int64
	RunID          int64
	JobID          int64
	Operation      string
	ContainerID    string
	Image          string
	ChosenGPU      string
	GPUReason      string
	ConfigSnapshot map[string]any
	Success        bool
	ErrorMessage   string
	CreatedAt      time.Time
}
