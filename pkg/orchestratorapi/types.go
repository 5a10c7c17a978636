// Package orchestratorapi holds the wire types shared by the Read API
// (internal/api) and its CLI client (cmd/orchestratorctl). Adapted from the
// teacher's pkg/daefapi request/response split for a job-queue surface down
// to the Run/Job/Schedule/Host surface this orchestrator actually exposes.
package orchestratorapi

import "time"

// ErrorResponse is the stable error envelope from spec.md §6.1/§7: every
// failure carries a kind plus a short, non-sensitive message.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

type LaunchRunRequest struct {
	DirectiveID         *int64   `json:"directive_id,omitempty"`
	Tasks               []string `json:"tasks,omitempty"`
	TargetHostID        *int64   `json:"target_host_id,omitempty"`
	UseRAG              bool     `json:"use_rag,omitempty"`
	CustomDirectiveText string   `json:"custom_directive_text,omitempty"`
}

type RunSummary struct {
	ID               int64      `json:"id"`
	Status           string     `json:"status"`
	ApprovalStatus   string     `json:"approval_status"`
	DirectiveName    string     `json:"directive_name"`
	WorkerHostID     *int64     `json:"worker_host_id,omitempty"`
	JobCount         int        `json:"job_count"`
	SuccessJobCount  int        `json:"success_job_count"`
	FailedJobCount   int        `json:"failed_job_count"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	TotalTokens      int64      `json:"total_tokens"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type JobSummary struct {
	ID           int64      `json:"id"`
	TaskKind     string     `json:"task_kind"`
	Required     bool       `json:"required"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type RunDetail struct {
	RunSummary
	Jobs           []JobSummary   `json:"jobs"`
	ReportMarkdown string         `json:"report_markdown,omitempty"`
	ReportJSON     map[string]any `json:"report_json,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

type ListRunsResponse struct {
	Returned int          `json:"returned"`
	Runs     []RunSummary `json:"runs"`
}

type RunReportResponse struct {
	RunID          int64          `json:"run_id"`
	Status         string         `json:"status"`
	ReportMarkdown string         `json:"report_markdown"`
	ReportJSON     map[string]any `json:"report_json,omitempty"`
}

type SinceLastSuccessResponse struct {
	LastSuccess *RunSummary  `json:"last_success,omitempty"`
	RunsSince   []RunSummary `json:"runs_since"`
}

type ArtifactMeta struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	ByteSize  int64     `json:"byte_size"`
	MIMEType  string    `json:"mime_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ListArtifactsResponse struct {
	Returned  int            `json:"returned"`
	Artifacts []ArtifactMeta `json:"artifacts"`
}

type DirectiveRequest struct {
	Name              string         `json:"name"`
	TaskConfig        map[string]any `json:"task_config,omitempty"`
	TaskList          []string       `json:"task_list,omitempty"`
	ApprovalRequired  bool           `json:"approval_required,omitempty"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs,omitempty"`
}

type DirectiveResponse struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	TaskConfig        map[string]any `json:"task_config,omitempty"`
	TaskList          []string       `json:"task_list,omitempty"`
	ApprovalRequired  bool           `json:"approval_required"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type ListDirectivesResponse struct {
	Directives []DirectiveResponse `json:"directives"`
}

type WorkerHostRequest struct {
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	EndpointURL    string    `json:"endpoint_url"`
	GPUs           bool      `json:"gpus,omitempty"`
	GPUCount       int       `json:"gpu_count,omitempty"`
	MaxConcurrency int       `json:"max_concurrency,omitempty"`
	Labels         []string  `json:"labels,omitempty"`
	Enabled        bool      `json:"enabled"`
	SSH            *SSHInput `json:"ssh,omitempty"`
}

// SSHInput is accepted on write only; the Read API never echoes credentials
// back (see WorkerHostResponse.HasSSHConfig).
type SSHInput struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	KeyPath string `json:"key_path"`
}

type WorkerHostResponse struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Kind            string     `json:"kind"`
	EndpointURL     string     `json:"endpoint_url"`
	GPUs            bool       `json:"gpus"`
	GPUCount        int        `json:"gpu_count"`
	MaxConcurrency  int        `json:"max_concurrency"`
	Labels          []string   `json:"labels,omitempty"`
	Enabled         bool       `json:"enabled"`
	Healthy         bool       `json:"healthy"`
	ActiveRunsCount int        `json:"active_runs_count"`
	HasSSHConfig    bool       `json:"has_ssh_config"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
}

type ListWorkerHostsResponse struct {
	Hosts []WorkerHostResponse `json:"hosts"`
}

type HostHealthResponse struct {
	HostID     int64      `json:"host_id"`
	Healthy    bool       `json:"healthy"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	Checked    bool       `json:"checked"`
}

type ContainerAllowlistRequest struct {
	ContainerID string   `json:"container_id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`
}

type ContainerAllowlistResponse struct {
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ListContainerAllowlistResponse struct {
	Entries []ContainerAllowlistResponse `json:"entries"`
}

type ScheduleRequest struct {
	Name                string `json:"name"`
	JobTemplateID       int64  `json:"job_template_id"`
	DirectiveID         *int64 `json:"directive_id,omitempty"`
	CustomDirectiveText string `json:"custom_directive_text,omitempty"`
	Enabled             bool   `json:"enabled"`
	Kind                string `json:"kind"`
	IntervalMinutes     *int   `json:"interval_minutes,omitempty"`
	CronExpr            string `json:"cron_expr,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	Task3Scope          string `json:"task3_scope,omitempty"`
	MaxGlobal           *int   `json:"max_global,omitempty"`
	MaxPerJob           *int   `json:"max_per_job,omitempty"`
}

type ScheduleResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Kind       string     `json:"kind"`
	CronExpr   string     `json:"cron_expr,omitempty"`
	Timezone   string     `json:"timezone,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  time.Time  `json:"next_run_at"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type ScheduledRunHistoryEntry struct {
	ID         int64      `json:"id"`
	RunID      int64      `json:"run_id"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type ScheduleHistoryResponse struct {
	ScheduleID int64                      `json:"schedule_id"`
	Entries    []ScheduledRunHistoryEntry `json:"entries"`
}

type RunNowResponse struct {
	Accepted bool  `json:"accepted"`
	RunID    int64 `json:"run_id,omitempty"`
}

type TokenStatsEntry struct {
	ModelID          string `json:"model_id"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

type TokenStatsResponse struct {
	Models []TokenStatsEntry `json:"models"`
}

type CostReportEntry struct {
	TokenStatsEntry
	CostMultiplierPer1K float64 `json:"cost_multiplier_per_1k"`
	EstimatedCostUSD    float64 `json:"estimated_cost_usd"`
}

type CostReportResponse struct {
	Models []CostReportEntry `json:"models"`
}

// MCPRequest is the body of the single streaming-tool-surface endpoint
// (spec.md §6.2): {tool, params}. params is decoded into a generic map;
// each tool reads only the keys it needs.
type MCPRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

func RFC3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
