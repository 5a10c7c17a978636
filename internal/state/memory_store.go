package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process, mutex-guarded Store. It backs
// ORC_STORE=memory and every unit test in this repository.
type MemoryStore struct {
	mu sync.Mutex

	directives    map[int64]DirectiveRecord
	runs          map[int64]RunRecord
	jobs          map[int64]JobRecord
	jobTemplates  map[int64]JobTemplateRecord
	schedules     map[int64]ScheduleRecord
	scheduledRuns map[int64]ScheduledRunRecord
	workerHosts   map[int64]WorkerHostRecord
	containerAL   map[string]ContainerAllowlistRecord
	imageAL       map[int64]WorkerImageAllowlistRecord
	gpuDevices    map[int64]map[int]GPUDeviceRecord
	artifacts     map[int64]RunArtifactRecord
	llmCalls      map[int64]LLMCallRecord
	audit         []WorkerAuditRecord

	nextDirectiveID int64
	nextRunID       int64
	nextJobID       int64
	nextTemplateID  int64
	nextScheduleID  int64
	nextSRunID      int64
	nextHostID      int64
	nextImageID     int64
	nextArtifactID  int64
	nextLLMCallID   int64
	nextAuditID     int64
}

// NewMemoryStore returns an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		directives:    make(map[int64]DirectiveRecord),
		runs:          make(map[int64]RunRecord),
		jobs:          make(map[int64]JobRecord),
		jobTemplates:  make(map[int64]JobTemplateRecord),
		schedules:     make(map[int64]ScheduleRecord),
		scheduledRuns: make(map[int64]ScheduledRunRecord),
		workerHosts:   make(map[int64]WorkerHostRecord),
		containerAL:   make(map[string]ContainerAllowlistRecord),
		imageAL:       make(map[int64]WorkerImageAllowlistRecord),
		gpuDevices:    make(map[int64]map[int]GPUDeviceRecord),
		artifacts:     make(map[int64]RunArtifactRecord),
		llmCalls:      make(map[int64]LLMCallRecord),
		audit:         make([]WorkerAuditRecord, 0, 128),
	}
}

// --- Directives ---

func (m *MemoryStore) CreateDirective(_ context.Context, d DirectiveRecord) (DirectiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.nextDirectiveID++
	d.ID = m.nextDirectiveID
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	m.directives[d.ID] = d
	return d, nil
}

func (m *MemoryStore) GetDirective(_ context.Context, id int64) (DirectiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok {
		return DirectiveRecord{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) GetDirectiveByName(_ context.Context, name string) (DirectiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.directives {
		if d.Name == name {
			return d, nil
		}
	}
	return DirectiveRecord{}, ErrNotFound
}

func (m *MemoryStore) FirstEnabledDirective(_ context.Context) (DirectiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best DirectiveRecord
	found := false
	for _, d := range m.directives {
		if !found || d.ID < best.ID {
			best = d
			found = true
		}
	}
	if !found {
		return DirectiveRecord{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) ListDirectives(_ context.Context) ([]DirectiveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DirectiveRecord, 0, len(m.directives))
	for _, d := range m.directives {
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) UpdateDirective(_ context.Context, d DirectiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.directives[d.ID]
	if !ok {
		return ErrNotFound
	}
	d.Version = existing.Version + 1
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	m.directives[d.ID] = d
	return nil
}

func (m *MemoryStore) DeleteDirective(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.directives[id]; !ok {
		return ErrNotFound
	}
	delete(m.directives, id)
	return nil
}

// --- Runs + Jobs ---

func (m *MemoryStore) LaunchRun(_ context.Context, run RunRecord, jobs []JobRecord, schedules []ScheduleRecord) (RunRecord, []JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.nextRunID++
	run.ID = m.nextRunID
	run.CreatedAt = now
	run.UpdatedAt = now
	m.runs[run.ID] = run

	outJobs := make([]JobRecord, 0, len(jobs))
	for _, j := range jobs {
		m.nextJobID++
		j.ID = m.nextJobID
		j.RunID = run.ID
		j.CreatedAt = now
		j.UpdatedAt = now
		m.jobs[j.ID] = j
		outJobs = append(outJobs, j)
	}

	for _, s := range schedules {
		existing, ok := m.schedules[s.ID]
		if !ok {
			continue
		}
		existing.LastRunAt = &now
		existing.UpdatedAt = now
		m.schedules[s.ID] = existing
	}

	return run, outJobs, nil
}

func (m *MemoryStore) GetRun(_ context.Context, id int64) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if !filter.SinceEndedAt.IsZero() {
			if r.EndedAt == nil || r.EndedAt.Before(filter.SinceEndedAt) {
				continue
			}
		}
		out = append(out, r)
	}
	sortRunsByIDDesc(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortRunsByIDDesc(runs []RunRecord) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j-1].ID < runs[j].ID; j-- {
			runs[j-1], runs[j] = runs[j], runs[j-1]
		}
	}
}

func (m *MemoryStore) MostRecentSuccessfulRun(_ context.Context) (RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best RunRecord
	found := false
	for _, r := range m.runs {
		if r.Status != RunSuccess {
			continue
		}
		if !found || (r.EndedAt != nil && (best.EndedAt == nil || r.EndedAt.After(*best.EndedAt))) {
			best = r
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) RunsEndedAfter(_ context.Context, t time.Time) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0)
	for _, r := range m.runs {
		if r.EndedAt != nil && r.EndedAt.After(t) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	run.CreatedAt = existing.CreatedAt
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) ListJobsByRun(_ context.Context, runID int64) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0)
	for _, j := range m.jobs {
		if j.RunID == runID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id int64) (JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return j, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = job
	return nil
}

// --- Schedules + claim loop primitives ---

func (m *MemoryStore) CreateSchedule(_ context.Context, s ScheduleRecord) (ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.nextScheduleID++
	s.ID = m.nextScheduleID
	s.CreatedAt = now
	s.UpdatedAt = now
	m.schedules[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id int64) (ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ScheduleRecord{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context) ([]ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduleRecord, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s ScheduleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.schedules[s.ID]
	if !ok {
		return ErrNotFound
	}
	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	m.schedules[s.ID] = s
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

// ClaimDueSchedules walks the schedule map under the store mutex, which
// serializes claims the same way a SELECT ... FOR UPDATE SKIP LOCKED
// transaction would on the Postgres backend.
func (m *MemoryStore) ClaimDueSchedules(_ context.Context, now time.Time, claimant string, ttl time.Duration, max int) ([]ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]ScheduleRecord, 0)
	for _, s := range m.schedules {
		if !s.Enabled {
			continue
		}
		if s.NextRunAt.After(now) {
			continue
		}
		if s.ClaimedUntil != nil && s.ClaimedUntil.After(now) {
			continue
		}
		candidates = append(candidates, s)
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].NextRunAt.Before(candidates[j-1].NextRunAt); j-- {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]ClaimResult, 0, len(candidates))
	until := now.Add(ttl)
	for _, s := range candidates {
		s.ClaimedBy = claimant
		s.ClaimedUntil = &until
		s.UpdatedAt = now
		m.schedules[s.ID] = s

		res := ClaimResult{Schedule: s}
		for _, sr := range m.scheduledRuns {
			if sr.ScheduleID == s.ID && sr.Status == ScheduledRunPending {
				pending := sr
				res.ScheduledRun = &pending
				break
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, scheduleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return ErrNotFound
	}
	s.ClaimedBy = ""
	s.ClaimedUntil = nil
	s.UpdatedAt = time.Now().UTC()
	m.schedules[scheduleID] = s
	return nil
}

func (m *MemoryStore) PushBack(_ context.Context, scheduleID int64, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return ErrNotFound
	}
	s.NextRunAt = nextRunAt
	s.ClaimedBy = ""
	s.ClaimedUntil = nil
	s.UpdatedAt = time.Now().UTC()
	m.schedules[scheduleID] = s
	return nil
}

func (m *MemoryStore) CreateScheduledRun(_ context.Context, sr ScheduledRunRecord) (ScheduledRunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.nextSRunID++
	sr.ID = m.nextSRunID
	sr.CreatedAt = now
	sr.UpdatedAt = now
	m.scheduledRuns[sr.ID] = sr
	return sr, nil
}

func (m *MemoryStore) PendingScheduledRunFor(_ context.Context, scheduleID int64) (ScheduledRunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sr := range m.scheduledRuns {
		if sr.ScheduleID == scheduleID && sr.Status == ScheduledRunPending {
			return sr, true, nil
		}
	}
	return ScheduledRunRecord{}, false, nil
}

func (m *MemoryStore) UpdateScheduledRun(_ context.Context, sr ScheduledRunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.scheduledRuns[sr.ID]
	if !ok {
		return ErrNotFound
	}
	sr.CreatedAt = existing.CreatedAt
	sr.UpdatedAt = time.Now().UTC()
	m.scheduledRuns[sr.ID] = sr
	return nil
}

func (m *MemoryStore) ListScheduledRunHistory(_ context.Context, scheduleID int64, limit int) ([]ScheduledRunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduledRunRecord, 0)
	for _, sr := range m.scheduledRuns {
		if sr.ScheduleID == scheduleID {
			out = append(out, sr)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID < out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateJobTemplate(_ context.Context, jt JobTemplateRecord) (JobTemplateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTemplateID++
	jt.ID = m.nextTemplateID
	m.jobTemplates[jt.ID] = jt
	return jt, nil
}

func (m *MemoryStore) GetJobTemplate(_ context.Context, id int64) (JobTemplateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jt, ok := m.jobTemplates[id]
	if !ok {
		return JobTemplateRecord{}, ErrNotFound
	}
	return jt, nil
}

func (m *MemoryStore) CountRunningByTaskKind(_ context.Context, taskKind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.TaskKind == taskKind && j.Status == JobRunning {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountRunning(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.Status == RunRunning {
			n++
		}
	}
	return n, nil
}

// --- WorkerHosts ---

func (m *MemoryStore) CreateWorkerHost(_ context.Context, h WorkerHostRecord) (WorkerHostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.nextHostID++
	h.ID = m.nextHostID
	h.CreatedAt = now
	h.UpdatedAt = now
	m.workerHosts[h.ID] = h
	return h, nil
}

func (m *MemoryStore) GetWorkerHost(_ context.Context, id int64) (WorkerHostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workerHosts[id]
	if !ok {
		return WorkerHostRecord{}, ErrNotFound
	}
	return h, nil
}

func (m *MemoryStore) ListWorkerHosts(_ context.Context) ([]WorkerHostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerHostRecord, 0, len(m.workerHosts))
	for _, h := range m.workerHosts {
		out = append(out, h)
	}
	return out, nil
}

func (m *MemoryStore) UpdateWorkerHost(_ context.Context, h WorkerHostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workerHosts[h.ID]
	if !ok {
		return ErrNotFound
	}
	h.CreatedAt = existing.CreatedAt
	h.UpdatedAt = time.Now().UTC()
	m.workerHosts[h.ID] = h
	return nil
}

func (m *MemoryStore) DeleteWorkerHost(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workerHosts[id]; !ok {
		return ErrNotFound
	}
	delete(m.workerHosts, id)
	delete(m.gpuDevices, id)
	return nil
}

func (m *MemoryStore) IncrementActiveRuns(_ context.Context, hostID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workerHosts[hostID]
	if !ok {
		return false, ErrNotFound
	}
	if !h.Enabled || !h.Healthy {
		return false, nil
	}
	if h.Capabilities.MaxConcurrency > 0 && h.ActiveRunsCount >= h.Capabilities.MaxConcurrency {
		return false, nil
	}
	h.ActiveRunsCount++
	h.UpdatedAt = time.Now().UTC()
	m.workerHosts[hostID] = h
	return true, nil
}

func (m *MemoryStore) DecrementActiveRuns(_ context.Context, hostID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workerHosts[hostID]
	if !ok {
		return ErrNotFound
	}
	if h.ActiveRunsCount > 0 {
		h.ActiveRunsCount--
	}
	h.UpdatedAt = time.Now().UTC()
	m.workerHosts[hostID] = h
	return nil
}

func (m *MemoryStore) SetHostHealth(_ context.Context, hostID int64, healthy bool, lastSeenAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.workerHosts[hostID]
	if !ok {
		return ErrNotFound
	}
	h.Healthy = healthy
	if lastSeenAt != nil {
		h.LastSeenAt = lastSeenAt
	}
	h.UpdatedAt = time.Now().UTC()
	m.workerHosts[hostID] = h
	return nil
}

// --- Allowlists ---

func (m *MemoryStore) UpsertContainerAllowlist(_ context.Context, c ContainerAllowlistRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.containerAL[c.ContainerID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.containerAL[c.ContainerID] = c
	return nil
}

func (m *MemoryStore) ListContainerAllowlist(_ context.Context) ([]ContainerAllowlistRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ContainerAllowlistRecord, 0, len(m.containerAL))
	for _, c := range m.containerAL {
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) DeleteContainerAllowlist(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containerAL[containerID]; !ok {
		return ErrNotFound
	}
	delete(m.containerAL, containerID)
	return nil
}

func (m *MemoryStore) UpsertImageAllowlist(_ context.Context, i WorkerImageAllowlistRecord) (WorkerImageAllowlistRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, existing := range m.imageAL {
		if existing.Image == i.Image && existing.Tag == i.Tag {
			i.ID = id
			i.CreatedAt = existing.CreatedAt
			i.UpdatedAt = now
			m.imageAL[id] = i
			return i, nil
		}
	}
	m.nextImageID++
	i.ID = m.nextImageID
	i.CreatedAt = now
	i.UpdatedAt = now
	m.imageAL[i.ID] = i
	return i, nil
}

func (m *MemoryStore) ListImageAllowlist(_ context.Context) ([]WorkerImageAllowlistRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerImageAllowlistRecord, 0, len(m.imageAL))
	for _, i := range m.imageAL {
		out = append(out, i)
	}
	return out, nil
}

func (m *MemoryStore) FindAllowedImage(_ context.Context, image, tag string) (WorkerImageAllowlistRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.imageAL {
		if i.Image == image && i.Tag == tag && i.Enabled {
			return i, true, nil
		}
	}
	return WorkerImageAllowlistRecord{}, false, nil
}

func (m *MemoryStore) DeleteImageAllowlist(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.imageAL[id]; !ok {
		return ErrNotFound
	}
	delete(m.imageAL, id)
	return nil
}

// --- GPU state ---

func (m *MemoryStore) UpsertGPUDevice(_ context.Context, g GPUDeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHost, ok := m.gpuDevices[g.HostID]
	if !ok {
		byHost = make(map[int]GPUDeviceRecord)
		m.gpuDevices[g.HostID] = byHost
	}
	g.UpdatedAt = time.Now().UTC()
	byHost[g.DeviceIndex] = g
	return nil
}

func (m *MemoryStore) ListGPUDevices(_ context.Context, hostID int64) ([]GPUDeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHost := m.gpuDevices[hostID]
	out := make([]GPUDeviceRecord, 0, len(byHost))
	for _, g := range byHost {
		out = append(out, g)
	}
	return out, nil
}

// --- Artifacts ---

func (m *MemoryStore) CreateArtifact(_ context.Context, a RunArtifactRecord) (RunArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextArtifactID++
	a.ID = m.nextArtifactID
	a.CreatedAt = time.Now().UTC()
	m.artifacts[a.ID] = a
	return a, nil
}

func (m *MemoryStore) ListArtifactsByRun(_ context.Context, runID int64) ([]RunArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunArtifactRecord, 0)
	for _, a := range m.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id int64) (RunArtifactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return RunArtifactRecord{}, ErrNotFound
	}
	return a, nil
}

// --- LLM telemetry ---

func (m *MemoryStore) CreateLLMCall(_ context.Context, c LLMCallRecord) (LLMCallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLLMCallID++
	c.ID = m.nextLLMCallID
	c.CreatedAt = time.Now().UTC()
	m.llmCalls[c.ID] = c
	return c, nil
}

func (m *MemoryStore) ListLLMCallsByJob(_ context.Context, jobID int64) ([]LLMCallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LLMCallRecord, 0)
	for _, c := range m.llmCalls {
		if c.JobID == jobID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) TokenStatsByModel(_ context.Context) (map[string]TokenStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TokenStats)
	for _, c := range m.llmCalls {
		s := out[c.ModelID]
		s.ModelID = c.ModelID
		s.Calls++
		s.PromptTokens += c.PromptTokens
		s.CompletionTokens += c.CompletionTokens
		s.TotalTokens += c.TotalTokens
		out[c.ModelID] = s
	}
	return out, nil
}

// --- Audit ---

func (m *MemoryStore) AppendWorkerAudit(_ context.Context, a WorkerAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	a.ID = m.nextAuditID
	a.CreatedAt = time.Now().UTC()
	m.audit = append(m.audit, a)
	return nil
}

func (m *MemoryStore) ListWorkerAudit(_ context.Context, runID int64) ([]WorkerAuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerAuditRecord, 0)
	for _, a := range m.audit {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}
