package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/dispatcher"
	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter"
	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
	"github.com/malgorath/cyberbrain-orchestrator/internal/runlauncher"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
	"go.opentelemetry.io/otel/attribute"
)

// Server is the Read API / Streaming Tool Surface (C6) plus the Run
// Launcher (C2) mutating endpoint. It is stateless beyond the Store, so any
// number of Server instances may run behind a load balancer.
type Server struct {
	store        state.Store
	launcher     *runlauncher.Launcher
	router       *hostrouter.Router
	dispatcher   *dispatcher.Dispatcher
	artifactRoot string
	auth         *authorizer
	launchLimit  *launchLimiter
	runNowGuard  *runNowGuard
	costPerK     map[string]float64
}

func NewServer(store state.Store, launcher *runlauncher.Launcher, router *hostrouter.Router, d *dispatcher.Dispatcher, artifactRoot string) *Server {
	return &Server{
		store:        store,
		launcher:     launcher,
		router:       router,
		dispatcher:   d,
		artifactRoot: artifactRoot,
		auth:         newAuthorizerFromEnv(),
		launchLimit:  newLaunchLimiterFromEnv(),
		runNowGuard:  newRunNowGuardFromEnv(),
		costPerK:     costTableFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.withAuth(s.handleMetrics))
	mux.HandleFunc("/v1/metrics/prometheus", s.withAuth(s.handleMetricsPrometheus))

	mux.HandleFunc("/runs/launch", s.withAuth(s.handleLaunch))
	mux.HandleFunc("/runs/since-last-success", s.withAuth(s.handleSinceLastSuccess))
	mux.HandleFunc("/runs", s.withAuth(s.handleRuns))
	mux.HandleFunc("/runs/", s.withAuth(s.handleRunByID))
	mux.HandleFunc("/artifacts/", s.withAuth(s.handleArtifactByID))

	mux.HandleFunc("/directives", s.withAuth(s.handleDirectives))
	mux.HandleFunc("/directives/", s.withAuth(s.handleDirectiveByID))

	mux.HandleFunc("/worker-hosts", s.withAuth(s.handleWorkerHosts))
	mux.HandleFunc("/worker-hosts/", s.withAuth(s.handleWorkerHostByID))

	mux.HandleFunc("/container-allowlist", s.withAuth(s.handleContainerAllowlist))
	mux.HandleFunc("/container-allowlist/", s.withAuth(s.handleContainerAllowlistByID))

	mux.HandleFunc("/schedules", s.withAuth(s.handleSchedules))
	mux.HandleFunc("/schedules/", s.withAuth(s.handleScheduleByID))

	mux.HandleFunc("/token-stats", s.withAuth(s.handleTokenStats))
	mux.HandleFunc("/cost-report", s.withAuth(s.handleCostReport))

	mux.HandleFunc("/mcp", s.withAuth(s.handleMCP))

	return withTracing(withLogging(mux))
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := s.auth.authorize(r); code != http.StatusOK {
			writeError(w, code, "validation", msg)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

// --- Runs -------------------------------------------------------------

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	if !s.launchLimit.allow(time.Now()) {
		writeError(w, http.StatusTooManyRequests, "validation", "launch rate limit exceeded")
		return
	}
	var req orchestratorapi.LaunchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	run, err := s.launcher.Launch(r.Context(), runlauncher.Request{
		DirectiveID:         req.DirectiveID,
		Tasks:               req.Tasks,
		TargetHostID:        req.TargetHostID,
		UseRAG:              req.UseRAG,
		CustomDirectiveText: req.CustomDirectiveText,
	})
	if err != nil {
		writeLaunchError(w, err)
		return
	}
	jobs, err := s.store.ListJobsByRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, toRunDetail(run, jobs))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	filter := state.RunFilter{Status: strings.TrimSpace(r.URL.Query().Get("status"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "since must be RFC3339")
			return
		}
		filter.SinceEndedAt = t.UTC()
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		filter.Limit = v
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	out := make([]orchestratorapi.RunSummary, 0, len(runs))
	for _, run := range runs {
		jobs, err := s.store.ListJobsByRun(r.Context(), run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		out = append(out, toRunSummary(run, jobs))
	}
	writeJSON(w, http.StatusOK, orchestratorapi.ListRunsResponse{Returned: len(out), Runs: out})
}

func (s *Server) handleSinceLastSuccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	last, found, err := s.store.MostRecentSuccessfulRun(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	resp := orchestratorapi.SinceLastSuccessResponse{}
	since := time.Time{}
	if found {
		jobs, err := s.store.ListJobsByRun(r.Context(), last.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		summary := toRunSummary(last, jobs)
		resp.LastSuccess = &summary
		if last.EndedAt != nil {
			since = *last.EndedAt
		}
	}
	runs, err := s.store.RunsEndedAfter(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	for _, run := range runs {
		if found && run.ID == last.ID {
			continue
		}
		jobs, err := s.store.ListJobsByRun(r.Context(), run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		resp.RunsSince = append(resp.RunsSince, toRunSummary(run, jobs))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/runs/")
	if path == "" {
		writeError(w, http.StatusNotFound, "run_not_found", "run id is required")
		return
	}
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "run_not_found", "invalid run id")
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run_not_found", "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	subresource := ""
	if len(parts) > 1 {
		subresource = parts[1]
	}

	switch subresource {
	case "":
		switch r.Method {
		case http.MethodGet:
			jobs, err := s.store.ListJobsByRun(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal", err.Error())
				return
			}
			writeJSON(w, http.StatusOK, toRunDetail(run, jobs))
		case http.MethodDelete:
			s.cancelRun(w, r, run)
		default:
			writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		}
	case "report":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, orchestratorapi.RunReportResponse{
			RunID:          run.ID,
			Status:         run.Status,
			ReportMarkdown: run.ReportMarkdown,
			ReportJSON:     run.ReportJSON,
		})
	case "artifacts":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
			return
		}
		artifacts, err := s.store.ListArtifactsByRun(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		out := make([]orchestratorapi.ArtifactMeta, 0, len(artifacts))
		for _, a := range artifacts {
			out = append(out, toArtifactMeta(a))
		}
		writeJSON(w, http.StatusOK, orchestratorapi.ListArtifactsResponse{Returned: len(out), Artifacts: out})
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
			return
		}
		s.cancelRun(w, r, run)
	default:
		writeError(w, http.StatusNotFound, "validation", "run subresource not found")
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, run state.RunRecord) {
	if run.Status == state.RunSuccess || run.Status == state.RunFailed ||
		run.Status == state.RunPartial || run.Status == state.RunCancelled {
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": false})
		return
	}
	run.Status = state.RunCancelled
	run.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleArtifactByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "invalid artifact id")
		return
	}
	a, err := s.store.GetArtifact(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "validation", "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if len(parts) < 2 || parts[1] != "download" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, toArtifactMeta(a))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	rootAbs, err := filepath.Abs(s.artifactRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	pathAbs, err := filepath.Abs(a.Path)
	if err != nil || !strings.HasPrefix(pathAbs, rootAbs+string(os.PathSeparator)) {
		writeError(w, http.StatusInternalServerError, "internal", "artifact path escapes artifact root")
		return
	}
	f, err := os.Open(pathAbs)
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "artifact file missing")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", firstNonEmptyAPI(a.MIMEType, "application/octet-stream"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(pathAbs)))
	http.ServeContent(w, r, filepath.Base(pathAbs), a.CreatedAt, f)
}

// --- Directives ---------------------------------------------------------

func (s *Server) handleDirectives(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ds, err := s.store.ListDirectives(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		out := make([]orchestratorapi.DirectiveResponse, 0, len(ds))
		for _, d := range ds {
			out = append(out, toDirectiveResponse(d))
		}
		writeJSON(w, http.StatusOK, orchestratorapi.ListDirectivesResponse{Directives: out})
	case http.MethodPost:
		var req orchestratorapi.DirectiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "validation", "name is required")
			return
		}
		now := time.Now().UTC()
		created, err := s.store.CreateDirective(r.Context(), state.DirectiveRecord{
			Name:              req.Name,
			TaskConfig:        req.TaskConfig,
			TaskList:          req.TaskList,
			ApprovalRequired:  req.ApprovalRequired,
			MaxConcurrentRuns: req.MaxConcurrentRuns,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, toDirectiveResponse(created))
	default:
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	}
}

func (s *Server) handleDirectiveByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/directives/"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "invalid directive id")
		return
	}
	switch r.Method {
	case http.MethodGet:
		d, err := s.store.GetDirective(r.Context(), id)
		if err != nil {
			writeDirectiveLookupErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDirectiveResponse(d))
	case http.MethodPut:
		existing, err := s.store.GetDirective(r.Context(), id)
		if err != nil {
			writeDirectiveLookupErr(w, err)
			return
		}
		var req orchestratorapi.DirectiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
		existing.Name = req.Name
		existing.TaskConfig = req.TaskConfig
		existing.TaskList = req.TaskList
		existing.ApprovalRequired = req.ApprovalRequired
		existing.MaxConcurrentRuns = req.MaxConcurrentRuns
		existing.Version++
		existing.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateDirective(r.Context(), existing); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toDirectiveResponse(existing))
	case http.MethodDelete:
		if err := s.store.DeleteDirective(r.Context(), id); err != nil {
			writeDirectiveLookupErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	}
}

func writeDirectiveLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "directive_not_found", "directive not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

// --- Worker hosts --------------------------------------------------------

func (s *Server) handleWorkerHosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hosts, err := s.store.ListWorkerHosts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		out := make([]orchestratorapi.WorkerHostResponse, 0, len(hosts))
		for _, h := range hosts {
			out = append(out, toWorkerHostResponse(h))
		}
		writeJSON(w, http.StatusOK, orchestratorapi.ListWorkerHostsResponse{Hosts: out})
	case http.MethodPost:
		var req orchestratorapi.WorkerHostRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
		now := time.Now().UTC()
		rec := state.WorkerHostRecord{
			Name:        req.Name,
			Kind:        req.Kind,
			EndpointURL: req.EndpointURL,
			Capabilities: state.WorkerHostCapabilities{
				GPUs: req.GPUs, GPUCount: req.GPUCount,
				MaxConcurrency: req.MaxConcurrency, Labels: req.Labels,
			},
			SSH:       toSSHConfig(req.SSH),
			Enabled:   req.Enabled,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created, err := s.store.CreateWorkerHost(r.Context(), rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, toWorkerHostResponse(created))
	default:
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	}
}

func (s *Server) handleWorkerHostByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/worker-hosts/")
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "host_not_found", "invalid worker host id")
		return
	}
	if len(parts) > 1 && parts[1] == "health" {
		s.handleHostHealth(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h, err := s.store.GetWorkerHost(r.Context(), id)
		if err != nil {
			writeHostLookupErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWorkerHostResponse(h))
	case http.MethodPut:
		existing, err := s.store.GetWorkerHost(r.Context(), id)
		if err != nil {
			writeHostLookupErr(w, err)
			return
		}
		var req orchestratorapi.WorkerHostRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
		existing.Name = req.Name
		existing.Kind = req.Kind
		existing.EndpointURL = req.EndpointURL
		existing.Capabilities = state.WorkerHostCapabilities{
			GPUs: req.GPUs, GPUCount: req.GPUCount,
			MaxConcurrency: req.MaxConcurrency, Labels: req.Labels,
		}
		if req.SSH != nil {
			existing.SSH = toSSHConfig(req.SSH)
		}
		existing.Enabled = req.Enabled
		existing.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateWorkerHost(r.Context(), existing); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		s.router.CloseHost(id)
		writeJSON(w, http.StatusOK, toWorkerHostResponse(existing))
	case http.MethodDelete:
		h, err := s.store.GetWorkerHost(r.Context(), id)
		if err != nil {
			writeHostLookupErr(w, err)
			return
		}
		if h.ActiveRunsCount > 0 {
			writeError(w, http.StatusConflict, "validation", "worker host has active runs")
			return
		}
		if err := s.store.DeleteWorkerHost(r.Context(), id); err != nil {
			writeHostLookupErr(w, err)
			return
		}
		s.router.CloseHost(id)
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	}
}

func (s *Server) handleHostHealth(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	h, err := s.store.GetWorkerHost(r.Context(), id)
	if err != nil {
		writeHostLookupErr(w, err)
		return
	}
	checked := false
	if strings.EqualFold(r.URL.Query().Get("check"), "true") {
		if err := s.router.CheckHealth(r.Context(), h); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		checked = true
		h, err = s.store.GetWorkerHost(r.Context(), id)
		if err != nil {
			writeHostLookupErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, orchestratorapi.HostHealthResponse{
		HostID: h.ID, Healthy: h.Healthy, LastSeenAt: h.LastSeenAt, Checked: checked,
	})
}

func writeHostLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "host_not_found", "worker host not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func toSSHConfig(in *orchestratorapi.SSHInput) *state.SSHConfig {
	if in == nil {
		return nil
	}
	return &state.SSHConfig{Host: in.Host, Port: in.Port, User: in.User, KeyPath: in.KeyPath}
}

// --- Container allowlist --------------------------------------------------

func (s *Server) handleContainerAllowlist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.store.ListContainerAllowlist(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		out := make([]orchestratorapi.ContainerAllowlistResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, toAllowlistResponse(e))
		}
		writeJSON(w, http.StatusOK, orchestratorapi.ListContainerAllowlistResponse{Entries: out})
	case http.MethodPut:
		var req orchestratorapi.ContainerAllowlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
		if strings.TrimSpace(req.ContainerID) == "" {
			writeError(w, http.StatusBadRequest, "validation", "container_id is required")
			return
		}
		now := time.Now().UTC()
		rec := state.ContainerAllowlistRecord{
			ContainerID: req.ContainerID, Name: req.Name, Description: req.Description,
			Enabled: req.Enabled, Tags: req.Tags, CreatedAt: now, UpdatedAt: now,
		}
		if err := s.store.UpsertContainerAllowlist(r.Context(), rec); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toAllowlistResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	}
}

func (s *Server) handleContainerAllowlistByID(w http.ResponseWriter, r *http.Request) {
	containerID := strings.TrimPrefix(r.URL.Path, "/container-allowlist/")
	if containerID == "" {
		writeError(w, http.StatusNotFound, "validation", "container id is required")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	if err := s.store.DeleteContainerAllowlist(r.Context(), containerID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Schedules -------------------------------------------------------------

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ss, err := s.store.ListSchedules(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		out := make([]orchestratorapi.ScheduleResponse, 0, len(ss))
		for _, sc := range ss {
			out = append(out, toScheduleResponse(sc))
		}
		writeJSON(w, http.StatusOK, orchestratorapi.ListSchedulesResponse{Schedules: out})
	case http.MethodPost:
		var req orchestratorapi.ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
		now := time.Now().UTC()
		rec := state.ScheduleRecord{
			Name: req.Name, JobTemplateID: req.JobTemplateID, DirectiveID: req.DirectiveID,
			CustomDirectiveText: req.CustomDirectiveText, Enabled: req.Enabled, Kind: req.Kind,
			IntervalMinutes: req.IntervalMinutes, CronExpr: req.CronExpr, Timezone: req.Timezone,
			Task3Scope: req.Task3Scope, MaxGlobal: req.MaxGlobal, MaxPerJob: req.MaxPerJob,
			NextRunAt: now, CreatedAt: now, UpdatedAt: now,
		}
		created, err := s.store.CreateSchedule(r.Context(), rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, toScheduleResponse(created))
	default:
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/schedules/")
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "validation", "invalid schedule id")
		return
	}
	subresource := ""
	if len(parts) > 1 {
		subresource = parts[1]
	}

	switch subresource {
	case "run-now":
		s.handleScheduleRunNow(w, r, id)
	case "enable":
		s.setScheduleEnabled(w, r, id, true)
	case "disable":
		s.setScheduleEnabled(w, r, id, false)
	case "history":
		s.handleScheduleHistory(w, r, id)
	case "":
		switch r.Method {
		case http.MethodGet:
			sc, err := s.store.GetSchedule(r.Context(), id)
			if err != nil {
				writeScheduleLookupErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toScheduleResponse(sc))
		case http.MethodPut:
			existing, err := s.store.GetSchedule(r.Context(), id)
			if err != nil {
				writeScheduleLookupErr(w, err)
				return
			}
			var req orchestratorapi.ScheduleRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "validation", "invalid request body")
				return
			}
			existing.Name = req.Name
			existing.DirectiveID = req.DirectiveID
			existing.CustomDirectiveText = req.CustomDirectiveText
			existing.Enabled = req.Enabled
			existing.Kind = req.Kind
			existing.IntervalMinutes = req.IntervalMinutes
			existing.CronExpr = req.CronExpr
			existing.Timezone = req.Timezone
			existing.Task3Scope = req.Task3Scope
			existing.MaxGlobal = req.MaxGlobal
			existing.MaxPerJob = req.MaxPerJob
			existing.UpdatedAt = time.Now().UTC()
			if err := s.store.UpdateSchedule(r.Context(), existing); err != nil {
				writeError(w, http.StatusInternalServerError, "internal", err.Error())
				return
			}
			writeJSON(w, http.StatusOK, toScheduleResponse(existing))
		case http.MethodDelete:
			if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
				writeScheduleLookupErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		}
	default:
		writeError(w, http.StatusNotFound, "validation", "schedule subresource not found")
	}
}

func (s *Server) handleScheduleRunNow(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	if !s.runNowGuard.allow(time.Now()) {
		writeError(w, http.StatusTooManyRequests, "validation", "run-now rate limit exceeded")
		return
	}
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeScheduleLookupErr(w, err)
		return
	}
	if !sc.Enabled {
		writeError(w, http.StatusBadRequest, "validation", "run-now is a no-op on a disabled schedule")
		return
	}
	sc.NextRunAt = time.Now().UTC()
	sc.UpdatedAt = sc.NextRunAt
	if err := s.store.UpdateSchedule(r.Context(), sc); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orchestratorapi.RunNowResponse{Accepted: true})
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, id int64, enabled bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeScheduleLookupErr(w, err)
		return
	}
	sc.Enabled = enabled
	sc.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateSchedule(r.Context(), sc); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(sc))
}

func (s *Server) handleScheduleHistory(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = v
	}
	history, err := s.store.ListScheduledRunHistory(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	out := make([]orchestratorapi.ScheduledRunHistoryEntry, 0, len(history))
	for _, h := range history {
		out = append(out, orchestratorapi.ScheduledRunHistoryEntry{
			ID: h.ID, RunID: h.RunID, Status: h.Status,
			StartedAt: h.StartedAt, FinishedAt: h.FinishedAt, Error: h.Error,
		})
	}
	writeJSON(w, http.StatusOK, orchestratorapi.ScheduleHistoryResponse{ScheduleID: id, Entries: out})
}

func writeScheduleLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "validation", "schedule not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

// --- Token stats / cost report --------------------------------------------

func (s *Server) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	stats, err := s.store.TokenStatsByModel(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orchestratorapi.TokenStatsResponse{Models: toTokenStatsEntries(stats)})
}

func (s *Server) handleCostReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	stats, err := s.store.TokenStatsByModel(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	entries := toTokenStatsEntries(stats)
	out := make([]orchestratorapi.CostReportEntry, 0, len(entries))
	for _, e := range entries {
		multiplier := s.costPerK[e.ModelID]
		out = append(out, orchestratorapi.CostReportEntry{
			TokenStatsEntry:     e,
			CostMultiplierPer1K: multiplier,
			EstimatedCostUSD:    float64(e.TotalTokens) / 1000.0 * multiplier,
		})
	}
	writeJSON(w, http.StatusOK, orchestratorapi.CostReportResponse{Models: out})
}

func toTokenStatsEntries(stats map[string]state.TokenStats) []orchestratorapi.TokenStatsEntry {
	out := make([]orchestratorapi.TokenStatsEntry, 0, len(stats))
	for _, v := range stats {
		out = append(out, orchestratorapi.TokenStatsEntry{
			ModelID: v.ModelID, Calls: v.Calls, PromptTokens: v.PromptTokens,
			CompletionTokens: v.CompletionTokens, TotalTokens: v.TotalTokens,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func costTableFromEnv() map[string]float64 {
	raw := strings.TrimSpace(os.Getenv("ORC_COST_PER_1K_TOKENS"))
	out := map[string]float64{}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(parts[0])] = v
	}
	return out
}

// --- Streaming tool surface (/mcp, spec.md §6.2) --------------------------

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	var req orchestratorapi.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSSEMCPError(w, flusher, "validation", "invalid request body")
		return
	}
	result, err := s.dispatchTool(r.Context(), req.Tool, req.Params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			writeSSEMCPError(w, flusher, apiErr.kind, apiErr.message)
			return
		}
		writeSSEMCPError(w, flusher, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_ = writeSSEEvent(w, "tool.result", result)
	flusher.Flush()
}

type apiError struct {
	kind    string
	message string
}

func (e *apiError) Error() string { return e.kind + ": " + e.message }

func (s *Server) dispatchTool(ctx context.Context, tool string, params map[string]any) (any, error) {
	switch tool {
	case "launch_run":
		req := orchestratorapi.LaunchRunRequest{UseRAG: boolParam(params, "use_rag")}
		if v, ok := params["directive_id"]; ok {
			id := int64Param(v)
			req.DirectiveID = &id
		}
		if v, ok := params["target_host_id"]; ok {
			id := int64Param(v)
			req.TargetHostID = &id
		}
		req.Tasks = stringSliceParam(params, "tasks")
		run, err := s.launcher.Launch(ctx, runlauncher.Request{
			DirectiveID: req.DirectiveID, Tasks: req.Tasks,
			TargetHostID: req.TargetHostID, UseRAG: req.UseRAG,
		})
		if err != nil {
			return nil, mapLaunchErr(err)
		}
		jobs, err := s.store.ListJobsByRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		return toRunDetail(run, jobs), nil
	case "list_runs":
		runs, err := s.store.ListRuns(ctx, state.RunFilter{Status: stringParam(params, "status")})
		if err != nil {
			return nil, err
		}
		out := make([]orchestratorapi.RunSummary, 0, len(runs))
		for _, run := range runs {
			jobs, err := s.store.ListJobsByRun(ctx, run.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, toRunSummary(run, jobs))
		}
		return orchestratorapi.ListRunsResponse{Returned: len(out), Runs: out}, nil
	case "get_run":
		run, jobs, err := s.getRunAndJobs(ctx, int64Param(params["run_id"]))
		if err != nil {
			return nil, err
		}
		return toRunDetail(run, jobs), nil
	case "get_run_report":
		run, _, err := s.getRunAndJobs(ctx, int64Param(params["run_id"]))
		if err != nil {
			return nil, err
		}
		return orchestratorapi.RunReportResponse{RunID: run.ID, Status: run.Status, ReportMarkdown: run.ReportMarkdown, ReportJSON: run.ReportJSON}, nil
	case "list_directives":
		ds, err := s.store.ListDirectives(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]orchestratorapi.DirectiveResponse, 0, len(ds))
		for _, d := range ds {
			out = append(out, toDirectiveResponse(d))
		}
		return orchestratorapi.ListDirectivesResponse{Directives: out}, nil
	case "get_directive":
		d, err := s.store.GetDirective(ctx, int64Param(params["directive_id"]))
		if err != nil {
			return nil, &apiError{kind: "directive_not_found", message: "directive not found"}
		}
		return toDirectiveResponse(d), nil
	case "get_allowlist":
		entries, err := s.store.ListContainerAllowlist(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]orchestratorapi.ContainerAllowlistResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, toAllowlistResponse(e))
		}
		return orchestratorapi.ListContainerAllowlistResponse{Entries: out}, nil
	case "set_allowlist":
		containerID := stringParam(params, "container_id")
		if containerID == "" {
			return nil, &apiError{kind: "validation", message: "container_id is required"}
		}
		now := time.Now().UTC()
		rec := state.ContainerAllowlistRecord{
			ContainerID: containerID, Name: stringParam(params, "name"),
			Description: stringParam(params, "description"), Enabled: boolParam(params, "enabled"),
			Tags: stringSliceParam(params, "tags"), CreatedAt: now, UpdatedAt: now,
		}
		if err := s.store.UpsertContainerAllowlist(ctx, rec); err != nil {
			return nil, err
		}
		return toAllowlistResponse(rec), nil
	case "list_worker_hosts":
		hosts, err := s.store.ListWorkerHosts(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]orchestratorapi.WorkerHostResponse, 0, len(hosts))
		for _, h := range hosts {
			out = append(out, toWorkerHostResponse(h))
		}
		return orchestratorapi.ListWorkerHostsResponse{Hosts: out}, nil
	case "get_worker_host":
		h, err := s.store.GetWorkerHost(ctx, int64Param(params["host_id"]))
		if err != nil {
			return nil, &apiError{kind: "host_not_found", message: "worker host not found"}
		}
		return toWorkerHostResponse(h), nil
	case "list_schedules":
		ss, err := s.store.ListSchedules(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]orchestratorapi.ScheduleResponse, 0, len(ss))
		for _, sc := range ss {
			out = append(out, toScheduleResponse(sc))
		}
		return orchestratorapi.ListSchedulesResponse{Schedules: out}, nil
	case "get_schedule":
		sc, err := s.store.GetSchedule(ctx, int64Param(params["schedule_id"]))
		if err != nil {
			return nil, &apiError{kind: "validation", message: "schedule not found"}
		}
		return toScheduleResponse(sc), nil
	default:
		return nil, &apiError{kind: "validation", message: fmt.Sprintf("unknown tool %q", tool)}
	}
}

func mapLaunchErr(err error) error {
	var le *runlauncher.Error
	if errors.As(err, &le) {
		return &apiError{kind: string(le.Kind), message: le.Message}
	}
	return err
}

func (s *Server) getRunAndJobs(ctx context.Context, id int64) (state.RunRecord, []state.JobRecord, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.RunRecord{}, nil, &apiError{kind: "run_not_found", message: "run not found"}
		}
		return state.RunRecord{}, nil, err
	}
	jobs, err := s.store.ListJobsByRun(ctx, id)
	if err != nil {
		return state.RunRecord{}, nil, err
	}
	return run, jobs, nil
}

func writeSSEMCPError(w http.ResponseWriter, flusher http.Flusher, kind, msg string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_ = writeSSEEvent(w, "tool.error", orchestratorapi.ErrorResponse{Kind: kind, Message: msg})
	flusher.Flush()
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: " + string(b) + "\n\n")); err != nil {
		return err
	}
	return nil
}

func boolParam(params map[string]any, key string) bool {
	v, ok := params[key].(bool)
	return ok && v
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func int64Param(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- view conversions ------------------------------------------------------

func toRunSummary(run state.RunRecord, jobs []state.JobRecord) orchestratorapi.RunSummary {
	success, failed := 0, 0
	for _, j := range jobs {
		switch j.Status {
		case state.JobSuccess:
			success++
		case state.JobFailed:
			failed++
		}
	}
	return orchestratorapi.RunSummary{
		ID: run.ID, Status: run.Status, ApprovalStatus: run.ApprovalStatus,
		DirectiveName: run.DirectiveSnapshot.Name, WorkerHostID: run.WorkerHostID,
		JobCount: len(jobs), SuccessJobCount: success, FailedJobCount: failed,
		PromptTokens: run.PromptTokens, CompletionTokens: run.CompletionTokens, TotalTokens: run.TotalTokens,
		StartedAt: run.StartedAt, EndedAt: run.EndedAt, CreatedAt: run.CreatedAt,
	}
}

func toRunDetail(run state.RunRecord, jobs []state.JobRecord) orchestratorapi.RunDetail {
	out := orchestratorapi.RunDetail{
		RunSummary: toRunSummary(run, jobs), ReportMarkdown: run.ReportMarkdown,
		ReportJSON: run.ReportJSON, ErrorMessage: run.ErrorMessage,
	}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, orchestratorapi.JobSummary{
			ID: j.ID, TaskKind: j.TaskKind, Required: j.Required, Status: j.Status,
			StartedAt: j.StartedAt, EndedAt: j.EndedAt, ErrorMessage: j.ErrorMessage,
		})
	}
	return out
}

func toArtifactMeta(a state.RunArtifactRecord) orchestratorapi.ArtifactMeta {
	return orchestratorapi.ArtifactMeta{
		ID: a.ID, RunID: a.RunID, Kind: a.Kind, Path: a.Path,
		ByteSize: a.ByteSize, MIMEType: a.MIMEType, CreatedAt: a.CreatedAt,
	}
}

func toDirectiveResponse(d state.DirectiveRecord) orchestratorapi.DirectiveResponse {
	return orchestratorapi.DirectiveResponse{
		ID: d.ID, Name: d.Name, TaskConfig: d.TaskConfig, TaskList: d.TaskList,
		ApprovalRequired: d.ApprovalRequired, MaxConcurrentRuns: d.MaxConcurrentRuns,
		Version: d.Version, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func toWorkerHostResponse(h state.WorkerHostRecord) orchestratorapi.WorkerHostResponse {
	return orchestratorapi.WorkerHostResponse{
		ID: h.ID, Name: h.Name, Kind: h.Kind, EndpointURL: h.EndpointURL,
		GPUs: h.Capabilities.GPUs, GPUCount: h.Capabilities.GPUCount,
		MaxConcurrency: h.Capabilities.MaxConcurrency, Labels: h.Capabilities.Labels,
		Enabled: h.Enabled, Healthy: h.Healthy, ActiveRunsCount: h.ActiveRunsCount,
		HasSSHConfig: h.HasSSHConfig(), LastSeenAt: h.LastSeenAt,
	}
}

func toAllowlistResponse(c state.ContainerAllowlistRecord) orchestratorapi.ContainerAllowlistResponse {
	return orchestratorapi.ContainerAllowlistResponse{
		ContainerID: c.ContainerID, Name: c.Name, Description: c.Description,
		Enabled: c.Enabled, Tags: c.Tags, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func toScheduleResponse(s state.ScheduleRecord) orchestratorapi.ScheduleResponse {
	return orchestratorapi.ScheduleResponse{
		ID: s.ID, Name: s.Name, Enabled: s.Enabled, Kind: s.Kind, CronExpr: s.CronExpr,
		Timezone: s.Timezone, LastRunAt: s.LastRunAt, NextRunAt: s.NextRunAt, ClaimedBy: s.ClaimedBy,
	}
}

func writeLaunchError(w http.ResponseWriter, err error) {
	var le *runlauncher.Error
	if errors.As(err, &le) {
		status := http.StatusBadRequest
		switch le.Kind {
		case runlauncher.KindDirectiveNotFound, runlauncher.KindHostNotFound:
			status = http.StatusNotFound
		}
		writeError(w, status, string(le.Kind), le.Message)
		return
	}
	if errors.Is(err, hostrouter.ErrNoEligibleHost) {
		writeError(w, http.StatusConflict, "no_eligible_host", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func firstNonEmptyAPI(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, orchestratorapi.ErrorResponse{Kind: kind, Message: msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
