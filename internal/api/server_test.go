package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter"
	"github.com/malgorath/cyberbrain-orchestrator/internal/policy"
	"github.com/malgorath/cyberbrain-orchestrator/internal/runlauncher"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
	"github.com/malgorath/cyberbrain-orchestrator/pkg/orchestratorapi"
)

func newTestServer(t *testing.T) (*Server, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	launcher := runlauncher.New(store, policy.NewAllowAll())
	router := hostrouter.New(store, hostrouter.Options{})
	t.Cleanup(router.Shutdown)
	return NewServer(store, launcher, router, nil, t.TempDir()), store
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}

func TestLaunchRunWithoutDirectiveFails(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(orchestratorapi.LaunchRunRequest{})
	resp, err := http.Post(srv.URL+"/runs/launch", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post launch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 (no enabled directive), got %d", resp.StatusCode)
	}
	var errResp orchestratorapi.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Kind != "directive_not_found" {
		t.Fatalf("want kind directive_not_found, got %q", errResp.Kind)
	}
}

func TestLaunchRunAndListRuns(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	directive, err := store.CreateDirective(ctx, state.DirectiveRecord{
		Name:     "nightly-sweep",
		TaskList: []string{state.TaskServiceMap},
	})
	if err != nil {
		t.Fatalf("create directive: %v", err)
	}
	host, err := store.CreateWorkerHost(ctx, state.WorkerHostRecord{
		Name: "local", Kind: state.HostLocalSocket, EndpointURL: "unix:///var/run/docker.sock",
		Capabilities: state.WorkerHostCapabilities{MaxConcurrency: 4}, Enabled: true, Healthy: true,
	})
	if err != nil {
		t.Fatalf("create host: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req := orchestratorapi.LaunchRunRequest{DirectiveID: &directive.ID, TargetHostID: &host.ID}
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/runs/launch", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post launch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d", resp.StatusCode)
	}
	var detail orchestratorapi.RunDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode run detail: %v", err)
	}
	if detail.ID == 0 {
		t.Fatalf("expected a run id")
	}
	if len(detail.Jobs) != 1 {
		t.Fatalf("want 1 job, got %d", len(detail.Jobs))
	}

	listResp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	defer listResp.Body.Close()
	var list orchestratorapi.ListRunsResponse
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Returned != 1 {
		t.Fatalf("want 1 run, got %d", list.Returned)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	t.Setenv("ORC_API_TOKEN", "secret-token")
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/runs", nil)
	req.Header.Set("X-Orchestrator-Token", "secret-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get runs with token: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("want 200 with valid token, got %d", resp2.StatusCode)
	}
}

func TestContainerAllowlistUpsertAndDelete(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	entry := orchestratorapi.ContainerAllowlistRequest{ContainerID: "abc123", Name: "triage-sidecar", Enabled: true}
	body, _ := json.Marshal(entry)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/container-allowlist", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put allowlist: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/container-allowlist")
	if err != nil {
		t.Fatalf("list allowlist: %v", err)
	}
	defer listResp.Body.Close()
	var list orchestratorapi.ListContainerAllowlistResponse
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(list.Entries))
	}

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/container-allowlist/abc123", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("delete allowlist: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", delResp.StatusCode)
	}
}

func TestMCPUnknownToolReturnsValidationError(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(orchestratorapi.MCPRequest{Tool: "does_not_exist"})
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post mcp: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("tool.error")) {
		t.Fatalf("want tool.error event, got %q", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("validation")) {
		t.Fatalf("want validation kind, got %q", out)
	}
}

func TestDirectiveCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(orchestratorapi.DirectiveRequest{Name: "weekly-audit", TaskList: []string{state.TaskGPUReport}})
	resp, err := http.Post(srv.URL+"/directives", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post directive: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", resp.StatusCode)
	}
	var created orchestratorapi.DirectiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	getResp, err := http.Get(srv.URL + "/directives/" + strconv.FormatInt(created.ID, 10))
	if err != nil {
		t.Fatalf("get directive: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", getResp.StatusCode)
	}
}
