package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/malgorath/cyberbrain-orchestrator/worker/internal/llmclient"
)

func TestRunServiceMapBuildsEdgesFromSharedNetworks(t *testing.T) {
	dir := t.TempDir()
	manifest := `[
		{"id":"c1","name":"api","image":"api:v1","networks":["app-net"]},
		{"id":"c2","name":"db","image":"postgres:16","networks":["app-net"]},
		{"id":"c3","name":"standalone","image":"cron:v1","networks":["other-net"]}
	]`
	if err := os.WriteFile(filepath.Join(dir, "containers.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	out, err := RunServiceMap(context.Background(), Input{InputsDir: dir})
	if err != nil {
		t.Fatalf("RunServiceMap: %v", err)
	}
	if out.Result["node_count"] != 3 {
		t.Fatalf("expected 3 nodes, got %v", out.Result["node_count"])
	}
	if out.Result["edge_count"] != 1 {
		t.Fatalf("expected 1 edge, got %v", out.Result["edge_count"])
	}
	if len(out.Calls) != 0 {
		t.Fatalf("service_map must not make LLM calls, got %d", len(out.Calls))
	}
}

func TestRunServiceMapWithoutManifestReturnsEmptyTopology(t *testing.T) {
	out, err := RunServiceMap(context.Background(), Input{InputsDir: t.TempDir()})
	if err != nil {
		t.Fatalf("RunServiceMap: %v", err)
	}
	if out.Result["node_count"] != 0 {
		t.Fatalf("expected 0 nodes, got %v", out.Result["node_count"])
	}
}

func TestRunLogTriageWithNoStagedLogsSkipsLLMCall(t *testing.T) {
	out, err := RunLogTriage(context.Background(), Input{InputsDir: t.TempDir()})
	if err != nil {
		t.Fatalf("RunLogTriage: %v", err)
	}
	if len(out.Calls) != 0 {
		t.Fatalf("expected no LLM calls when there are no staged logs, got %d", len(out.Calls))
	}
}

func TestRunLogTriageSummarizesStagedLogsViaOllama(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.log"), []byte("panic: boom\ngoroutine 1 [running]:\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "one container crash-looped with a panic"})
	}))
	defer srv.Close()

	in := Input{
		InputsDir:    dir,
		ModelBackend: "ollama",
		ModelID:      "llama3-8b-q4",
		LLM:          llmclient.Client{OllamaBaseURL: srv.URL},
	}
	out, err := RunLogTriage(context.Background(), in)
	if err != nil {
		t.Fatalf("RunLogTriage: %v", err)
	}
	if len(out.Calls) != 1 {
		t.Fatalf("expected exactly one LLM call, got %d", len(out.Calls))
	}
	if out.Result["containers_inspected"] != 1 {
		t.Fatalf("expected 1 container inspected, got %v", out.Result["containers_inspected"])
	}
}

func TestRunUnknownTaskKindReturnsTypedError(t *testing.T) {
	_, err := Run(context.Background(), "not_a_real_kind", Input{})
	if err == nil {
		t.Fatal("expected an error for an unknown task kind")
	}
	if _, ok := err.(*UnknownTaskKindError); !ok {
		t.Fatalf("expected *UnknownTaskKindError, got %T", err)
	}
}
