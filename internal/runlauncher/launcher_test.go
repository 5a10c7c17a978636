package runlauncher

import (
	"context"
	"errors"
	"testing"

	"github.com/malgorath/cyberbrain-orchestrator/internal/policy"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

func TestLaunchWithoutDirectiveFailsWhenNoneEnabled(t *testing.T) {
	store := state.NewMemoryStore()
	l := New(store, policy.NewAllowAll())

	_, err := l.Launch(context.Background(), Request{})
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if lerr.Kind != KindDirectiveNotFound {
		t.Fatalf("expected %s, got %s", KindDirectiveNotFound, lerr.Kind)
	}
}

func TestLaunchCreatesRunAndJobsFromDirectiveTaskList(t *testing.T) {
	store := state.NewMemoryStore()
	directive, err := store.CreateDirective(context.Background(), state.DirectiveRecord{
		Name:     "nightly-sweep",
		TaskList: []string{"log_triage", "service_map"},
	})
	if err != nil {
		t.Fatalf("CreateDirective: %v", err)
	}

	l := New(store, policy.NewAllowAll())
	run, err := l.Launch(context.Background(), Request{DirectiveID: &directive.ID})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if run.ID == 0 {
		t.Fatalf("expected a persisted run id")
	}
	if run.Status != state.RunPending {
		t.Fatalf("expected run to start pending, got %s", run.Status)
	}
	if run.DirectiveSnapshot.Name != "nightly-sweep" {
		t.Fatalf("expected directive snapshot to carry the directive name, got %q", run.DirectiveSnapshot.Name)
	}

	jobs, err := store.ListJobsByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobsByRun: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestLaunchRejectsTaskOutsideDirectiveTaskList(t *testing.T) {
	store := state.NewMemoryStore()
	directive, err := store.CreateDirective(context.Background(), state.DirectiveRecord{
		Name:     "narrow",
		TaskList: []string{"log_triage"},
	})
	if err != nil {
		t.Fatalf("CreateDirective: %v", err)
	}

	l := New(store, policy.NewAllowAll())
	_, err = l.Launch(context.Background(), Request{
		DirectiveID: &directive.ID,
		Tasks:       []string{"gpu_report"},
	})
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if lerr.Kind != KindValidation {
		t.Fatalf("expected %s, got %s", KindValidation, lerr.Kind)
	}
}

func TestLaunchRejectsUnknownTargetHost(t *testing.T) {
	store := state.NewMemoryStore()
	directive, err := store.CreateDirective(context.Background(), state.DirectiveRecord{
		Name:     "any",
		TaskList: []string{"log_triage"},
	})
	if err != nil {
		t.Fatalf("CreateDirective: %v", err)
	}

	missingHost := int64(999)
	l := New(store, policy.NewAllowAll())
	_, err = l.Launch(context.Background(), Request{
		DirectiveID:  &directive.ID,
		TargetHostID: &missingHost,
	})
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if lerr.Kind != KindHostNotFound {
		t.Fatalf("expected %s, got %s", KindHostNotFound, lerr.Kind)
	}
}
