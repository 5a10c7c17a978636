// Package bootstrap assembles the Store, Host Router, Worker Dispatcher,
// and Claim Loop from ORC_* environment variables, following the
// teacher's own getenv/getenvInt env-driven assembly pattern in
// controlplane.go — generalized from a store+queue pair to the full
// orchestrator component graph.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/artifacts"
	"github.com/malgorath/cyberbrain-orchestrator/internal/dispatcher"
	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter"
	"github.com/malgorath/cyberbrain-orchestrator/internal/hostrouter/sshtunnel"
	"github.com/malgorath/cyberbrain-orchestrator/internal/models"
	"github.com/malgorath/cyberbrain-orchestrator/internal/policy"
	"github.com/malgorath/cyberbrain-orchestrator/internal/runlauncher"
	"github.com/malgorath/cyberbrain-orchestrator/internal/scheduler"
	"github.com/malgorath/cyberbrain-orchestrator/internal/state"
)

// ControlPlane holds every long-lived component a binary needs, so
// cmd/orchestrator-api and cmd/orchestrator-scheduler can share one
// assembly path and each use only the pieces they need.
type ControlPlane struct {
	Store        state.Store
	Launcher     *runlauncher.Launcher
	Router       *hostrouter.Router
	Dispatcher   *dispatcher.Dispatcher
	Scheduler    *scheduler.Engine
	ArtifactRoot string
}

// NewFromEnv builds a ControlPlane from ORC_* environment variables.
func NewFromEnv() (*ControlPlane, error) {
	store, err := newStore(getenv("ORC_STORE", "memory"))
	if err != nil {
		return nil, err
	}

	p, err := policy.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	modelRouter, err := models.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load model router: %w", err)
	}

	router := hostrouter.New(store, hostrouter.Options{
		Staleness:     time.Duration(getenvInt("ORC_HOST_STALENESS_SECONDS", 300)) * time.Second,
		HealthTimeout: time.Duration(getenvInt("ORC_HOST_HEALTH_TIMEOUT_SECONDS", 5)) * time.Second,
		SSHPortRange: sshtunnel.PortRange{
			Min: getenvInt("ORC_SSH_LOCAL_PORT_MIN", 28000),
			Max: getenvInt("ORC_SSH_LOCAL_PORT_MAX", 28999),
		},
	})

	artifactRoot := getenv("ORC_ARTIFACT_ROOT", "/var/lib/orchestrator/artifacts")
	mirror, err := artifacts.NewMirrorFromEnv()
	if err != nil {
		return nil, fmt.Errorf("configure artifact mirror: %w", err)
	}
	d := dispatcher.New(store, router, modelRouter, p, dispatcher.Options{
		ArtifactRoot: artifactRoot,
		UploadRoot:   os.Getenv("ORC_UPLOAD_ROOT"),
	})
	if mirror != nil {
		d = d.WithMirror(mirror)
	}

	eng := scheduler.NewEngine(store, d, scheduler.Options{
		ClaimantID: os.Getenv("ORC_CLAIMANT_ID"),
		ClaimTTL:   time.Duration(getenvInt("ORC_CLAIM_TTL_SECONDS", 120)) * time.Second,
		BatchSize:  getenvInt("ORC_CLAIM_BATCH_SIZE", 16),
		TickPeriod: time.Duration(getenvInt("ORC_TICK_PERIOD_SECONDS", 20)) * time.Second,
	})

	launcher := runlauncher.New(store, p)

	return &ControlPlane{
		Store: store, Launcher: launcher, Router: router, Dispatcher: d,
		Scheduler: eng, ArtifactRoot: artifactRoot,
	}, nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("ORC_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("ORC_POSTGRES_DSN is required when ORC_STORE=postgres")
		}
		return state.NewPostgresStore(context.Background(), dsn)
	default:
		return nil, fmt.Errorf("unsupported ORC_STORE value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
