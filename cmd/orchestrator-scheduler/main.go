// Command orchestrator-scheduler runs the Claim Loop (C3) and the Host
// Router's periodic health probe (C4). It exposes only operational
// endpoints — healthz and metrics — mirroring the teacher's
// cmd/scheduler's own /healthz, /v1/metrics, /v1/metrics/prometheus trio.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/bootstrap"
	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
)

func main() {
	port := strings.TrimSpace(os.Getenv("ORC_SCHEDULER_PORT"))
	if port == "" {
		port = "8082"
	}

	shutdownTrace, err := observability.InitTracingFromEnv("orchestrator-scheduler")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	cp, err := bootstrap.NewFromEnv()
	if err != nil {
		log.Fatalf("bootstrap control plane: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cp.Scheduler.Run(ctx)
	go cp.Router.Run(ctx, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, observability.Default.Snapshot())
	})
	mux.HandleFunc("/v1/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		cp.Router.Shutdown()
	}()

	log.Printf("orchestrator-scheduler listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("scheduler failed: %v", err)
	}
	log.Println("orchestrator-scheduler shutting down")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
