// Command orchestrator-api runs the Run Launcher (C2) and the Read
// API / Streaming Tool Surface (C6). It is stateless beyond the Store, so
// any number of instances may run behind a load balancer, mirroring the
// teacher's own cmd/api-gateway's stateless-behind-the-queue shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/malgorath/cyberbrain-orchestrator/internal/api"
	"github.com/malgorath/cyberbrain-orchestrator/internal/bootstrap"
	"github.com/malgorath/cyberbrain-orchestrator/internal/observability"
)

func main() {
	port := strings.TrimSpace(os.Getenv("ORC_API_PORT"))
	if port == "" {
		port = "8081"
	}

	shutdownTrace, err := observability.InitTracingFromEnv("orchestrator-api")
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

	go cp.Router.Run(ctx, time.Minute)

	srv := api.NewServer(cp.Store, cp.Launcher, cp.Router, cp.Dispatcher, cp.ArtifactRoot)
	httpServer := &http.Server{Addr: ":" + port, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cp.Router.Shutdown()
	}()

	log.Printf("orchestrator-api listening on :%s", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("api server failed: %v", err)
	}
	log.Println("orchestrator-api shutting down")
}
