package api

import (
	"net/http"
	"os"
	"strings"
)

// authorizer gates every endpoint except /healthz, reads included, behind a
// single optional bearer token — the orchestrator has no multi-tenant RBAC, unlike
// the teacher's scope/role system, so this keeps the teacher's env-driven
// enable/disable shape but drops the per-tenant scope machinery it has no
// use for here.
type authorizer struct {
	enabled bool
	token   string
}

func newAuthorizerFromEnv() *authorizer {
	token := strings.TrimSpace(os.Getenv("ORC_API_TOKEN"))
	return &authorizer{enabled: token != "", token: token}
}

func (a *authorizer) authorize(r *http.Request) (int, string) {
	if !a.enabled {
		return http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return http.StatusUnauthorized, "missing bearer token"
	}
	if token != a.token {
		return http.StatusUnauthorized, "invalid token"
	}
	return http.StatusOK, ""
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-Orchestrator-Token"))
}
