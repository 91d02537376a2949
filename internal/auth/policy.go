package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// NewAccessPolicy exempts status, live streams, metrics and health checks.
func NewAccessPolicy() Policy {
	return NewDefaultPolicy(
		[]string{"/poll/status", "/metrics", "/healthz"},
		[]string{"/stream"},
	)
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path

	switch {
	case path == "/poll/start", path == "/poll/stop":
		return RoleOperator, true
	case path == "/access-events", strings.HasPrefix(path, "/access-events/"):
		return RoleViewer, true
	case strings.HasPrefix(path, "/poll/"):
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
