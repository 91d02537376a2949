package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) == "" && r.URL.Path != "/poll/status" && r.URL.Path != "/stream" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(handler http.Handler, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp.Code
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	handler := NewMiddleware([]byte("test-secret"), NewAccessPolicy(), nil).Wrap(okHandler())
	if code := serve(handler, http.MethodPost, "/poll/start", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := serve(handler, http.MethodGet, "/access-events", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestAuthMiddleware_ViewerForbiddenPollStart(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer")
	handler := NewMiddleware(secret, NewAccessPolicy(), nil).Wrap(okHandler())

	if code := serve(handler, http.MethodPost, "/poll/start", token); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(handler, http.MethodPost, "/poll/stop", token); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(handler, http.MethodGet, "/access-events/export.xlsx", token); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestAuthMiddleware_OperatorAllowedPollStart(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "operator")
	handler := NewMiddleware(secret, NewAccessPolicy(), nil).Wrap(okHandler())

	if code := serve(handler, http.MethodPost, "/poll/start", token); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	handler := NewMiddleware([]byte("test-secret"), NewAccessPolicy(), nil).Wrap(okHandler())
	for _, path := range []string{"/poll/status", "/stream"} {
		if code := serve(handler, http.MethodGet, path, ""); code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, code)
		}
	}
}

func TestAuthMiddleware_RejectsWrongSecretAndExpired(t *testing.T) {
	handler := NewMiddleware([]byte("test-secret"), NewAccessPolicy(), nil).Wrap(okHandler())

	wrong := mustToken(t, []byte("other-secret"), "admin")
	if code := serve(handler, http.MethodGet, "/access-events", wrong); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}

	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := serve(handler, http.MethodGet, "/access-events", expired); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestIssueJWT_RoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "ops-1", RoleOperator, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseJWT(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ops-1" || claims.Role != string(RoleOperator) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := IssueJWT(secret, "ops-1", Role("root"), time.Minute); err == nil {
		t.Fatalf("expected invalid role error")
	}
}

func mustToken(t *testing.T, secret []byte, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRoles(t *testing.T) {
	role, ok := NormalizeRole("  Operator ")
	if !ok || role != RoleOperator {
		t.Fatalf("expected operator, got %q %v", role, ok)
	}
	if _, ok := NormalizeRole("root"); ok {
		t.Fatalf("expected unknown role to be rejected")
	}
	if !RoleAtLeast(RoleAdmin, RoleOperator) || RoleAtLeast(RoleViewer, RoleOperator) {
		t.Fatalf("unexpected role ordering")
	}
	if RoleAtLeast(Role(""), RoleViewer) {
		t.Fatalf("empty role must not satisfy viewer")
	}
}
