package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func testSec() SecConfig {
	return NewSecConfig(nil, []string{"backend-key"}, []string{"signing-secret"}, 0, 0)
}

func TestVerifyUser(t *testing.T) {
	sec := testSec()
	sig := SignUser("u1", "signing-secret")
	if !sec.VerifyUser("u1", sig) {
		t.Fatalf("valid signature rejected")
	}
	if sec.VerifyUser("u2", sig) {
		t.Fatalf("signature accepted for wrong user")
	}
	if sec.VerifyUser("u1", "deadbeef") {
		t.Fatalf("bogus signature accepted")
	}
	if sec.VerifyUser("", "") {
		t.Fatalf("empty identity accepted")
	}
}

func TestResolveUserFromHeadersAndQuery(t *testing.T) {
	sec := testSec()
	sig := SignUser("u1", "signing-secret")

	r := httptest.NewRequest(http.MethodGet, "/v1/whatever", nil)
	r.Header.Set("X-User-ID", "u1")
	r.Header.Set("X-User-Signature", sig)
	if id, err := sec.ResolveUser(r); err != nil || id != "u1" {
		t.Fatalf("header resolve failed: %q %v", id, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?uid=u1&sig="+sig, nil)
	if id, err := sec.ResolveUser(r); err != nil || id != "u1" {
		t.Fatalf("query resolve failed: %q %v", id, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := sec.ResolveUser(r); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRequireUserMiddleware(t *testing.T) {
	sec := testSec()
	var sawUser string
	h := RequireUser(sec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawUser = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	r.Header.Set("X-User-ID", "u1")
	r.Header.Set("X-User-Signature", SignUser("u1", "signing-secret"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK || sawUser != "u1" {
		t.Fatalf("authenticated request rejected: %d user=%q", w.Code, sawUser)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request passed: %d", w.Code)
	}
}

func TestRequireBackendMiddleware(t *testing.T) {
	sec := testSec()
	h := RequireBackend(sec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPut, "/v1/backend/users/u1", nil)
	r.Header.Set("X-API-Key", "backend-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("backend key rejected: %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodPut, "/v1/backend/users/u1", nil)
	r.Header.Set("Authorization", "Bearer backend-key")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer backend key rejected: %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodPut, "/v1/backend/users/u1", nil)
	r.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong key passed: %d", w.Code)
	}
}
