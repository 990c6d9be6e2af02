package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuth_WithValidToken(t *testing.T) {
	m := NewAdminAuth("verify-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
	r.Header.Set(AdminTokenHeader, "verify-secret")

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAdminAuth_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
	}{
		{name: "missing header", secret: "verify-secret"},
		{name: "wrong token", secret: "verify-secret", header: "guess"},
		{name: "secret not configured", secret: "", header: ""},
		{name: "secret not configured, any header", secret: "", header: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAdminAuth(tt.secret)
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/admin/token", nil)
			if tt.header != "" {
				r.Header.Set(AdminTokenHeader, tt.header)
			}

			m.Middleware(next).ServeHTTP(w, r)

			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
			}
		})
	}
}
