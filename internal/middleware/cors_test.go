package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/capycode/internal/identity"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  bool
		wantStatus int
	}{
		{"explicit origin", []string{"https://capycode.dev"}, "https://capycode.dev", http.MethodGet, "https://capycode.dev", true, http.StatusTeapot},
		{"wildcard has no credentials", []string{"*"}, "https://other.dev", http.MethodGet, "https://other.dev", false, http.StatusTeapot},
		{"rejected origin", []string{"https://capycode.dev"}, "https://evil.example", http.MethodGet, "", false, http.StatusTeapot},
		{"preflight short-circuits", []string{"https://capycode.dev"}, "https://capycode.dev", http.MethodOptions, "https://capycode.dev", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/courses", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Expected allow-origin %q, got %q", tt.wantOrigin, got)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("Expected credentials %v, got %v", tt.wantCreds, got)
			}
			if tt.wantOrigin != "" && !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), identity.SessionHeaderName) {
				t.Errorf("Session header not allowed")
			}
		})
	}
}
