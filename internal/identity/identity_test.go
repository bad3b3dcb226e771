package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/store"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestMiddlewareIssuesCookieAndCreatesUser(t *testing.T) {
	repo := newRepo(t)

	var gotUser, gotSession string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(SessionHeaderName, "tab-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !isValidAnonID(gotUser) {
		t.Fatalf("expected generated anon id, got %q", gotUser)
	}
	if gotSession != "tab-1" {
		t.Errorf("expected session tab-1, got %q", gotSession)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != gotUser {
		t.Fatalf("expected %s cookie with user id", AnonCookieName)
	}

	user, err := repo.GetUser(context.Background(), gotUser)
	if err != nil || user == nil {
		t.Fatalf("expected user to be created, got %v, %v", user, err)
	}
}

func TestMiddlewareRefreshesLastSeen(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	id := "anon_0123456789abcdef0123456789abcdef"
	old := time.Now().Add(-time.Hour)
	if err := repo.UpsertUser(ctx, &domain.User{UserID: id, Username: "anon", LastSeenAt: old, CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatal(err)
	}

	h := Middleware(repo, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	user, err := repo.GetUser(ctx, id)
	if err != nil || user == nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.LastSeenAt.Before(time.Now().Add(-time.Minute)) {
		t.Errorf("last_seen_at not refreshed: %v", user.LastSeenAt)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	cases := map[string]string{
		"":          DefaultSessionIDValue,
		"  tab-2  ": "tab-2",
		"bad id!":   DefaultSessionIDValue,
		"a.b:c_d-e": "a.b:c_d-e",
	}
	for in, want := range cases {
		if got := sanitizeSessionID(in); got != want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionIDFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/voice?session_id=tab-9", nil)
	if got := sessionIDFromRequest(req); got != "tab-9" {
		t.Errorf("expected tab-9 from query, got %q", got)
	}

	req.Header.Set(SessionHeaderName, "tab-header")
	if got := sessionIDFromRequest(req); got != "tab-header" {
		t.Errorf("expected header to win, got %q", got)
	}
}

func TestWithIdentity(t *testing.T) {
	id := newAnonID()
	if !isValidAnonID(id) {
		t.Fatalf("newAnonID produced invalid id %q", id)
	}

	ctx := WithIdentity(context.Background(), id, "bad id!")
	if got := UserIDFromContext(ctx); got != id {
		t.Errorf("user id = %q, want %q", got, id)
	}
	if got := UsernameFromContext(ctx); got != "learner-"+id[len(id)-8:] {
		t.Errorf("unexpected username %q", got)
	}
	if got := SessionIDFromContext(ctx); got != DefaultSessionIDValue {
		t.Errorf("expected sanitized session id, got %q", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty user id outside middleware, got %q", got)
	}
}
