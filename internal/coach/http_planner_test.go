package coach

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/capycode/internal/domain"
)

func TestHTTPPlannerPostsGoalAndFramework(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req PlanRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "learn hooks", req.Goal)
		assert.Equal(t, "react", req.Framework)

		_, _ = w.Write([]byte("### Stage 1: Hooks\n- [ ] useState\n"))
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, "secret", 0)
	plan, err := p.CreatePlan(context.Background(), "learn hooks", domain.FrameworkReact)
	require.NoError(t, err)
	assert.Equal(t, "### Stage 1: Hooks\n- [ ] useState", plan)
}

func TestHTTPPlannerErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"server error", http.StatusInternalServerError, "boom", KindUpstream},
		{"bad request", http.StatusBadRequest, "nope", KindBadRequest},
		{"rate limited", http.StatusTooManyRequests, "slow down", KindUpstream},
		{"empty body", http.StatusOK, "   ", KindEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPPlanner(srv.URL, "", 0).CreatePlan(context.Background(), "goal", domain.FrameworkVue)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestHTTPPlannerTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPPlanner(srv.URL, "", 0).CreatePlan(ctx, "goal", domain.FrameworkReact)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, KindOf(err).Retryable())
}
